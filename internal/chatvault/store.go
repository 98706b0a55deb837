package chatvault

import (
	"context"
	"time"
)

// Store is the durable canonical copy of all captured conversations. Reads may
// run concurrently; every mutation goes through Update, which is serialized.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error

	Conversation(ctx context.Context, id string) (Conversation, error)
	ResolveConversationID(ctx context.Context, prefix string) (string, error)
	Conversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error)
	ConversationSummaries(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error)
	Workspaces(ctx context.Context) ([]Workspace, error)
	SyncState(ctx context.Context, location string) (SyncState, bool, error)
	SyncStates(ctx context.Context) ([]SyncState, error)
	Stats(ctx context.Context) (StoreStats, error)
	Heartbeat(ctx context.Context) (DaemonHeartbeat, bool, error)
	PutHeartbeat(ctx context.Context, hb DaemonHeartbeat) error

	Compression() bool
	Close() error
}

// Tx is the write view handed to Update callbacks. Either everything done
// through it commits or nothing does.
type Tx interface {
	Conversation(id string) (Conversation, bool, error)
	PutConversation(conv Conversation) (BackupRecord, error)
	DeleteConversation(id, reason string) error
	SetConversationWorkspace(id, workspaceID string) (bool, error)
	LinkSource(location, conversationID string) error
	SourceHistory(location string) (int, error)
	Tombstone(id string) (Tombstone, bool, error)
	ClearTombstone(id string) error
	UpsertWorkspace(ws Workspace) error
	SyncState(location string) (SyncState, bool, error)
	PutSyncState(state SyncState) error
	SyncStates() ([]SyncState, error)
	Inventory() ([]InventoryItem, error)
	Recompress(id string, compress bool) (int64, error)
}

type StoreOptions struct {
	Compression bool
	Now         func() time.Time
	Logger      Logger
}

func (o StoreOptions) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
