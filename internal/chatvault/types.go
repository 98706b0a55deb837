// Package chatvault holds the canonical data model for backed-up chat history
// and the durable store that keeps it.
package chatvault

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageMetadata struct {
	Model              string `json:"model,omitempty"`
	InputTokens        int64  `json:"inputTokens,omitempty"`
	OutputTokens       int64  `json:"outputTokens,omitempty"`
	Thinking           string `json:"thinking,omitempty"`
	ThinkingSignature  string `json:"thinkingSignature,omitempty"`
	ThinkingDurationMs int64  `json:"thinkingDurationMs,omitempty"`
	Agentic            bool   `json:"agentic,omitempty"`
}

func (m *MessageMetadata) IsZero() bool {
	return m == nil || *m == MessageMetadata{}
}

// Message is one turn of a conversation. ID is the identifier the source uses
// for the turn; Sequence is its 1-based position in the conversation.
type Message struct {
	Sequence  int64            `json:"sequence"`
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"createdAt"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

func (m Message) Equal(other Message) bool {
	if m.Sequence != other.Sequence || m.ID != other.ID || m.Role != other.Role || m.Content != other.Content {
		return false
	}
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return false
	}
	if m.Metadata.IsZero() || other.Metadata.IsZero() {
		return m.Metadata.IsZero() == other.Metadata.IsZero()
	}
	return *m.Metadata == *other.Metadata
}

type Conversation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	Title       string    `json:"title,omitempty"`
	ModelName   string    `json:"modelName,omitempty"`
	Mode        string    `json:"mode,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Messages    []Message `json:"messages"`
}

func (c Conversation) MessageCount() int {
	return len(c.Messages)
}

func (c Conversation) MaxSequence() int64 {
	var max int64
	for _, msg := range c.Messages {
		if msg.Sequence > max {
			max = msg.Sequence
		}
	}
	return max
}

// Renumber assigns contiguous sequence numbers in slice order.
func (c *Conversation) Renumber() {
	for i := range c.Messages {
		c.Messages[i].Sequence = int64(i + 1)
	}
}

func (c Conversation) Clone() Conversation {
	clone := c
	clone.Messages = make([]Message, len(c.Messages))
	for i, msg := range c.Messages {
		if msg.Metadata != nil {
			meta := *msg.Metadata
			msg.Metadata = &meta
		}
		clone.Messages[i] = msg
	}
	return clone
}

type ConversationSummary struct {
	ID             string    `json:"id"`
	WorkspaceID    string    `json:"workspaceId,omitempty"`
	Title          string    `json:"title,omitempty"`
	ModelName      string    `json:"modelName,omitempty"`
	MessageCount   int       `json:"messageCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	ByteSize       int64     `json:"byteSize"`
	Compressed     bool      `json:"compressed"`
	LastBackedUpAt time.Time `json:"lastBackedUpAt"`
}

type ConversationFilter struct {
	IDs         []string
	WorkspaceID string
}

type Workspace struct {
	ID          string `json:"id"`
	Path        string `json:"path,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Location    string `json:"location,omitempty"`
	ProjectDir  string `json:"projectDir,omitempty"`
}

// fill returns next with its empty fields taken from w.
func (w Workspace) fill(next Workspace) Workspace {
	if next.Path == "" {
		next.Path = w.Path
	}
	if next.DisplayName == "" || (next.DisplayName == next.ID && w.DisplayName != "") {
		next.DisplayName = w.DisplayName
	}
	if next.Location == "" {
		next.Location = w.Location
	}
	if next.ProjectDir == "" {
		next.ProjectDir = w.ProjectDir
	}
	return next
}

type BackupRecord struct {
	ConversationID string    `json:"conversationId"`
	ByteSize       int64     `json:"byteSize"`
	Compressed     bool      `json:"compressed"`
	ContentHash    string    `json:"contentHash"`
	LastBackedUpAt time.Time `json:"lastBackedUpAt"`
}

// InventoryItem is the lifecycle view of one stored conversation.
type InventoryItem struct {
	ConversationID string
	WorkspaceID    string
	MessageCount   int
	UpdatedAt      time.Time
	ByteSize       int64
	Compressed     bool
	Locations      []string
}

type Tombstone struct {
	ConversationID string    `json:"conversationId"`
	MessageCount   int       `json:"messageCount"`
	Reason         string    `json:"reason"`
	PrunedAt       time.Time `json:"prunedAt"`
}

type LocationKind string

const (
	LocationGlobal    LocationKind = "global"
	LocationWorkspace LocationKind = "workspace"
)

// SourceLocation addresses one volatile source database.
type SourceLocation struct {
	ID          string       `json:"id"`
	Kind        LocationKind `json:"kind"`
	Path        string       `json:"path"`
	WorkspaceID string       `json:"workspaceId,omitempty"`
}

// Snapshot is everything read from one source location in a single pass.
// Referenced holds the workspaces that conversations were attributed to by
// their own messages, which lets global stores name a project.
type Snapshot struct {
	Location       SourceLocation
	Conversations  []Conversation
	MemberIDs      []string
	Workspace      *Workspace
	Referenced     []Workspace
	SkippedRecords int
	ReadAt         time.Time
}

func (s Snapshot) ConversationIDs() []string {
	seen := make(map[string]struct{}, len(s.Conversations)+len(s.MemberIDs))
	ids := make([]string, 0, len(s.Conversations)+len(s.MemberIDs))
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, conv := range s.Conversations {
		add(conv.ID)
	}
	sort.Strings(ids)
	return ids
}

func (s Snapshot) TotalMessages() int {
	total := 0
	for _, conv := range s.Conversations {
		total += len(conv.Messages)
	}
	return total
}

type WipeState string

const (
	WipeNormal         WipeState = "Normal"
	WipeSuspect        WipeState = "Suspect"
	WipeConfirmedWiped WipeState = "ConfirmedWiped"
)

// SyncState is the per-location memory the wipe detector reasons over.
type SyncState struct {
	Location                string    `json:"location"`
	State                   WipeState `json:"state"`
	LastSeenConversationIDs []string  `json:"lastSeenConversationIds"`
	LastSeenTotalMessages   int       `json:"lastSeenTotalMessages"`
	LastSyncAt              time.Time `json:"lastSyncAt"`
	ConsecutiveLowTicks     int       `json:"consecutiveLowTicks"`
	EverNonEmpty            bool      `json:"everNonEmpty"`
	CorruptCount            int       `json:"corruptCount"`
	LastError               string    `json:"lastError,omitempty"`
	LastErrorAt             time.Time `json:"lastErrorAt"`
	StateChangedAt          time.Time `json:"stateChangedAt"`
}

func NewSyncState(location string) SyncState {
	return SyncState{Location: location, State: WipeNormal}
}

func (s SyncState) Sees(conversationID string) bool {
	for _, id := range s.LastSeenConversationIDs {
		if id == conversationID {
			return true
		}
	}
	return false
}

type TickStatus string

const (
	TickOK      TickStatus = "ok"
	TickPartial TickStatus = "partial"
	TickError   TickStatus = "error"
)

type DaemonHeartbeat struct {
	PID            int        `json:"pid"`
	StartedAt      time.Time  `json:"startedAt"`
	LastTickAt     time.Time  `json:"lastTickAt"`
	LastTickStatus TickStatus `json:"lastTickStatus,omitempty"`
	LastTickReason string     `json:"lastTickReason,omitempty"`
	LastTickID     string     `json:"lastTickId,omitempty"`
}

type StoreStats struct {
	Conversations     int       `json:"conversations"`
	Messages          int       `json:"messages"`
	Workspaces        int       `json:"workspaces"`
	Records           int       `json:"records"`
	CompressedRecords int       `json:"compressedRecords"`
	TotalBytes        int64     `json:"totalBytes"`
	Tombstones        int       `json:"tombstones"`
	OldestUpdatedAt   time.Time `json:"oldestUpdatedAt"`
	NewestUpdatedAt   time.Time `json:"newestUpdatedAt"`
}

type SelectorKind string

const (
	SelectAll          SelectorKind = "all"
	SelectConversation SelectorKind = "conversation"
	SelectWorkspace    SelectorKind = "workspace"
)

type Selector struct {
	Kind           SelectorKind `json:"kind"`
	ConversationID string       `json:"conversationId,omitempty"`
	WorkspaceID    string       `json:"workspaceId,omitempty"`
}

func (s Selector) String() string {
	switch s.Kind {
	case SelectConversation:
		return "conversation:" + s.ConversationID
	case SelectWorkspace:
		return "workspace:" + s.WorkspaceID
	default:
		return string(SelectAll)
	}
}

func (s Selector) Validate() error {
	switch s.Kind {
	case SelectAll:
		return nil
	case SelectConversation:
		if strings.TrimSpace(s.ConversationID) == "" {
			return ErrInvalidInput
		}
		return nil
	case SelectWorkspace:
		if strings.TrimSpace(s.WorkspaceID) == "" {
			return ErrInvalidInput
		}
		return nil
	default:
		return ErrInvalidInput
	}
}

type RestoreRequest struct {
	ID          string    `json:"id"`
	Location    string    `json:"location"`
	Selector    Selector  `json:"selector"`
	Force       bool      `json:"force,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Outcome summarizes the result of a tick, restore or lifecycle pass.
type Outcome string

const (
	OutcomeNoop    Outcome = "noop"
	OutcomeOK      Outcome = "ok"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

const (
	maxTitleLength = 50

	// EmptyTitle names conversations without a usable user message.
	EmptyTitle = "[Empty conversation]"
)

// DeriveTitle builds a display title from the first user message.
func DeriveTitle(messages []Message) string {
	for _, msg := range messages {
		if msg.Role != RoleUser {
			continue
		}
		line := strings.TrimSpace(msg.Content)
		if idx := strings.IndexByte(line, '\n'); idx >= 0 {
			line = line[:idx]
		}
		cleaned := strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
				return r
			}
			if unicode.IsSpace(r) {
				return ' '
			}
			return -1
		}, line)
		cleaned = strings.Join(strings.Fields(cleaned), " ")
		if cleaned == "" {
			continue
		}
		return truncateAtWord(cleaned, maxTitleLength)
	}
	return EmptyTitle
}

func truncateAtWord(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
