package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const defaultReadTimeout = 30 * time.Second

// WorkspaceResolver maps a project folder to the workspace the IDE keeps for
// it. Locator implements it.
type WorkspaceResolver interface {
	ResolveWorkspace(folder string) (chatvault.Workspace, bool)
}

type ReaderOptions struct {
	Timeout    time.Duration
	Logger     chatvault.Logger
	Now        func() time.Time
	Workspaces WorkspaceResolver
}

// Reader takes read-only snapshots of source locations. It never writes to the
// source files.
type Reader struct {
	timeout    time.Duration
	logger     chatvault.Logger
	now        func() time.Time
	workspaces WorkspaceResolver
}

func NewReader(opts ReaderOptions) *Reader {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reader{timeout: timeout, logger: chatvault.LoggerOrNop(opts.Logger), now: now, workspaces: opts.Workspaces}
}

func (r *Reader) Read(ctx context.Context, loc chatvault.SourceLocation) (chatvault.Snapshot, error) {
	snap := chatvault.Snapshot{Location: loc, ReadAt: r.now().UTC()}
	info, err := os.Stat(loc.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, &chatvault.SourceError{Location: loc.ID, Kind: chatvault.SourceMissing, Err: err}
		}
		return snap, &chatvault.SourceError{Location: loc.ID, Kind: chatvault.SourceUnavailable, Err: err}
	}
	if info.IsDir() {
		return snap, &chatvault.SourceError{Location: loc.ID, Kind: chatvault.SourceCorrupt, Err: fmt.Errorf("%s is a directory", loc.Path)}
	}

	readCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	db, err := sql.Open("sqlite", readOnlyDSN(loc.Path))
	if err != nil {
		return snap, &chatvault.SourceError{Location: loc.ID, Kind: chatvault.SourceUnavailable, Err: err}
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	present, err := tableExists(readCtx, db, kvTable)
	if err != nil {
		return snap, classifyReadError(readCtx, loc.ID, err)
	}
	// a store without the kv table has no chat data yet, but a workspace store
	// may still list its conversations in ItemTable
	if present {
		if err := r.readConversations(readCtx, db, &snap); err != nil {
			return snap, err
		}
	}
	if loc.Kind == chatvault.LocationWorkspace {
		members, err := readMembers(readCtx, db)
		if err != nil {
			r.logger.Debug("workspace membership unreadable", "location", loc.ID, "err", err)
		}
		snap.MemberIDs = members
		snap.Workspace = ReadWorkspace(loc)
	}
	return snap, nil
}

func (r *Reader) readConversations(ctx context.Context, db *sql.DB, snap *chatvault.Snapshot) error {
	loc := snap.Location
	rows, err := db.QueryContext(ctx,
		"SELECT key, value FROM "+kvTable+" WHERE key LIKE ? OR key LIKE ?",
		composerKeyPrefix+"%", bubbleKeyPrefix+"%")
	if err != nil {
		return classifyReadError(ctx, loc.ID, err)
	}
	composers := map[string]rawComposer{}
	bubbles := map[string][]rawBubble{}
	var parsed int
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return classifyReadError(ctx, loc.ID, err)
		}
		if len(value) == 0 {
			continue
		}
		if id, ok := composerIDFromKey(key); ok {
			var composer rawComposer
			if err := json.Unmarshal(value, &composer); err != nil {
				snap.SkippedRecords++
				r.logger.Debug("skipping malformed conversation header", "location", loc.ID, "key", key, "err", err)
				continue
			}
			composers[id] = composer
			parsed++
			continue
		}
		if convID, ok := conversationIDFromBubbleKey(key); ok {
			var bubble rawBubble
			if err := json.Unmarshal(value, &bubble); err != nil {
				snap.SkippedRecords++
				r.logger.Debug("skipping malformed message", "location", loc.ID, "key", key, "err", err)
				continue
			}
			parsed++
			if strings.TrimSpace(bubble.Text) == "" || bubble.BubbleID == "" {
				continue
			}
			bubbles[convID] = append(bubbles[convID], bubble)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return classifyReadError(ctx, loc.ID, err)
	}
	rows.Close()

	if parsed == 0 && snap.SkippedRecords > 0 {
		return &chatvault.SourceError{
			Location: loc.ID,
			Kind:     chatvault.SourceCorrupt,
			Err:      fmt.Errorf("all %d records malformed", snap.SkippedRecords),
		}
	}
	if snap.SkippedRecords > 0 {
		r.logger.Warn("source has malformed records", "location", loc.ID, "skipped", snap.SkippedRecords)
	}

	snap.Conversations = buildConversations(loc, composers, bubbles)
	if loc.Kind != chatvault.LocationWorkspace {
		snap.Referenced = r.attribute(snap.Conversations, bubbles)
	}
	return nil
}

// attribute assigns each conversation to the project its messages were written
// in and returns the workspaces used. Conversations without a hint keep an
// empty workspace.
func (r *Reader) attribute(convs []chatvault.Conversation, bubbles map[string][]rawBubble) []chatvault.Workspace {
	resolved := map[string]chatvault.Workspace{}
	var used []chatvault.Workspace
	for i := range convs {
		folder, projectDir := workspaceHint(bubbles[convs[i].ID])
		if folder == "" {
			continue
		}
		ws, ok := resolved[folder]
		if !ok {
			ws = r.resolveWorkspace(folder)
			if ws.ProjectDir == "" {
				ws.ProjectDir = projectDir
			}
			resolved[folder] = ws
			used = append(used, ws)
		}
		convs[i].WorkspaceID = ws.ID
	}
	return used
}

// resolveWorkspace prefers the IDE's own workspace store for folder. Folders
// without one get an id derived from the folder so repeated reads agree.
func (r *Reader) resolveWorkspace(folder string) chatvault.Workspace {
	if r.workspaces != nil {
		if ws, ok := r.workspaces.ResolveWorkspace(folder); ok {
			return ws
		}
	}
	return chatvault.Workspace{
		ID:          uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+folder)).String(),
		Path:        folder,
		DisplayName: workspaceDisplayName(folder),
	}
}

// workspaceHint returns the project folder recorded on the first message that
// names one.
func workspaceHint(items []rawBubble) (string, string) {
	for _, b := range items {
		if len(b.WorkspaceURIs) == 0 {
			continue
		}
		if folder := pathFromURI(b.WorkspaceURIs[0]); folder != "" {
			return filepath.Clean(folder), b.WorkspaceProjectDir
		}
	}
	return "", ""
}

func buildConversations(loc chatvault.SourceLocation, composers map[string]rawComposer, bubbles map[string][]rawBubble) []chatvault.Conversation {
	ids := make([]string, 0, len(bubbles))
	for id := range bubbles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	conversations := make([]chatvault.Conversation, 0, len(ids))
	for _, id := range ids {
		items := bubbles[id]
		composer, hasComposer := composers[id]
		orderBubbles(items, composer.Headers)

		conv := chatvault.Conversation{ID: id, Messages: make([]chatvault.Message, 0, len(items))}
		if loc.Kind == chatvault.LocationWorkspace {
			conv.WorkspaceID = loc.WorkspaceID
		}
		seen := make(map[string]struct{}, len(items))
		for _, b := range items {
			if _, dup := seen[b.BubbleID]; dup {
				continue
			}
			seen[b.BubbleID] = struct{}{}
			conv.Messages = append(conv.Messages, bubbleToMessage(b))
		}
		conv.Renumber()
		if hasComposer {
			if composer.CreatedAt != nil && *composer.CreatedAt > 0 {
				conv.CreatedAt = time.UnixMilli(*composer.CreatedAt).UTC()
			}
			if composer.ModelConfig != nil {
				conv.ModelName = composer.ModelConfig.ModelName
			}
			conv.Mode = composer.UnifiedMode
		}
		if conv.CreatedAt.IsZero() && len(conv.Messages) > 0 {
			conv.CreatedAt = conv.Messages[0].CreatedAt
		}
		conv.Title = chatvault.DeriveTitle(conv.Messages)
		conversations = append(conversations, conv)
	}
	return conversations
}

func readMembers(ctx context.Context, db *sql.DB) ([]string, error) {
	present, err := tableExists(ctx, db, itemTable)
	if err != nil || !present {
		return nil, err
	}
	var value []byte
	err = db.QueryRowContext(ctx, "SELECT value FROM "+itemTable+" WHERE key = ?", composerMembersKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var members rawComposerMembers
	if err := json.Unmarshal(value, &members); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members.AllComposers))
	for _, m := range members.AllComposers {
		if m.ComposerID != "" {
			ids = append(ids, m.ComposerID)
		}
	}
	return ids, nil
}

func tableExists(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func readOnlyDSN(path string) string {
	query := url.Values{}
	query.Set("mode", "ro")
	query.Add("_pragma", "busy_timeout(2000)")
	return "file:" + path + "?" + query.Encode()
}

func classifyReadError(ctx context.Context, location string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &chatvault.SourceError{Location: location, Kind: chatvault.SourceTimeout, Err: err}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"),
		strings.Contains(msg, "unable to open"), strings.Contains(msg, "permission"):
		return &chatvault.SourceError{Location: location, Kind: chatvault.SourceUnavailable, Err: err}
	default:
		return &chatvault.SourceError{Location: location, Kind: chatvault.SourceCorrupt, Err: err}
	}
}
