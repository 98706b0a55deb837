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

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

// Writer regenerates source records from canonical conversations. Writes are
// keyed exactly like the IDE's own rows so repeating a restore replaces rows
// instead of duplicating them.
type Writer struct {
	logger chatvault.Logger
}

func NewWriter(logger chatvault.Logger) *Writer {
	return &Writer{logger: chatvault.LoggerOrNop(logger)}
}

type Session struct {
	loc    chatvault.SourceLocation
	db     *sql.DB
	logger chatvault.Logger
}

// Open prepares loc for writing, creating the file and tables when absent.
func (w *Writer) Open(ctx context.Context, loc chatvault.SourceLocation) (*Session, error) {
	if loc.Path == "" {
		return nil, chatvault.ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(loc.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", writableDSN(loc.Path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"CREATE TABLE IF NOT EXISTS " + kvTable + " (key TEXT PRIMARY KEY, value BLOB)",
		"CREATE TABLE IF NOT EXISTS " + itemTable + " (key TEXT UNIQUE ON CONFLICT REPLACE, value BLOB)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("prepare %s: %w", loc.ID, err)
		}
	}
	return &Session{loc: loc, db: db, logger: w.logger}, nil
}

func (s *Session) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WriteConversation writes one conversation header and all of its messages in
// a single transaction.
func (s *Session) WriteConversation(ctx context.Context, conv chatvault.Conversation) error {
	if conv.ID == "" {
		return chatvault.ErrInvalidInput
	}
	header, err := json.Marshal(composerDocument(conv))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt := "INSERT OR REPLACE INTO " + kvTable + " (key, value) VALUES (?, ?)"
	if _, err := tx.ExecContext(ctx, stmt, composerKeyPrefix+conv.ID, header); err != nil {
		_ = tx.Rollback()
		return err
	}
	for _, msg := range conv.Messages {
		body, err := json.Marshal(messageToBubble(msg))
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt, bubbleKeyPrefix+conv.ID+":"+msg.ID, body); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("restored conversation", "location", s.loc.ID, "conversation", conv.ID, "messages", len(conv.Messages))
	return nil
}

// MergeMembers adds conversations to the workspace's composer list, keeping
// whatever else the IDE stored in that document.
func (s *Session) MergeMembers(ctx context.Context, convs []chatvault.Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	doc := map[string]any{}
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM "+itemTable+" WHERE key = ?", composerMembersKey).Scan(&value)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		if len(value) > 0 {
			if err := json.Unmarshal(value, &doc); err != nil {
				return fmt.Errorf("decode composer membership: %w", err)
			}
		}
	}
	existing, _ := doc["allComposers"].([]any)
	present := map[string]bool{}
	for _, item := range existing {
		if entry, ok := item.(map[string]any); ok {
			if id, ok := entry["composerId"].(string); ok {
				present[id] = true
			}
		}
	}
	for _, conv := range convs {
		if present[conv.ID] {
			continue
		}
		present[conv.ID] = true
		existing = append(existing, map[string]any{
			"type":          "head",
			"composerId":    conv.ID,
			"name":          conv.Title,
			"createdAt":     conv.CreatedAt.UnixMilli(),
			"lastUpdatedAt": conv.UpdatedAt.UnixMilli(),
			"unifiedMode":   conv.Mode,
		})
	}
	doc["allComposers"] = existing
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "INSERT OR REPLACE INTO "+itemTable+" (key, value) VALUES (?, ?)", composerMembersKey, encoded)
	return err
}

func composerDocument(conv chatvault.Conversation) map[string]any {
	headers := make([]rawBubbleHeader, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		headers = append(headers, rawBubbleHeader{BubbleID: msg.ID, Type: bubbleTypeFromRole(msg.Role)})
	}
	var createdAt any
	if !conv.CreatedAt.IsZero() {
		createdAt = conv.CreatedAt.UnixMilli()
	}
	return map[string]any{
		"_v":         sourceDocVersion,
		"composerId": conv.ID,
		"createdAt":  createdAt,
		"modelConfig": map[string]any{
			"modelName": conv.ModelName,
			"maxMode":   false,
		},
		"unifiedMode":                 conv.Mode,
		"name":                        conv.Title,
		"richText":                    "",
		"text":                        "",
		"hasLoaded":                   true,
		"status":                      "none",
		"fullConversationHeadersOnly": headers,
		"context": map[string]any{
			"composers":          []any{},
			"quotes":             []any{},
			"selectedCommits":    []any{},
			"selectedImages":     []any{},
			"folderSelections":   []any{},
			"fileSelections":     []any{},
			"selections":         []any{},
			"terminalSelections": []any{},
			"selectedDocs":       []any{},
			"externalLinks":      []any{},
			"cursorRules":        []any{},
		},
	}
}

func writableDSN(path string) string {
	query := url.Values{}
	query.Add("_pragma", "busy_timeout(5000)")
	return "file:" + path + "?" + query.Encode()
}
