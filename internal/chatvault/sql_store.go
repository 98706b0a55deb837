package chatvault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqliteMemoryPath = ":memory:"

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore implements Store on top of database/sql for the sqlite and
// postgres dialects.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	opts    StoreOptions
	logger  Logger
	writeMu sync.Mutex
}

func OpenSQLiteStore(ctx context.Context, path string, opts StoreOptions) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := sqliteMemoryPath
	if path != sqliteMemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = path + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	}
	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	// one connection keeps a single writer and keeps :memory: databases alive
	db.SetMaxOpenConns(1)
	return openSQLStore(ctx, db, sqliteDialect, opts)
}

func OpenMemoryStore(ctx context.Context, opts StoreOptions) (*SQLStore, error) {
	return OpenSQLiteStore(ctx, sqliteMemoryPath, opts)
}

func OpenPostgresStore(ctx context.Context, dsn string, opts StoreOptions) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, err
	}
	return openSQLStore(ctx, db, postgresDialect, opts)
}

func openSQLStore(ctx context.Context, db *sql.DB, d dialect, opts StoreOptions) (*SQLStore, error) {
	pingCtx, cancel := context.WithTimeout(ctx, storeOperationTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open %s store: %w", d.name, err)
	}
	if err := d.migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		opts:    opts,
		logger:  LoggerOrNop(opts.Logger),
	}, nil
}

const storeOperationTimeout = 10 * time.Second

func (s *SQLStore) Compression() bool {
	return s.opts.Compression
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if fn == nil {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	scope := s.scope(ctx, tx)
	if err := fn(scope); err != nil {
		_ = tx.Rollback()
		s.logger.Debug("store update rolled back", "dialect", s.dialect.name, "err", err)
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) scope(ctx context.Context, q queryer) *sqlScope {
	return &sqlScope{ctx: ctx, q: q, d: s.dialect, opts: s.opts}
}

func (s *SQLStore) Conversation(ctx context.Context, id string) (Conversation, error) {
	conv, ok, err := s.scope(ctx, s.db).Conversation(id)
	if err != nil {
		return Conversation{}, err
	}
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return conv, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *SQLStore) ResolveConversationID(ctx context.Context, prefix string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "", ErrInvalidInput
	}
	scope := s.scope(ctx, s.db)
	var exact string
	err := scope.queryRow("SELECT id FROM conversations WHERE id = ?", prefix).Scan(&exact)
	if err == nil {
		return exact, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	rows, err := scope.query(`SELECT id FROM conversations WHERE id LIKE ? ESCAPE '\' ORDER BY id LIMIT 2`,
		likeEscaper.Replace(prefix)+"%")
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var matches []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", err
		}
		matches = append(matches, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("conversation %s: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("conversation %s: %w", prefix, ErrAmbiguousID)
	}
}

func (s *SQLStore) Conversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error) {
	return s.scope(ctx, s.db).conversations(filter)
}

func (s *SQLStore) ConversationSummaries(ctx context.Context, filter ConversationFilter) ([]ConversationSummary, error) {
	scope := s.scope(ctx, s.db)
	where, args := filterClause(filter)
	rows, err := scope.query(`
		SELECT c.id, c.workspace_id, c.title, c.model_name, c.message_count, c.created_at, c.updated_at,
			COALESCE(b.byte_size, 0), COALESCE(b.compressed, 0), COALESCE(b.last_backed_up_at, 0)
		FROM conversations c
		LEFT JOIN backup_records b ON b.conversation_id = c.id`+where+`
		ORDER BY c.updated_at DESC, c.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConversationSummary
	for rows.Next() {
		var summary ConversationSummary
		var messageCount, createdAt, updatedAt, compressed, lastBackedUp int64
		if err := rows.Scan(&summary.ID, &summary.WorkspaceID, &summary.Title, &summary.ModelName, &messageCount,
			&createdAt, &updatedAt, &summary.ByteSize, &compressed, &lastBackedUp); err != nil {
			return nil, err
		}
		summary.MessageCount = int(messageCount)
		summary.CreatedAt = fromMillis(createdAt)
		summary.UpdatedAt = fromMillis(updatedAt)
		summary.Compressed = compressed != 0
		summary.LastBackedUpAt = fromMillis(lastBackedUp)
		out = append(out, summary)
	}
	return out, rows.Err()
}

func (s *SQLStore) Workspaces(ctx context.Context) ([]Workspace, error) {
	rows, err := s.scope(ctx, s.db).query("SELECT id, path, display_name, location, project_dir FROM workspaces ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Path, &ws.DisplayName, &ws.Location, &ws.ProjectDir); err != nil {
			return nil, err
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

func (s *SQLStore) SyncState(ctx context.Context, location string) (SyncState, bool, error) {
	return s.scope(ctx, s.db).SyncState(location)
}

func (s *SQLStore) SyncStates(ctx context.Context) ([]SyncState, error) {
	return s.scope(ctx, s.db).SyncStates()
}

func (s *SQLStore) Stats(ctx context.Context) (StoreStats, error) {
	scope := s.scope(ctx, s.db)
	var stats StoreStats
	var conversations, messages, records, compressed, workspaces, graves int64
	var oldest, newest sql.NullInt64
	if err := scope.queryRow("SELECT COUNT(*), COALESCE(SUM(message_count), 0), MIN(updated_at), MAX(updated_at) FROM conversations").
		Scan(&conversations, &messages, &oldest, &newest); err != nil {
		return StoreStats{}, err
	}
	if err := scope.queryRow("SELECT COUNT(*), COALESCE(SUM(byte_size), 0), COALESCE(SUM(compressed), 0) FROM backup_records").
		Scan(&records, &stats.TotalBytes, &compressed); err != nil {
		return StoreStats{}, err
	}
	if err := scope.queryRow("SELECT COUNT(*) FROM workspaces").Scan(&workspaces); err != nil {
		return StoreStats{}, err
	}
	if err := scope.queryRow("SELECT COUNT(*) FROM tombstones").Scan(&graves); err != nil {
		return StoreStats{}, err
	}
	stats.Conversations = int(conversations)
	stats.Messages = int(messages)
	stats.Records = int(records)
	stats.CompressedRecords = int(compressed)
	stats.Workspaces = int(workspaces)
	stats.Tombstones = int(graves)
	if oldest.Valid {
		stats.OldestUpdatedAt = fromMillis(oldest.Int64)
	}
	if newest.Valid {
		stats.NewestUpdatedAt = fromMillis(newest.Int64)
	}
	return stats, nil
}

func (s *SQLStore) Heartbeat(ctx context.Context) (DaemonHeartbeat, bool, error) {
	var hb DaemonHeartbeat
	var pid, startedAt, lastTickAt int64
	var status string
	err := s.scope(ctx, s.db).queryRow(`
		SELECT pid, started_at, last_tick_at, last_tick_status, last_tick_reason, last_tick_id
		FROM daemon_heartbeat WHERE id = 1`).
		Scan(&pid, &startedAt, &lastTickAt, &status, &hb.LastTickReason, &hb.LastTickID)
	if errors.Is(err, sql.ErrNoRows) {
		return DaemonHeartbeat{}, false, nil
	}
	if err != nil {
		return DaemonHeartbeat{}, false, err
	}
	hb.PID = int(pid)
	hb.StartedAt = fromMillis(startedAt)
	hb.LastTickAt = fromMillis(lastTickAt)
	hb.LastTickStatus = TickStatus(status)
	return hb, true, nil
}

func (s *SQLStore) PutHeartbeat(ctx context.Context, hb DaemonHeartbeat) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.scope(ctx, s.db).exec(`
		INSERT INTO daemon_heartbeat (id, pid, started_at, last_tick_at, last_tick_status, last_tick_reason, last_tick_id)
		VALUES (1, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			pid = excluded.pid,
			started_at = excluded.started_at,
			last_tick_at = excluded.last_tick_at,
			last_tick_status = excluded.last_tick_status,
			last_tick_reason = excluded.last_tick_reason,
			last_tick_id = excluded.last_tick_id`,
		hb.PID, toMillis(hb.StartedAt), toMillis(hb.LastTickAt), string(hb.LastTickStatus), hb.LastTickReason, hb.LastTickID)
	return err
}

// sqlScope runs queries against either the pool or an open transaction.
type sqlScope struct {
	ctx  context.Context
	q    queryer
	d    dialect
	opts StoreOptions
}

func (s *sqlScope) exec(query string, args ...any) (sql.Result, error) {
	return s.q.ExecContext(s.ctx, s.d.rebind(query), args...)
}

func (s *sqlScope) query(query string, args ...any) (*sql.Rows, error) {
	return s.q.QueryContext(s.ctx, s.d.rebind(query), args...)
}

func (s *sqlScope) queryRow(query string, args ...any) *sql.Row {
	return s.q.QueryRowContext(s.ctx, s.d.rebind(query), args...)
}

const conversationColumns = `c.id, c.workspace_id, c.title, c.model_name, c.mode, c.created_at, c.updated_at,
	b.payload, COALESCE(b.compressed, 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		conv                 Conversation
		createdAt, updatedAt int64
		payload              []byte
		compressed           int64
	)
	if err := row.Scan(&conv.ID, &conv.WorkspaceID, &conv.Title, &conv.ModelName, &conv.Mode,
		&createdAt, &updatedAt, &payload, &compressed); err != nil {
		return Conversation{}, err
	}
	conv.CreatedAt = fromMillis(createdAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	conv.Messages = []Message{}
	if len(payload) > 0 {
		messages, err := decodePayload(payload, compressed != 0)
		if err != nil {
			return Conversation{}, fmt.Errorf("conversation %s: %w", conv.ID, err)
		}
		conv.Messages = messages
	}
	return conv, nil
}

func (s *sqlScope) Conversation(id string) (Conversation, bool, error) {
	row := s.queryRow(`SELECT `+conversationColumns+`
		FROM conversations c
		LEFT JOIN backup_records b ON b.conversation_id = c.id
		WHERE c.id = ?`, id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, false, nil
	}
	if err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *sqlScope) conversations(filter ConversationFilter) ([]Conversation, error) {
	where, args := filterClause(filter)
	rows, err := s.query(`SELECT `+conversationColumns+`
		FROM conversations c
		LEFT JOIN backup_records b ON b.conversation_id = c.id`+where+`
		ORDER BY c.created_at, c.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

func filterClause(filter ConversationFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(filter.IDs) > 0 {
		placeholders := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses, "c.id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.WorkspaceID != "" {
		clauses = append(clauses, "c.workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "\n\t\tWHERE " + strings.Join(clauses, " AND "), args
}

func (s *sqlScope) PutConversation(conv Conversation) (BackupRecord, error) {
	if strings.TrimSpace(conv.ID) == "" {
		return BackupRecord{}, ErrInvalidInput
	}
	now := s.opts.now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
		if len(conv.Messages) > 0 && !conv.Messages[0].CreatedAt.IsZero() {
			conv.CreatedAt = conv.Messages[0].CreatedAt
		}
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}
	if conv.Title == "" {
		conv.Title = DeriveTitle(conv.Messages)
	}
	payload, hash, err := encodePayload(conv.Messages, s.opts.Compression)
	if err != nil {
		return BackupRecord{}, err
	}
	if _, err := s.exec(`
		INSERT INTO conversations (id, workspace_id, title, model_name, mode, message_count, max_sequence, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			title = excluded.title,
			model_name = excluded.model_name,
			mode = excluded.mode,
			message_count = excluded.message_count,
			max_sequence = excluded.max_sequence,
			updated_at = excluded.updated_at`,
		conv.ID, conv.WorkspaceID, conv.Title, conv.ModelName, conv.Mode, len(conv.Messages), conv.MaxSequence(),
		toMillis(conv.CreatedAt), toMillis(conv.UpdatedAt)); err != nil {
		return BackupRecord{}, err
	}
	record := BackupRecord{
		ConversationID: conv.ID,
		ByteSize:       int64(len(payload)),
		Compressed:     s.opts.Compression,
		ContentHash:    hash,
		LastBackedUpAt: now,
	}
	if _, err := s.exec(`
		INSERT INTO backup_records (conversation_id, payload, byte_size, compressed, content_hash, last_backed_up_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			payload = excluded.payload,
			byte_size = excluded.byte_size,
			compressed = excluded.compressed,
			content_hash = excluded.content_hash,
			last_backed_up_at = excluded.last_backed_up_at`,
		record.ConversationID, payload, record.ByteSize, boolToInt(record.Compressed), record.ContentHash,
		toMillis(record.LastBackedUpAt)); err != nil {
		return BackupRecord{}, err
	}
	return record, nil
}

func (s *sqlScope) DeleteConversation(id, reason string) error {
	var messageCount int64
	err := s.queryRow("SELECT message_count FROM conversations WHERE id = ?", id).Scan(&messageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	for _, stmt := range []string{
		"DELETE FROM backup_records WHERE conversation_id = ?",
		"DELETE FROM conversation_sources WHERE conversation_id = ?",
		"DELETE FROM conversations WHERE id = ?",
	} {
		if _, err := s.exec(stmt, id); err != nil {
			return err
		}
	}
	_, err = s.exec(`
		INSERT INTO tombstones (conversation_id, message_count, reason, pruned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE SET
			message_count = excluded.message_count,
			reason = excluded.reason,
			pruned_at = excluded.pruned_at`,
		id, messageCount, reason, toMillis(s.opts.now()))
	return err
}

func (s *sqlScope) SetConversationWorkspace(id, workspaceID string) (bool, error) {
	result, err := s.exec("UPDATE conversations SET workspace_id = ? WHERE id = ? AND workspace_id <> ?", workspaceID, id, workspaceID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqlScope) LinkSource(location, conversationID string) error {
	_, err := s.exec(`
		INSERT INTO conversation_sources (location, conversation_id, first_seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT (location, conversation_id) DO NOTHING`,
		location, conversationID, toMillis(s.opts.now()))
	return err
}

func (s *sqlScope) SourceHistory(location string) (int, error) {
	var count int64
	if err := s.queryRow("SELECT COUNT(*) FROM conversation_sources WHERE location = ?", location).Scan(&count); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (s *sqlScope) Tombstone(id string) (Tombstone, bool, error) {
	var tomb Tombstone
	var count, pruned int64
	err := s.queryRow("SELECT conversation_id, message_count, reason, pruned_at FROM tombstones WHERE conversation_id = ?", id).
		Scan(&tomb.ConversationID, &count, &tomb.Reason, &pruned)
	if errors.Is(err, sql.ErrNoRows) {
		return Tombstone{}, false, nil
	}
	if err != nil {
		return Tombstone{}, false, err
	}
	tomb.MessageCount = int(count)
	tomb.PrunedAt = fromMillis(pruned)
	return tomb, true, nil
}

func (s *sqlScope) ClearTombstone(id string) error {
	_, err := s.exec("DELETE FROM tombstones WHERE conversation_id = ?", id)
	return err
}

// UpsertWorkspace records ws. Empty fields keep what is already stored, since
// the same workspace is described partially by different sources.
func (s *sqlScope) UpsertWorkspace(ws Workspace) error {
	if strings.TrimSpace(ws.ID) == "" {
		return ErrInvalidInput
	}
	var current Workspace
	err := s.queryRow("SELECT id, path, display_name, location, project_dir FROM workspaces WHERE id = ?", ws.ID).
		Scan(&current.ID, &current.Path, &current.DisplayName, &current.Location, &current.ProjectDir)
	switch {
	case err == nil:
		ws = current.fill(ws)
		if current == ws {
			return nil
		}
	case !errors.Is(err, sql.ErrNoRows):
		return err
	}
	_, err = s.exec(`
		INSERT INTO workspaces (id, path, display_name, location, project_dir)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			path = excluded.path,
			display_name = excluded.display_name,
			location = excluded.location,
			project_dir = excluded.project_dir`,
		ws.ID, ws.Path, ws.DisplayName, ws.Location, ws.ProjectDir)
	return err
}

func (s *sqlScope) SyncState(location string) (SyncState, bool, error) {
	var snapshot string
	err := s.queryRow("SELECT snapshot FROM sync_states WHERE location = ?", location).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return NewSyncState(location), false, nil
	}
	if err != nil {
		return SyncState{}, false, err
	}
	var state SyncState
	if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
		return SyncState{}, false, fmt.Errorf("sync state %s: %w", location, err)
	}
	if state.State == "" {
		state.State = WipeNormal
	}
	return state, true, nil
}

func (s *sqlScope) PutSyncState(state SyncState) error {
	if strings.TrimSpace(state.Location) == "" {
		return ErrInvalidInput
	}
	if state.State == "" {
		state.State = WipeNormal
	}
	if state.LastSeenConversationIDs == nil {
		state.LastSeenConversationIDs = []string{}
	}
	snapshot, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.exec(`
		INSERT INTO sync_states (location, state, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (location) DO UPDATE SET
			state = excluded.state,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		state.Location, string(state.State), string(snapshot), toMillis(s.opts.now()))
	return err
}

func (s *sqlScope) SyncStates() ([]SyncState, error) {
	rows, err := s.query("SELECT snapshot FROM sync_states ORDER BY location")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SyncState
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		var state SyncState
		if err := json.Unmarshal([]byte(snapshot), &state); err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

func (s *sqlScope) Inventory() ([]InventoryItem, error) {
	rows, err := s.query(`
		SELECT c.id, c.workspace_id, c.message_count, c.updated_at, COALESCE(b.byte_size, 0), COALESCE(b.compressed, 0)
		FROM conversations c
		LEFT JOIN backup_records b ON b.conversation_id = c.id
		ORDER BY c.updated_at, c.id`)
	if err != nil {
		return nil, err
	}
	var items []InventoryItem
	index := map[string]int{}
	for rows.Next() {
		var (
			item                              InventoryItem
			messageCount, updatedAt, compress int64
		)
		if err := rows.Scan(&item.ConversationID, &item.WorkspaceID, &messageCount, &updatedAt, &item.ByteSize, &compress); err != nil {
			rows.Close()
			return nil, err
		}
		item.MessageCount = int(messageCount)
		item.UpdatedAt = fromMillis(updatedAt)
		item.Compressed = compress != 0
		index[item.ConversationID] = len(items)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	links, err := s.query("SELECT location, conversation_id FROM conversation_sources ORDER BY location, conversation_id")
	if err != nil {
		return nil, err
	}
	defer links.Close()
	for links.Next() {
		var location, id string
		if err := links.Scan(&location, &id); err != nil {
			return nil, err
		}
		if i, ok := index[id]; ok {
			items[i].Locations = append(items[i].Locations, location)
		}
	}
	return items, links.Err()
}

func (s *sqlScope) Recompress(id string, compress bool) (int64, error) {
	var (
		payload    []byte
		compressed int64
	)
	err := s.queryRow("SELECT payload, compressed FROM backup_records WHERE conversation_id = ?", id).Scan(&payload, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	if (compressed != 0) == compress {
		return int64(len(payload)), nil
	}
	messages, err := decodePayload(payload, compressed != 0)
	if err != nil {
		return 0, err
	}
	encoded, _, err := encodePayload(messages, compress)
	if err != nil {
		return 0, err
	}
	if _, err := s.exec("UPDATE backup_records SET payload = ?, byte_size = ?, compressed = ? WHERE conversation_id = ?",
		encoded, int64(len(encoded)), boolToInt(compress), id); err != nil {
		return 0, err
	}
	return int64(len(encoded)), nil
}
