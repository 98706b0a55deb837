package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/source"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	t       *testing.T
	ctx     context.Context
	clock   *fakeClock
	store   *chatvault.SQLStore
	locator source.Locator
	engine  *Engine
}

func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	clock := newFakeClock()
	store, err := chatvault.OpenMemoryStore(context.Background(), chatvault.StoreOptions{Compression: true, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	locator := source.NewLocator(t.TempDir())
	opts := Options{
		Store:       store,
		Locations:   locator,
		Reader:      source.NewReader(source.ReaderOptions{Now: clock.Now, Workspaces: locator}),
		Writer:      NewSourceWriter(source.NewWriter(nil)),
		Now:         clock.Now,
		Compression: true,
	}
	if configure != nil {
		configure(&opts)
	}
	engine, err := New(opts)
	require.NoError(t, err)
	return &fixture{t: t, ctx: context.Background(), clock: clock, store: store, locator: locator, engine: engine}
}

func (f *fixture) location(id string) chatvault.SourceLocation {
	f.t.Helper()
	loc, err := f.locator.Location(id)
	require.NoError(f.t, err)
	return loc
}

func (f *fixture) seed(locationID string, convs ...chatvault.Conversation) {
	f.t.Helper()
	session, err := source.NewWriter(nil).Open(f.ctx, f.location(locationID))
	require.NoError(f.t, err)
	defer session.Close()
	for _, conv := range convs {
		require.NoError(f.t, session.WriteConversation(f.ctx, conv))
	}
}

func (f *fixture) wipe(locationID string) {
	f.t.Helper()
	f.exec(locationID, "DELETE FROM cursorDiskKV")
}

func (f *fixture) exec(locationID, stmt string, args ...any) {
	f.t.Helper()
	db, err := sql.Open("sqlite", f.location(locationID).Path)
	require.NoError(f.t, err)
	defer db.Close()
	_, err = db.ExecContext(f.ctx, stmt, args...)
	require.NoError(f.t, err)
}

func (f *fixture) rowCount(locationID string) int {
	f.t.Helper()
	db, err := sql.Open("sqlite", f.location(locationID).Path)
	require.NoError(f.t, err)
	defer db.Close()
	var n int
	require.NoError(f.t, db.QueryRowContext(f.ctx, "SELECT COUNT(*) FROM cursorDiskKV").Scan(&n))
	return n
}

func (f *fixture) read(locationID string) chatvault.Snapshot {
	f.t.Helper()
	snap, err := source.NewReader(source.ReaderOptions{}).Read(f.ctx, f.location(locationID))
	require.NoError(f.t, err)
	return snap
}

func (f *fixture) tick() TickReport {
	f.t.Helper()
	f.clock.Advance(2 * time.Minute)
	report, err := f.engine.Tick(f.ctx, "test")
	require.NoError(f.t, err)
	return report
}

func (f *fixture) state(locationID string) chatvault.SyncState {
	f.t.Helper()
	st, _, err := f.store.SyncState(f.ctx, locationID)
	require.NoError(f.t, err)
	return st
}

func sourceReport(t *testing.T, report TickReport, locationID string) SourceReport {
	t.Helper()
	for _, src := range report.Sources {
		if src.Location == locationID {
			return src
		}
	}
	t.Fatalf("no report for %s in %+v", locationID, report.Sources)
	return SourceReport{}
}

func chat(id string, n int) chatvault.Conversation {
	conv := chatvault.Conversation{ID: id, ModelName: "claude-4-sonnet"}
	base := time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		role := chatvault.RoleUser
		if i%2 == 1 {
			role = chatvault.RoleAssistant
		}
		conv.Messages = append(conv.Messages, chatvault.Message{
			ID:        fmt.Sprintf("%s-m%02d", id, i),
			Role:      role,
			Content:   fmt.Sprintf("turn %d of %s", i, id),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	conv.Renumber()
	return conv
}

func messageCounts(t *testing.T, store chatvault.Store) map[string]int {
	t.Helper()
	convs, err := store.Conversations(context.Background(), chatvault.ConversationFilter{})
	require.NoError(t, err)
	out := map[string]int{}
	for _, conv := range convs {
		out[conv.ID] = len(conv.Messages)
	}
	return out
}

func TestWipeAndRestoreEndToEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-five", 5), chat("conv-two", 2), chat("conv-eight", 8))
	want := map[string]int{"conv-five": 5, "conv-two": 2, "conv-eight": 8}

	first := f.tick()
	global := sourceReport(t, first, source.GlobalLocationID)
	assert.Equal(t, 3, global.New)
	assert.Equal(t, chatvault.WipeNormal, global.State)
	assert.Equal(t, want, messageCounts(t, f.store))

	f.wipe(source.GlobalLocationID)
	second := f.tick()
	assert.Equal(t, chatvault.WipeSuspect, sourceReport(t, second, source.GlobalLocationID).State)
	third := f.tick()
	assert.Equal(t, chatvault.WipeConfirmedWiped, sourceReport(t, third, source.GlobalLocationID).State)
	assert.Equal(t, want, messageCounts(t, f.store))

	restored, err := f.engine.Restore(f.ctx, source.GlobalLocationID, chatvault.Selector{Kind: chatvault.SelectAll}, false)
	require.NoError(t, err)
	assert.Equal(t, chatvault.OutcomeOK, restored.Outcome)
	assert.ElementsMatch(t, []string{"conv-five", "conv-two", "conv-eight"}, restored.Succeeded)
	assert.Equal(t, 15, restored.Messages)
	assert.Equal(t, chatvault.WipeNormal, f.state(source.GlobalLocationID).State)

	snap := f.read(source.GlobalLocationID)
	got := map[string]int{}
	for _, conv := range snap.Conversations {
		got[conv.ID] = len(conv.Messages)
	}
	assert.Equal(t, want, got)

	fourth := f.tick()
	global = sourceReport(t, fourth, source.GlobalLocationID)
	assert.Equal(t, chatvault.WipeNormal, global.State)
	assert.Zero(t, global.New)
	assert.Zero(t, global.Appended)
	assert.Zero(t, global.Replaced)
	assert.Equal(t, want, messageCounts(t, f.store))
}

func TestSingleLowTickStaysSuspectAndRecovers(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 3), chat("conv-b", 2))
	f.tick()

	f.wipe(source.GlobalLocationID)
	assert.Equal(t, chatvault.WipeSuspect, sourceReport(t, f.tick(), source.GlobalLocationID).State)

	f.seed(source.GlobalLocationID, chat("conv-a", 3), chat("conv-b", 2))
	recovered := sourceReport(t, f.tick(), source.GlobalLocationID)
	assert.Equal(t, chatvault.WipeNormal, recovered.State)
	assert.Zero(t, f.state(source.GlobalLocationID).ConsecutiveLowTicks)
}

func TestNeverPopulatedSourceStaysNormal(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID)
	for i := 0; i < 4; i++ {
		report := f.tick()
		src := sourceReport(t, report, source.GlobalLocationID)
		assert.Equal(t, chatvault.WipeNormal, src.State)
		assert.False(t, src.Failed())
	}
	st := f.state(source.GlobalLocationID)
	assert.False(t, st.EverNonEmpty)
	assert.Zero(t, st.ConsecutiveLowTicks)
}

func TestMissingSourceIsReportedNotWiped(t *testing.T) {
	f := newFixture(t, nil)
	report := f.tick()
	src := sourceReport(t, report, source.GlobalLocationID)
	assert.Equal(t, string(chatvault.SourceMissing), src.ErrorKind)
	assert.Equal(t, chatvault.WipeNormal, src.State)
	assert.Equal(t, chatvault.OutcomeFailed, report.Outcome)
	status, _ := report.Status()
	assert.Equal(t, chatvault.TickError, status)
}

func TestTickIsIdempotentWithoutSourceChanges(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 4), chat("conv-b", 6))
	f.tick()

	before, err := f.store.ConversationSummaries(f.ctx, chatvault.ConversationFilter{})
	require.NoError(t, err)
	beforeStats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)

	report := f.tick()
	assert.Equal(t, chatvault.OutcomeNoop, report.Outcome)

	after, err := f.store.ConversationSummaries(f.ctx, chatvault.ConversationFilter{})
	require.NoError(t, err)
	afterStats, err := f.store.Stats(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeStats, afterStats)
}

func TestAppendOnlyAcrossTicks(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 3))
	f.tick()

	f.seed(source.GlobalLocationID, chat("conv-a", 5))
	grown := sourceReport(t, f.tick(), source.GlobalLocationID)
	assert.Equal(t, 2, grown.Appended)

	stored, err := f.store.Conversation(f.ctx, "conv-a")
	require.NoError(t, err)
	require.Len(t, stored.Messages, 5)
	for i, msg := range stored.Messages {
		assert.Equal(t, int64(i+1), msg.Sequence)
	}

	f.exec(source.GlobalLocationID, "DELETE FROM cursorDiskKV WHERE key IN (?, ?)",
		"bubbleId:conv-a:conv-a-m03", "bubbleId:conv-a:conv-a-m04")
	shrunk := sourceReport(t, f.tick(), source.GlobalLocationID)
	assert.Equal(t, 1, shrunk.Diverged)

	stored, err = f.store.Conversation(f.ctx, "conv-a")
	require.NoError(t, err)
	assert.Len(t, stored.Messages, 5)
}

func TestAutoRestoreRunsOnNextTick(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoRestore = true })
	f.seed(source.GlobalLocationID, chat("conv-a", 2), chat("conv-b", 3), chat("conv-c", 1))
	f.tick()

	f.wipe(source.GlobalLocationID)
	f.tick()
	wiped := f.tick()
	assert.Equal(t, chatvault.WipeConfirmedWiped, sourceReport(t, wiped, source.GlobalLocationID).State)
	require.Len(t, wiped.Queued, 1)
	assert.Equal(t, 1, f.engine.Queue().Depth())

	next := f.tick()
	require.Len(t, next.Restores, 1)
	assert.Equal(t, chatvault.OutcomeOK, next.Restores[0].Outcome)
	assert.Equal(t, chatvault.WipeNormal, sourceReport(t, next, source.GlobalLocationID).State)
	assert.Zero(t, f.engine.Queue().Depth())
	assert.Len(t, f.read(source.GlobalLocationID).Conversations, 3)
}

func TestResetBypassesDebounce(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 2), chat("conv-b", 2))
	f.tick()

	st, requestID, err := f.engine.Reset(f.ctx, source.GlobalLocationID)
	require.NoError(t, err)
	assert.Equal(t, chatvault.WipeConfirmedWiped, st.State)
	assert.NotEmpty(t, requestID)

	f.wipe(source.GlobalLocationID)
	report := f.tick()
	require.Len(t, report.Restores, 1)
	assert.Equal(t, chatvault.WipeNormal, sourceReport(t, report, source.GlobalLocationID).State)
	assert.Len(t, f.read(source.GlobalLocationID).Conversations, 2)
}

func TestAcknowledgeAcceptsCurrentSource(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 2), chat("conv-b", 2))
	f.tick()
	f.wipe(source.GlobalLocationID)
	f.tick()
	f.tick()
	require.Equal(t, chatvault.WipeConfirmedWiped, f.state(source.GlobalLocationID).State)

	f.seed(source.GlobalLocationID, chat("conv-new", 1))
	assert.Equal(t, chatvault.WipeConfirmedWiped, sourceReport(t, f.tick(), source.GlobalLocationID).State)

	st, err := f.engine.Acknowledge(f.ctx, source.GlobalLocationID)
	require.NoError(t, err)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Equal(t, []string{"conv-new"}, st.LastSeenConversationIDs)
	assert.Equal(t, chatvault.WipeNormal, sourceReport(t, f.tick(), source.GlobalLocationID).State)
	assert.Len(t, messageCounts(t, f.store), 3)
}

func TestCorruptSourceDoesNotStopOtherSources(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 2))
	bad := f.location(source.WorkspaceLocationID("broken"))
	require.NoError(t, os.MkdirAll(filepath.Dir(bad.Path), 0o755))
	require.NoError(t, os.WriteFile(bad.Path, []byte("this is not a database file at all"), 0o644))

	report := f.tick()
	assert.Equal(t, 1, sourceReport(t, report, source.GlobalLocationID).New)
	broken := sourceReport(t, report, bad.ID)
	assert.Equal(t, string(chatvault.SourceCorrupt), broken.ErrorKind)
	assert.Equal(t, chatvault.OutcomePartial, report.Outcome)
	status, reason := report.Status()
	assert.Equal(t, chatvault.TickPartial, status)
	assert.Contains(t, reason, "1 of 2 sources failed")

	f.tick()
	st := f.state(bad.ID)
	assert.Equal(t, 2, st.CorruptCount)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.NotEmpty(t, st.LastError)
}

func TestWorkspaceSourceAssignsWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	ws := f.location(source.WorkspaceLocationID("0f3c9a"))
	f.seed(ws.ID, chat("conv-ws", 2))
	manifest := `{"folder":"file:///home/dev/projects/chatvault"}`
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(ws.Path), "workspace.json"), []byte(manifest), 0o644))

	f.tick()
	stored, err := f.store.Conversation(f.ctx, "conv-ws")
	require.NoError(t, err)
	assert.Equal(t, "0f3c9a", stored.WorkspaceID)

	workspaces, err := f.store.Workspaces(f.ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, "/home/dev/projects/chatvault", workspaces[0].Path)
	assert.Equal(t, "chatvault", workspaces[0].DisplayName)
}

func TestTicksAreSerialized(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(source.GlobalLocationID, chat("conv-a", 3))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Tick(f.ctx, "concurrent"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, map[string]int{"conv-a": 3}, messageCounts(t, f.store))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "store is required")
}

type failingReader struct {
	SnapshotReader
	location string
	err      error
}

func (r *failingReader) Read(ctx context.Context, loc chatvault.SourceLocation) (chatvault.Snapshot, error) {
	if loc.ID == r.location && r.err != nil {
		return chatvault.Snapshot{Location: loc}, r.err
	}
	return r.SnapshotReader.Read(ctx, loc)
}

func TestTimedOutSourceKeepsStateAndOthersSync(t *testing.T) {
	var reader *failingReader
	f := newFixture(t, func(o *Options) {
		o.AutoRestore = true
		reader = &failingReader{SnapshotReader: o.Reader, location: source.GlobalLocationID}
		o.Reader = reader
	})
	ws := source.WorkspaceLocationID("abc")
	f.seed(source.GlobalLocationID, chat("conv-a", 2), chat("conv-b", 3), chat("conv-c", 1))
	f.seed(ws, chat("conv-ws", 2))
	f.tick()

	reader.err = &chatvault.SourceError{Location: source.GlobalLocationID, Kind: chatvault.SourceTimeout, Err: context.DeadlineExceeded}
	for i := 0; i < 3; i++ {
		f.seed(ws, chat(fmt.Sprintf("conv-ws-%d", i), 2))
		report := f.tick()
		global := sourceReport(t, report, source.GlobalLocationID)
		assert.Equal(t, string(chatvault.SourceTimeout), global.ErrorKind)
		assert.Equal(t, chatvault.WipeNormal, global.State)
		assert.Equal(t, 1, sourceReport(t, report, ws).New)
		assert.Empty(t, report.Queued)
		assert.Equal(t, chatvault.OutcomePartial, report.Outcome)
	}

	st := f.state(source.GlobalLocationID)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Zero(t, st.CorruptCount)
	assert.Zero(t, st.ConsecutiveLowTicks)
	assert.NotEmpty(t, st.LastError)
	assert.Equal(t, []string{"conv-a", "conv-b", "conv-c"}, st.LastSeenConversationIDs)
	assert.Zero(t, f.engine.Queue().Depth())
	assert.Len(t, messageCounts(t, f.store), 7)

	reader.err = &chatvault.SourceError{Location: source.GlobalLocationID, Kind: chatvault.SourceCorrupt, Err: fmt.Errorf("file is not a database")}
	f.tick()
	st = f.state(source.GlobalLocationID)
	assert.Equal(t, 1, st.CorruptCount)
	assert.Equal(t, chatvault.WipeNormal, st.State)
	assert.Zero(t, f.engine.Queue().Depth())
}

func TestGlobalConversationAttributedToWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	dir := filepath.Join(f.locator.Root, "User", "workspaceStorage", "abc")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workspace.json"), []byte(`{"folder":"file:///home/dev/shop"}`), 0o644))

	f.seed(source.GlobalLocationID)
	bubble := `{"bubbleId":"b1","type":1,"text":"add a cart","workspaceUris":["file:///home/dev/shop"],"workspaceProjectDir":"/home/dev/.cursor/projects/shop"}`
	f.exec(source.GlobalLocationID, "INSERT INTO cursorDiskKV (key, value) VALUES (?, ?)", "bubbleId:conv-g:b1", []byte(bubble))

	f.tick()
	stored, err := f.store.Conversation(f.ctx, "conv-g")
	require.NoError(t, err)
	assert.Equal(t, "abc", stored.WorkspaceID)

	workspaces, err := f.store.Workspaces(f.ctx)
	require.NoError(t, err)
	require.Len(t, workspaces, 1)
	assert.Equal(t, "abc", workspaces[0].ID)
	assert.Equal(t, "/home/dev/shop", workspaces[0].Path)
	assert.Equal(t, "shop", workspaces[0].DisplayName)
	assert.Equal(t, "/home/dev/.cursor/projects/shop", workspaces[0].ProjectDir)

	assert.Equal(t, chatvault.OutcomeNoop, f.tick().Outcome)
}
