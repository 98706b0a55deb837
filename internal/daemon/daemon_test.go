package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

type fakeTicker struct {
	mu       sync.Mutex
	triggers []string
	ticked   chan string
	block    chan struct{}
	ctxErr   error
	err      error
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{ticked: make(chan string, 64)}
}

func (f *fakeTicker) Tick(ctx context.Context, trigger string) (syncengine.TickReport, error) {
	started := time.Now().UTC()
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	f.ctxErr = ctx.Err()
	f.mu.Unlock()
	select {
	case f.ticked <- trigger:
	default:
	}
	report := syncengine.TickReport{
		ID:         "tick-" + trigger,
		Trigger:    trigger,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcome:    chatvault.OutcomeNoop,
	}
	if f.err != nil {
		report.Error = f.err.Error()
		report.Outcome = chatvault.OutcomeFailed
	}
	return report, f.err
}

func (f *fakeTicker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

func waitTick(t *testing.T, f *fakeTicker) string {
	t.Helper()
	select {
	case trigger := <-f.ticked:
		return trigger
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tick")
		return ""
	}
}

func openStore(t *testing.T) chatvault.Store {
	t.Helper()
	store, err := chatvault.OpenMemoryStore(context.Background(), chatvault.StoreOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestDaemon(t *testing.T, ticker Ticker, store chatvault.Store, configure func(*Options)) (*Daemon, Options) {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		Engine:       ticker,
		Store:        store,
		LockPath:     filepath.Join(dir, "daemon.lock"),
		TickLockPath: filepath.Join(dir, "tick.lock"),
		Interval:     20 * time.Millisecond,
		Random:       func() float64 { return 0.5 },
	}
	if configure != nil {
		configure(&opts)
	}
	d, err := New(opts)
	require.NoError(t, err)
	return d, opts
}

func startDaemon(t *testing.T, d *Daemon) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()
	t.Cleanup(d.Stop)
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestRunTicksOnScheduleUntilStopped(t *testing.T) {
	store := openStore(t)
	ticker := newFakeTicker()
	d, opts := newTestDaemon(t, ticker, store, nil)

	done := startDaemon(t, d)
	assert.Equal(t, TriggerStartup, waitTick(t, ticker))
	assert.Equal(t, TriggerSchedule, waitTick(t, ticker))
	assert.Equal(t, StateRunning, d.State())

	status, err := ReadStatus(context.Background(), store, opts.LockPath, nil)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, os.Getpid(), status.PID)
	assert.Equal(t, chatvault.TickOK, status.LastTickStatus)
	assert.False(t, status.StartedAt.IsZero())

	d.Stop()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, StateStopped, d.State())

	running, _, err := Running(opts.LockPath)
	require.NoError(t, err)
	assert.False(t, running)

	hb, ok, err := store.Heartbeat(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Zero(t, hb.PID)
	assert.Equal(t, chatvault.TickOK, hb.LastTickStatus)
	assert.NotEmpty(t, hb.LastTickID)
}

func TestRunRefusesSecondInstance(t *testing.T) {
	store := openStore(t)
	ticker := newFakeTicker()
	d, opts := newTestDaemon(t, ticker, store, nil)

	held, err := AcquireInstanceLock(opts.LockPath)
	require.NoError(t, err)
	defer held.Release()

	err = d.Run(context.Background())
	require.ErrorIs(t, err, chatvault.ErrAlreadyRunning)
	assert.Zero(t, ticker.count())
	assert.Equal(t, StateStopped, d.State())
}

func TestStopFinishesInFlightTick(t *testing.T) {
	store := openStore(t)
	ticker := newFakeTicker()
	ticker.block = make(chan struct{})
	d, opts := newTestDaemon(t, ticker, store, func(o *Options) { o.Interval = time.Hour })

	done := startDaemon(t, d)
	require.Eventually(t, func() bool {
		running, _, err := Running(opts.LockPath)
		return err == nil && running
	}, 5*time.Second, 10*time.Millisecond)

	d.Stop()
	select {
	case <-done:
		t.Fatal("daemon stopped before the in-flight tick finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(ticker.block)
	require.NoError(t, waitRun(t, done))

	assert.Equal(t, 1, ticker.count())
	assert.NoError(t, ticker.ctxErr)
}

func TestRunTickRecordsFailure(t *testing.T) {
	store := openStore(t)
	ticker := newFakeTicker()
	ticker.err = errors.New("enumerate sources: boom")

	report, err := RunTick(context.Background(), ticker, store, filepath.Join(t.TempDir(), "tick.lock"), TriggerForce, nil)
	require.Error(t, err)
	assert.Equal(t, chatvault.OutcomeFailed, report.Outcome)

	hb, ok, err := store.Heartbeat(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, chatvault.TickError, hb.LastTickStatus)
	assert.Equal(t, "enumerate sources: boom", hb.LastTickReason)
	assert.Equal(t, "tick-force", hb.LastTickID)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Store: openStore(t), LockPath: "x"})
	assert.EqualError(t, err, "engine is required")
	_, err = New(Options{Engine: newFakeTicker(), LockPath: "x"})
	assert.EqualError(t, err, "store is required")
	_, err = New(Options{Engine: newFakeTicker(), Store: openStore(t)})
	assert.EqualError(t, err, "lock path is required")
}

func TestReadStatusWhenStopped(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutHeartbeat(ctx, chatvault.DaemonHeartbeat{
		PID:            4242,
		LastTickAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		LastTickStatus: chatvault.TickPartial,
		LastTickReason: "1 of 2 sources failed",
	}))
	require.NoError(t, store.Update(ctx, func(tx chatvault.Tx) error {
		state := chatvault.NewSyncState("global")
		state.State = chatvault.WipeSuspect
		state.LastSeenConversationIDs = []string{"a", "b"}
		state.LastSeenTotalMessages = 7
		state.CorruptCount = 3
		return tx.PutSyncState(state)
	}))

	queue := chatvault.NewMemoryRestoreQueue(4)
	require.True(t, queue.TryEnqueue(chatvault.RestoreRequest{
		ID:       "r1",
		Location: "global",
		Selector: chatvault.Selector{Kind: chatvault.SelectAll},
		Reason:   "reset",
	}))

	status, err := ReadStatus(ctx, store, filepath.Join(t.TempDir(), "daemon.lock"), queue)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.Zero(t, status.PID)
	assert.Equal(t, chatvault.TickPartial, status.LastTickStatus)
	assert.Equal(t, "1 of 2 sources failed", status.LastTickReason)
	require.Len(t, status.Sources, 1)
	assert.Equal(t, chatvault.WipeSuspect, status.Sources[0].State)
	assert.Equal(t, 2, status.Sources[0].Conversations)
	assert.Equal(t, 7, status.Sources[0].Messages)
	assert.Equal(t, 3, status.Sources[0].CorruptCount)
	assert.Equal(t, 1, status.PendingRestores)
	assert.Equal(t, 4, status.RestoreCapacity)
	require.Len(t, status.Restores, 1)
	assert.Equal(t, "r1", status.Restores[0].ID)
}

func TestSignalStopWithoutDaemon(t *testing.T) {
	_, err := SignalStop(filepath.Join(t.TempDir(), "daemon.lock"))
	assert.ErrorIs(t, err, chatvault.ErrNotRunning)
}

func TestWaitStoppedReturnsOnceLockIsFree(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	lock, err := AcquireInstanceLock(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = lock.Release()
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, WaitStopped(ctx, path, 10*time.Millisecond))
}

func TestNextIntervalAppliesJitter(t *testing.T) {
	sample := 0.5
	d, _ := newTestDaemon(t, newFakeTicker(), openStore(t), func(o *Options) {
		o.Interval = 10 * time.Second
		o.Jitter = 0.2
		o.Random = func() float64 { return sample }
	})
	cases := map[float64]time.Duration{0: 8 * time.Second, 0.5: 10 * time.Second, 1: 12 * time.Second}
	for s, want := range cases {
		sample = s
		if got := d.nextInterval(); got != want {
			t.Fatalf("sample %.1f: expected %s, got %s", s, want, got)
		}
	}

	d, _ = newTestDaemon(t, newFakeTicker(), openStore(t), func(o *Options) {
		o.Interval = 10 * time.Second
		o.Jitter = 3
		o.Random = func() float64 { return 0 }
	})
	if d.jitter != 1 {
		t.Fatalf("expected jitter clamped to 1, got %f", d.jitter)
	}
	if got := d.nextInterval(); got != time.Millisecond {
		t.Fatalf("expected floor of 1ms, got %s", got)
	}

	d, _ = newTestDaemon(t, newFakeTicker(), openStore(t), func(o *Options) {
		o.Interval = 10 * time.Second
		o.Jitter = -0.5
	})
	if got := d.nextInterval(); got != 10*time.Second {
		t.Fatalf("expected negative jitter to be ignored, got %s", got)
	}
}
