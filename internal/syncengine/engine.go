package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/chatvault/internal/chatvault"
)

const (
	defaultMaxParallelSources = 4
	restoreReasonWipe         = "wipe detected"
	restoreReasonReset        = "reset requested"
)

// LocationSource enumerates source locations and resolves location ids.
type LocationSource interface {
	Locations() ([]chatvault.SourceLocation, error)
	Location(id string) (chatvault.SourceLocation, error)
}

type Options struct {
	Store     chatvault.Store
	Locations LocationSource
	Reader    SnapshotReader
	Writer    SessionOpener
	Queue     chatvault.RestoreQueue
	Logger    chatvault.Logger
	Now       func() time.Time

	Wipe               WipeConfig
	AutoRestore        bool
	MaxParallelSources int

	QuotaBytes    int64
	RetentionDays int
	RecencyFloor  time.Duration
	Compression   bool
}

// Engine runs ticks: queued restores first, then a merge of every source
// location, then lifecycle enforcement. Ticks never overlap.
type Engine struct {
	store       chatvault.Store
	locations   LocationSource
	reader      SnapshotReader
	queue       chatvault.RestoreQueue
	logger      chatvault.Logger
	now         func() time.Time
	autoRestore bool
	parallel    int
	quota       int64
	retention   int

	merge     *MergeEngine
	detector  *WipeDetector
	restorer  *RestoreEngine
	lifecycle *LifecycleManager

	mu sync.Mutex
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Locations == nil {
		return nil, fmt.Errorf("location source is required")
	}
	if opts.Reader == nil {
		return nil, fmt.Errorf("source reader is required")
	}
	if opts.Writer == nil {
		return nil, fmt.Errorf("source writer is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queue := opts.Queue
	if queue == nil {
		queue = chatvault.NewMemoryRestoreQueue(0)
	}
	parallel := opts.MaxParallelSources
	if parallel <= 0 {
		parallel = defaultMaxParallelSources
	}
	logger := chatvault.LoggerOrNop(opts.Logger)
	detector := NewWipeDetector(opts.Wipe)
	return &Engine{
		store:       opts.Store,
		locations:   opts.Locations,
		reader:      opts.Reader,
		queue:       queue,
		logger:      logger,
		now:         now,
		autoRestore: opts.AutoRestore,
		parallel:    parallel,
		quota:       opts.QuotaBytes,
		retention:   opts.RetentionDays,
		merge:       NewMergeEngine(logger, now),
		detector:    detector,
		restorer:    NewRestoreEngine(opts.Store, opts.Reader, opts.Writer, detector, logger, now),
		lifecycle: NewLifecycleManager(opts.Store, LifecycleOptions{
			RecencyFloor: opts.RecencyFloor,
			Compression:  opts.Compression,
			Logger:       logger,
			Now:          now,
		}),
	}, nil
}

func (e *Engine) Queue() chatvault.RestoreQueue {
	return e.queue
}

type SourceReport struct {
	Location       string              `json:"location"`
	State          chatvault.WipeState `json:"state"`
	PreviousState  chatvault.WipeState `json:"previousState,omitempty"`
	Conversations  int                 `json:"conversations"`
	Messages       int                 `json:"messages"`
	New            int                 `json:"new"`
	Appended       int                 `json:"appendedMessages"`
	Diverged       int                 `json:"diverged"`
	Replaced       int                 `json:"replaced"`
	Skipped        int                 `json:"skipped"`
	SkippedRecords int                 `json:"skippedRecords,omitempty"`
	Error          string              `json:"error,omitempty"`
	ErrorKind      string              `json:"errorKind,omitempty"`
}

func (r SourceReport) Failed() bool {
	return r.Error != ""
}

type TickReport struct {
	ID             string            `json:"id"`
	Trigger        string            `json:"trigger"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     time.Time         `json:"finishedAt"`
	Sources        []SourceReport    `json:"sources"`
	Restores       []RestoreReport   `json:"restores,omitempty"`
	RestoreErrors  []string          `json:"restoreErrors,omitempty"`
	Queued         []string          `json:"queuedRestores,omitempty"`
	Lifecycle      *EnforceReport    `json:"lifecycle,omitempty"`
	LifecycleError string            `json:"lifecycleError,omitempty"`
	Error          string            `json:"error,omitempty"`
	Outcome        chatvault.Outcome `json:"outcome"`
}

func (r TickReport) FailedSources() []string {
	var out []string
	for _, src := range r.Sources {
		if src.Failed() {
			out = append(out, src.Location)
		}
	}
	return out
}

// Status condenses the report into what the heartbeat records.
func (r TickReport) Status() (chatvault.TickStatus, string) {
	if r.Error != "" {
		return chatvault.TickError, r.Error
	}
	failed := r.FailedSources()
	if len(failed) > 0 && len(failed) == len(r.Sources) {
		return chatvault.TickError, fmt.Sprintf("all %d sources failed", len(failed))
	}
	var reasons []string
	if len(failed) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d of %d sources failed", len(failed), len(r.Sources)))
	}
	if len(r.RestoreErrors) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d restores failed", len(r.RestoreErrors)))
	}
	if r.LifecycleError != "" {
		reasons = append(reasons, r.LifecycleError)
	}
	if len(reasons) > 0 {
		return chatvault.TickPartial, strings.Join(reasons, "; ")
	}
	return chatvault.TickOK, ""
}

type readResult struct {
	loc  chatvault.SourceLocation
	snap chatvault.Snapshot
	err  error
}

// Tick runs one full pass. Per-source failures are reported, not returned;
// the returned error is reserved for failures that stopped the whole tick.
func (e *Engine) Tick(ctx context.Context, trigger string) (TickReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report := TickReport{ID: uuid.NewString(), Trigger: trigger, StartedAt: e.now().UTC()}
	finish := func(err error) (TickReport, error) {
		report.FinishedAt = e.now().UTC()
		if err != nil {
			report.Error = err.Error()
		}
		report.Outcome = report.outcome()
		return report, err
	}

	e.drainRestores(ctx, &report)

	locs, err := e.tickLocations(ctx)
	if err != nil {
		return finish(fmt.Errorf("enumerate sources: %w", err))
	}

	results := e.readAll(ctx, locs)
	var wiped []chatvault.SourceLocation
	for _, res := range results {
		src, tr, err := e.apply(ctx, res)
		if err != nil {
			src.Error = err.Error()
			src.ErrorKind = "store"
			e.logger.Error("merge failed", "location", res.loc.ID, "err", err)
		}
		if tr.Changed() {
			e.logger.Info("source state changed", "location", res.loc.ID, "from", tr.From, "to", tr.To)
		}
		if tr.EnteredWiped() {
			wiped = append(wiped, res.loc)
		}
		report.Sources = append(report.Sources, src)
	}

	if e.autoRestore {
		for _, loc := range wiped {
			if id, ok := e.enqueueRestore(loc, false, restoreReasonWipe); ok {
				report.Queued = append(report.Queued, id)
			}
		}
	}

	if e.lifecycleEnabled() {
		enforced, err := e.lifecycle.Enforce(ctx, e.quota, e.retention)
		report.Lifecycle = &enforced
		if err != nil {
			report.LifecycleError = err.Error()
			if !errors.Is(err, chatvault.ErrQuotaExceededAfterEnforcement) {
				e.logger.Error("storage lifecycle failed", "err", err)
			}
		}
	}
	return finish(nil)
}

func (r TickReport) outcome() chatvault.Outcome {
	if r.Error != "" {
		return chatvault.OutcomeFailed
	}
	failed := len(r.FailedSources())
	switch {
	case failed > 0 && failed == len(r.Sources):
		return chatvault.OutcomeFailed
	case failed > 0 || len(r.RestoreErrors) > 0 || r.LifecycleError != "":
		return chatvault.OutcomePartial
	}
	for _, src := range r.Sources {
		if src.New > 0 || src.Appended > 0 || src.Replaced > 0 || src.State != src.PreviousState {
			return chatvault.OutcomeOK
		}
	}
	if len(r.Restores) > 0 || len(r.Queued) > 0 {
		return chatvault.OutcomeOK
	}
	if r.Lifecycle != nil && r.Lifecycle.Outcome == chatvault.OutcomeOK {
		return chatvault.OutcomeOK
	}
	return chatvault.OutcomeNoop
}

func (e *Engine) lifecycleEnabled() bool {
	return e.quota > 0 || e.retention > 0 || e.lifecycle.compression
}

// tickLocations is every location present now plus every location that has a
// recorded state, so a vanished store still reports an error.
func (e *Engine) tickLocations(ctx context.Context) ([]chatvault.SourceLocation, error) {
	locs, err := e.locations.Locations()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(locs))
	for _, loc := range locs {
		seen[loc.ID] = struct{}{}
	}
	states, err := e.store.SyncStates(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range states {
		if _, ok := seen[st.Location]; ok {
			continue
		}
		loc, err := e.locations.Location(st.Location)
		if err != nil {
			continue
		}
		seen[loc.ID] = struct{}{}
		locs = append(locs, loc)
	}
	sort.SliceStable(locs, func(i, j int) bool { return locs[i].ID < locs[j].ID })
	return locs, nil
}

// readAll reads locations concurrently, bounded by the parallelism setting.
// Results keep the order of locs.
func (e *Engine) readAll(ctx context.Context, locs []chatvault.SourceLocation) []readResult {
	results := make([]readResult, len(locs))
	sem := make(chan struct{}, e.parallel)
	var wg sync.WaitGroup
	for i, loc := range locs {
		wg.Add(1)
		go func(i int, loc chatvault.SourceLocation) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			snap, err := e.reader.Read(ctx, loc)
			results[i] = readResult{loc: loc, snap: snap, err: err}
		}(i, loc)
	}
	wg.Wait()
	return results
}

func (e *Engine) apply(ctx context.Context, res readResult) (SourceReport, Transition, error) {
	src := SourceReport{Location: res.loc.ID}
	var tr Transition
	now := e.now().UTC()

	if res.err != nil {
		src.Error = res.err.Error()
		src.ErrorKind = errorKind(res.err)
		e.logger.Warn("source skipped", "location", res.loc.ID, "kind", src.ErrorKind, "err", res.err)
		err := e.store.Update(ctx, func(tx chatvault.Tx) error {
			prev, _, err := tx.SyncState(res.loc.ID)
			if err != nil {
				return err
			}
			src.PreviousState = prev.State
			next := e.detector.Failed(prev, res.err, now)
			src.State = next.State
			return tx.PutSyncState(next)
		})
		tr = Transition{Location: res.loc.ID, From: src.PreviousState, To: src.State}
		return src, tr, err
	}

	src.Conversations = len(res.snap.Conversations)
	src.Messages = res.snap.TotalMessages()
	src.SkippedRecords = res.snap.SkippedRecords
	err := e.store.Update(ctx, func(tx chatvault.Tx) error {
		merged, err := e.merge.Apply(tx, res.snap)
		if err != nil {
			return err
		}
		prev, _, err := tx.SyncState(res.loc.ID)
		if err != nil {
			return err
		}
		next, transition := e.detector.Observe(prev, merged.Observed, now)
		if err := tx.PutSyncState(next); err != nil {
			return err
		}
		tr = transition
		src.PreviousState = prev.State
		src.State = next.State
		src.New = len(merged.New)
		src.Appended = merged.AppendedMessages()
		src.Diverged = len(merged.Diverged)
		src.Replaced = len(merged.Replaced)
		src.Skipped = len(merged.Skipped)
		return nil
	})
	if err != nil {
		return src, Transition{}, err
	}
	if src.New > 0 || src.Appended > 0 || src.Replaced > 0 {
		e.logger.Info("source merged", "location", res.loc.ID,
			"new", src.New, "appended", src.Appended, "replaced", src.Replaced, "diverged", src.Diverged)
	}
	return src, tr, nil
}

func errorKind(err error) string {
	var sourceErr *chatvault.SourceError
	if errors.As(err, &sourceErr) {
		return string(sourceErr.Kind)
	}
	return string(chatvault.SourceUnavailable)
}

func (e *Engine) enqueueRestore(loc chatvault.SourceLocation, force bool, reason string) (string, bool) {
	req := chatvault.RestoreRequest{
		ID:          uuid.NewString(),
		Location:    loc.ID,
		Selector:    chatvault.Selector{Kind: chatvault.SelectAll},
		Force:       force,
		Reason:      reason,
		RequestedAt: e.now().UTC(),
	}
	if !e.queue.TryEnqueue(req) {
		e.logger.Warn("restore request dropped", "location", loc.ID, "err", chatvault.ErrQueueFull)
		return "", false
	}
	e.logger.Info("restore queued", "location", loc.ID, "request", req.ID, "reason", reason)
	return req.ID, true
}

// drainRestores runs the restore requests queued before this tick started.
func (e *Engine) drainRestores(ctx context.Context, report *TickReport) {
	pending := e.queue.Depth()
	for i := 0; i < pending; i++ {
		req, ok := e.queue.TryDequeue()
		if !ok {
			return
		}
		loc, err := e.locations.Location(req.Location)
		if err != nil {
			report.RestoreErrors = append(report.RestoreErrors, fmt.Sprintf("%s: %v", req.Location, err))
			continue
		}
		restored, err := e.restorer.Restore(ctx, RestoreOptions{Location: loc, Selector: req.Selector, Force: req.Force})
		switch {
		case err == nil:
			report.Restores = append(report.Restores, restored)
		case errors.Is(err, chatvault.ErrRestorePreconditionFailed):
			// the source came back on its own before the restore ran
			e.logger.Info("queued restore skipped", "location", loc.ID, "request", req.ID, "reason", err)
		default:
			if restored.Outcome == chatvault.OutcomePartial {
				report.Restores = append(report.Restores, restored)
			}
			e.logger.Error("queued restore failed", "location", loc.ID, "request", req.ID, "err", err)
			report.RestoreErrors = append(report.RestoreErrors, fmt.Sprintf("%s: %v", loc.ID, err))
		}
	}
}

// Restore runs a restore outside the schedule. It waits for any running tick
// so it never writes a source that is being merged.
func (e *Engine) Restore(ctx context.Context, locationID string, sel chatvault.Selector, force bool) (RestoreReport, error) {
	loc, err := e.locations.Location(locationID)
	if err != nil {
		return RestoreReport{Location: locationID, Selector: sel.String(), Outcome: chatvault.OutcomeFailed}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restorer.Restore(ctx, RestoreOptions{Location: loc, Selector: sel, Force: force})
}

// Enforce applies the configured lifecycle policy immediately.
func (e *Engine) Enforce(ctx context.Context) (EnforceReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lifecycle.Enforce(ctx, e.quota, e.retention)
}

// Acknowledge accepts what a location shows now as its new normal.
func (e *Engine) Acknowledge(ctx context.Context, locationID string) (chatvault.SyncState, error) {
	loc, err := e.locations.Location(locationID)
	if err != nil {
		return chatvault.SyncState{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, err := e.reader.Read(ctx, loc)
	if err != nil {
		return chatvault.SyncState{}, err
	}
	now := e.now().UTC()
	var next chatvault.SyncState
	err = e.store.Update(ctx, func(tx chatvault.Tx) error {
		if _, err := e.merge.Apply(tx, snap); err != nil {
			return err
		}
		prev, _, err := tx.SyncState(loc.ID)
		if err != nil {
			return err
		}
		history, err := tx.SourceHistory(loc.ID)
		if err != nil {
			return err
		}
		var tr Transition
		next, tr = e.detector.Acknowledge(prev, Observe(snap, history), now)
		if tr.Changed() {
			e.logger.Info("source state changed", "location", loc.ID, "from", tr.From, "to", tr.To, "reason", "acknowledged")
		}
		return tx.PutSyncState(next)
	})
	return next, err
}

// Reset marks a location wiped without waiting for debounce and queues a full
// restore for the next tick.
func (e *Engine) Reset(ctx context.Context, locationID string) (chatvault.SyncState, string, error) {
	loc, err := e.locations.Location(locationID)
	if err != nil {
		return chatvault.SyncState{}, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now().UTC()
	var next chatvault.SyncState
	err = e.store.Update(ctx, func(tx chatvault.Tx) error {
		prev, _, err := tx.SyncState(loc.ID)
		if err != nil {
			return err
		}
		var tr Transition
		next, tr = e.detector.Reset(prev, now)
		if tr.Changed() {
			e.logger.Info("source state changed", "location", loc.ID, "from", tr.From, "to", tr.To, "reason", "reset")
		}
		return tx.PutSyncState(next)
	})
	if err != nil {
		return next, "", err
	}
	id, ok := e.enqueueRestore(loc, true, restoreReasonReset)
	if !ok {
		return next, "", chatvault.ErrQueueFull
	}
	return next, id, nil
}
