// Package daemon runs the sync engine on a schedule as a single background
// instance and answers status and stop requests from other processes.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

const (
	DefaultInterval      = 120 * time.Second
	DefaultJitter        = 0.1
	defaultNudgeDebounce = 2 * time.Second
)

const (
	TriggerStartup  = "startup"
	TriggerSchedule = "schedule"
	TriggerWatch    = "watch"
	TriggerForce    = "force"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Ticker runs one tick. *syncengine.Engine satisfies it.
type Ticker interface {
	Tick(ctx context.Context, trigger string) (syncengine.TickReport, error)
}

type Options struct {
	Engine          Ticker
	Store           chatvault.Store
	LockPath        string
	TickLockPath    string
	Interval        time.Duration
	Jitter          float64
	WatchDirs       []string
	NudgeDebounce   time.Duration
	Metrics         *Metrics
	MetricsTextfile string
	QuotaBytes      int64
	Logger          chatvault.Logger
	Now             func() time.Time
	Random          func() float64
}

type Daemon struct {
	engine          Ticker
	store           chatvault.Store
	lockPath        string
	tickLockPath    string
	interval        time.Duration
	jitter          float64
	watchDirs       []string
	nudgeDebounce   time.Duration
	metrics         *Metrics
	metricsTextfile string
	quotaBytes      int64
	logger          chatvault.Logger
	now             func() time.Time
	random          func() float64

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func New(opts Options) (*Daemon, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if strings.TrimSpace(opts.LockPath) == "" {
		return nil, errors.New("lock path is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	debounce := opts.NudgeDebounce
	if debounce <= 0 {
		debounce = defaultNudgeDebounce
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	random := opts.Random
	if random == nil {
		random = rand.New(rand.NewSource(time.Now().UnixNano())).Float64
	}
	metrics := opts.Metrics
	if metrics == nil && strings.TrimSpace(opts.MetricsTextfile) != "" {
		metrics = NewMetrics()
	}
	return &Daemon{
		engine:          opts.Engine,
		store:           opts.Store,
		lockPath:        strings.TrimSpace(opts.LockPath),
		tickLockPath:    strings.TrimSpace(opts.TickLockPath),
		interval:        interval,
		jitter:          min(max(opts.Jitter, 0), 1),
		watchDirs:       opts.WatchDirs,
		nudgeDebounce:   debounce,
		metrics:         metrics,
		metricsTextfile: strings.TrimSpace(opts.MetricsTextfile),
		quotaBytes:      opts.QuotaBytes,
		logger:          chatvault.LoggerOrNop(opts.Logger),
		now:             now,
		random:          random,
		state:           StateStopped,
	}, nil
}

func (d *Daemon) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Daemon) setState(state State) {
	d.mu.Lock()
	d.state = state
	d.mu.Unlock()
}

// Stop asks a running loop to finish its current tick and exit.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run holds the instance lock and ticks until ctx is done or Stop is called.
// A tick in flight when that happens runs to completion before the lock is
// released.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.state != StateStopped {
		state := d.state
		d.mu.Unlock()
		return fmt.Errorf("%w: daemon is %s", chatvault.ErrAlreadyRunning, state)
	}
	d.state = StateStarting
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()
	defer cancel()

	lock, err := AcquireInstanceLock(d.lockPath)
	if err != nil {
		d.setState(StateStopped)
		return err
	}
	bg := context.WithoutCancel(runCtx)
	defer func() {
		if err := d.markStopped(bg); err != nil {
			d.logger.Warn("clear heartbeat", "err", err)
		}
		if err := lock.Release(); err != nil {
			d.logger.Warn("release instance lock", "err", err)
		}
		d.mu.Lock()
		d.state = StateStopped
		d.cancel = nil
		d.mu.Unlock()
		d.logger.Info("sync daemon stopped")
	}()

	if err := d.markStarted(bg); err != nil {
		d.logger.Warn("write heartbeat", "err", err)
	}
	d.setState(StateRunning)
	d.logger.Info("sync daemon running", "pid", os.Getpid(), "interval", d.interval, "jitter", d.jitter)

	var nudges <-chan struct{}
	if len(d.watchDirs) > 0 {
		watcher, err := NewSourceWatcher(d.watchDirs, d.logger)
		if err != nil {
			d.logger.Warn("source watcher disabled", "err", err)
		} else {
			defer watcher.Close()
			go watcher.Run(runCtx)
			nudges = watcher.Nudges()
		}
	}

	d.tick(bg, TriggerStartup)

	timer := time.NewTimer(d.nextInterval())
	defer timer.Stop()
	var settle <-chan time.Time
	for {
		select {
		case <-runCtx.Done():
			d.setState(StateStopping)
			d.logger.Info("sync daemon stopping", "reason", runCtx.Err())
			return nil
		case <-timer.C:
			d.tick(bg, TriggerSchedule)
			timer.Reset(d.nextInterval())
		case <-nudges:
			if settle == nil {
				settle = time.After(d.nudgeDebounce)
			}
		case <-settle:
			settle = nil
			d.tick(bg, TriggerWatch)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(d.nextInterval())
		}
	}
}

// nextInterval scales the interval by a random factor in [1-jitter, 1+jitter].
func (d *Daemon) nextInterval() time.Duration {
	if d.jitter == 0 {
		return d.interval
	}
	factor := 1 + (2*d.random()-1)*d.jitter
	return max(time.Duration(float64(d.interval)*factor), time.Millisecond)
}

func (d *Daemon) tick(ctx context.Context, trigger string) {
	report, err := RunTick(ctx, d.engine, d.store, d.tickLockPath, trigger, d.now)
	status, reason := report.Status()
	if err != nil {
		d.logger.Error("sync tick failed", "trigger", trigger, "id", report.ID, "err", err)
	} else {
		d.logger.Info("sync tick completed", "trigger", trigger, "id", report.ID, "status", status, "outcome", report.Outcome, "reason", reason)
	}
	d.observe(ctx, report)
}

func (d *Daemon) observe(ctx context.Context, report syncengine.TickReport) {
	if d.metrics == nil {
		return
	}
	d.metrics.ObserveTick(report)
	if stats, err := d.store.Stats(ctx); err == nil {
		d.metrics.ObserveStore(stats, d.quotaBytes)
	}
	if err := d.metrics.WriteTextfile(d.metricsTextfile); err != nil {
		d.logger.Warn("write metrics textfile", "path", d.metricsTextfile, "err", err)
	}
}

func (d *Daemon) markStarted(ctx context.Context) error {
	hb, _, err := d.store.Heartbeat(ctx)
	if err != nil {
		return err
	}
	hb.PID = os.Getpid()
	hb.StartedAt = d.now().UTC()
	return d.store.PutHeartbeat(ctx, hb)
}

func (d *Daemon) markStopped(ctx context.Context) error {
	hb, ok, err := d.store.Heartbeat(ctx)
	if err != nil || !ok {
		return err
	}
	hb.PID = 0
	return d.store.PutHeartbeat(ctx, hb)
}

// RunTick runs one tick under the cross-process tick lock and records its
// outcome in the heartbeat. It is used both by the scheduled loop and by a
// forced tick from another process.
func RunTick(ctx context.Context, engine Ticker, store chatvault.Store, tickLockPath, trigger string, now func() time.Time) (syncengine.TickReport, error) {
	if now == nil {
		now = time.Now
	}
	var report syncengine.TickReport
	err := WithTickLock(ctx, tickLockPath, func() error {
		var tickErr error
		report, tickErr = engine.Tick(ctx, trigger)
		return tickErr
	})
	status, reason := report.Status()
	if err != nil {
		status, reason = chatvault.TickError, err.Error()
	}
	if hbErr := recordTick(ctx, store, report, status, reason, now().UTC()); hbErr != nil {
		return report, errors.Join(err, fmt.Errorf("write heartbeat: %w", hbErr))
	}
	return report, err
}

func recordTick(ctx context.Context, store chatvault.Store, report syncengine.TickReport, status chatvault.TickStatus, reason string, at time.Time) error {
	hb, _, err := store.Heartbeat(ctx)
	if err != nil {
		return err
	}
	if !report.FinishedAt.IsZero() {
		at = report.FinishedAt
	}
	hb.LastTickAt = at
	hb.LastTickStatus = status
	hb.LastTickReason = reason
	hb.LastTickID = report.ID
	return store.PutHeartbeat(ctx, hb)
}
