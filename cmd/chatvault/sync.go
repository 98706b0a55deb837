package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/daemon"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

func newSyncCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Control the background sync daemon",
	}
	cmd.AddCommand(
		newSyncStartCmd(a),
		newSyncStopCmd(a),
		newSyncStatusCmd(a),
		newSyncNowCmd(a),
		newSyncAckCmd(a),
		newSyncResetCmd(a),
	)
	return cmd
}

func newSyncStartCmd(a *app) *cobra.Command {
	var foreground bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the sync daemon",
		Long: `Start the sync daemon. By default the daemon detaches and logs to
<data_dir>/daemon.log; --foreground keeps it attached to the terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Sync.Enabled {
				return fmt.Errorf("%w: sync is disabled (sync.enabled: false)", chatvault.ErrInvalidConfig)
			}
			if foreground {
				return a.runDaemon(cmd.Context())
			}
			return a.startDetached(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&foreground, "foreground", false, "run the daemon in this process")
	return cmd
}

func (a *app) runDaemon(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := a.openRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var watchDirs []string
	if rt.cfg.Sync.WatchSources {
		watchDirs = rt.locator.WatchDirs()
	}
	d, err := daemon.New(daemon.Options{
		Engine:          rt.engine,
		Store:           rt.store,
		LockPath:        rt.cfg.LockPath(),
		TickLockPath:    rt.cfg.TickLockPath(),
		Interval:        rt.cfg.Interval(),
		Jitter:          rt.cfg.Sync.Jitter,
		WatchDirs:       watchDirs,
		MetricsTextfile: rt.cfg.Metrics.Textfile,
		QuotaBytes:      rt.cfg.QuotaBytes(),
		Logger:          a.logger,
	})
	if err != nil {
		return err
	}
	return d.Run(ctx)
}

func (a *app) startDetached(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if running, pid, err := daemon.Running(cfg.LockPath()); err != nil {
		return err
	} else if running {
		return fmt.Errorf("%w (pid %d)", chatvault.ErrAlreadyRunning, pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(cfg.LogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	args := []string{"sync", "start", "--foreground"}
	if a.configPath != "" {
		args = append(args, "--config", a.configPath)
	}
	if a.verbose {
		args = append(args, "--verbose")
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	detach(child)
	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := child.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- child.Wait() }()

	wait, cancel := context.WithTimeout(ctx, durationEnv("CHATVAULT_START_TIMEOUT", 5*time.Second))
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("daemon exited during startup (see %s): %v", cfg.LogPath(), err)
		case <-wait.Done():
			return fmt.Errorf("daemon did not take the instance lock in time (pid %d, see %s)", pid, cfg.LogPath())
		case <-ticker.C:
			if running, lockPID, _ := daemon.Running(cfg.LockPath()); running && lockPID == pid {
				_ = child.Process.Release()
				a.printf("sync daemon started (pid %d, interval %s)\nlog: %s\n", pid, cfg.Interval(), cfg.LogPath())
				return nil
			}
		}
	}
}

func newSyncStopCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the sync daemon after its current tick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			pid, err := daemon.SignalStop(cfg.LockPath())
			if errors.Is(err, chatvault.ErrNotRunning) {
				a.printf("sync daemon is not running: nothing to do\n")
				return nil
			}
			if err != nil {
				return err
			}
			a.printf("stopping sync daemon (pid %d)...\n", pid)
			ctx, cancel := context.WithTimeout(cmd.Context(), durationEnv("CHATVAULT_STOP_TIMEOUT", 2*time.Minute))
			defer cancel()
			if err := daemon.WaitStopped(ctx, cfg.LockPath(), 200*time.Millisecond); err != nil {
				return fmt.Errorf("daemon pid %d did not stop: %w", pid, err)
			}
			a.printf("sync daemon stopped\n")
			return nil
		},
	}
}

func newSyncStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and per-source sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			status, err := daemon.ReadStatus(cmd.Context(), rt.store, rt.cfg.LockPath(), rt.queue)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(status)
			}
			a.printStatus(status)
			return nil
		},
	}
}

func (a *app) printStatus(status daemon.Status) {
	if status.Running {
		a.printf("daemon: running (pid %d, since %s)\n", status.PID, formatTime(status.StartedAt))
	} else {
		a.printf("daemon: stopped\n")
	}
	if status.LastTickAt.IsZero() {
		a.printf("last tick: never\n")
	} else {
		line := fmt.Sprintf("last tick: %s (%s", formatTime(status.LastTickAt), status.LastTickStatus)
		if status.LastTickReason != "" {
			line += ": " + status.LastTickReason
		}
		a.printf("%s)\n", line)
	}
	a.printf("stored: %d conversations, %d messages, %s\n", status.Conversations, status.Messages, formatBytes(status.TotalBytes))
	if status.PendingRestores > 0 {
		a.printf("pending restores: %d of %d\n", status.PendingRestores, status.RestoreCapacity)
		for _, req := range status.Restores {
			a.printf("  %-40s %s (%s, requested %s)\n", req.Location, req.Selector, req.Reason, formatTime(req.RequestedAt))
		}
	}
	if len(status.Sources) == 0 {
		a.printf("sources: none seen yet\n")
		return
	}
	a.printf("sources:\n")
	for _, src := range status.Sources {
		a.printf("  %-40s %-15s %d conversations, %d messages, synced %s\n",
			src.Location, src.State, src.Conversations, src.Messages, formatTime(src.LastSyncAt))
		if src.CorruptCount > 0 {
			a.printf("  %-40s corrupt reads: %d\n", "", src.CorruptCount)
		}
		if src.LastError != "" {
			a.printf("  %-40s last error: %s\n", "", src.LastError)
		}
	}
}

func newSyncNowCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "now",
		Short: "Run one sync tick immediately",
		Long: `Run one sync tick immediately. Works whether or not the daemon is
running; a tick already in progress elsewhere is waited for.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := daemon.RunTick(cmd.Context(), rt.engine, rt.store, rt.cfg.TickLockPath(), daemon.TriggerForce, nil)
			if a.jsonOutput {
				if jsonErr := a.printJSON(report); jsonErr != nil {
					return jsonErr
				}
			} else {
				a.printTick(report)
			}
			return outcomeError(report.Outcome, err)
		},
	}
}

func (a *app) printTick(report syncengine.TickReport) {
	a.printf("tick %s: %s\n", report.ID, describeOutcome(report.Outcome))
	for _, src := range report.Sources {
		if src.Failed() {
			a.printf("  %-40s error (%s): %s\n", src.Location, src.ErrorKind, src.Error)
			continue
		}
		a.printf("  %-40s %-15s %d conversations, %d new, %d messages appended\n",
			src.Location, src.State, src.Conversations, src.New, src.Appended)
		if src.Diverged > 0 {
			a.printf("  %-40s %d conversations shorter than stored copy\n", "", src.Diverged)
		}
	}
	for _, restore := range report.Restores {
		a.printf("  restored %s into %s: %s\n", restore.Selector, restore.Location, describeOutcome(restore.Outcome))
	}
	for _, msg := range report.RestoreErrors {
		a.printf("  restore failed: %s\n", msg)
	}
	if len(report.Queued) > 0 {
		a.printf("  %d restores queued for the next tick\n", len(report.Queued))
	}
	if report.Lifecycle != nil && report.Lifecycle.Outcome != chatvault.OutcomeNoop {
		a.printf("  storage: %d pruned, %d evicted, %s freed\n",
			len(report.Lifecycle.RetentionPruned), len(report.Lifecycle.QuotaEvicted), formatBytes(report.Lifecycle.FreedBytes))
	}
	if report.LifecycleError != "" {
		a.printf("  storage: %s\n", report.LifecycleError)
	}
	if report.Error != "" {
		a.printf("  error: %s\n", report.Error)
	}
}

func newSyncAckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <location>",
		Short: "Accept a source's current contents as its new baseline",
		Long: `Accept what a source location holds now as legitimate. A location in
ConfirmedWiped returns to Normal and no restore is attempted. Locations are
"global" or "workspace:<hash>".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			var state chatvault.SyncState
			err = rt.withTickLock(cmd.Context(), func() error {
				var ackErr error
				state, ackErr = rt.engine.Acknowledge(cmd.Context(), args[0])
				return ackErr
			})
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(state)
			}
			a.printf("%s acknowledged: %s with %d conversations\n", state.Location, state.State, len(state.LastSeenConversationIDs))
			return nil
		},
	}
}

func newSyncResetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <location>",
		Short: "Mark a source as wiped and queue a full restore",
		Long: `Mark a source location as wiped right away, without waiting for the
usual consecutive empty ticks, and queue a forced full restore that the next
tick performs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			var (
				state     chatvault.SyncState
				requestID string
			)
			err = rt.withTickLock(cmd.Context(), func() error {
				var resetErr error
				state, requestID, resetErr = rt.engine.Reset(cmd.Context(), args[0])
				return resetErr
			})
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"state": state, "restoreRequest": requestID})
			}
			a.printf("%s marked %s; restore %s queued for the next tick\n", state.Location, state.State, requestID)
			return nil
		},
	}
}
