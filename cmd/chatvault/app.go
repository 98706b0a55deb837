package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/config"
	"github.com/agentworkforce/chatvault/internal/daemon"
	"github.com/agentworkforce/chatvault/internal/source"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool
	jsonOutput bool

	logger *log.Logger
	cfg    *config.Config
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "chatvault",
		Short: "Back up and restore Cursor chat history",
		Long: `chatvault mirrors the chat history Cursor keeps in its state.vscdb files
into a durable store, notices when Cursor wipes them, and writes the history
back on request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.logger = newLogger(a.stderr, a.verbose)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", envOrDefault("CHATVAULT_CONFIG", ""), "config file (default <data_dir>/config.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(newSyncCmd(a), newRestoreCmd(a), newStorageCmd(a))
	return root
}

func newLogger(w io.Writer, verbose bool) *log.Logger {
	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		Prefix:          "chatvault",
	})
	level := log.InfoLevel
	if raw := envOrDefault("CHATVAULT_LOG_LEVEL", ""); raw != "" {
		if parsed, err := log.ParseLevel(raw); err == nil {
			level = parsed
		} else {
			logger.Warn("invalid CHATVAULT_LOG_LEVEL, using info", "value", raw)
		}
	}
	if verbose {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

func (a *app) resolvedConfigPath() string {
	if strings.TrimSpace(a.configPath) != "" {
		return a.configPath
	}
	return config.DefaultPath()
}

// runtime is everything one invocation needs to talk to the store and the
// sources.
type runtime struct {
	cfg     *config.Config
	store   chatvault.Store
	queue   chatvault.RestoreQueue
	locator source.Locator
	engine  *syncengine.Engine
}

func (a *app) openRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := chatvault.OpenStore(ctx, cfg.StoreDSN(), chatvault.StoreOptions{
		Compression: cfg.Storage.Compression,
		Logger:      a.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	queue, err := chatvault.OpenRestoreQueue(cfg.RestoreQueuePath(), intEnv("CHATVAULT_RESTORE_QUEUE_CAPACITY", 0))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open restore queue: %w", err)
	}
	locator := source.NewLocator(cfg.Paths.CursorDir)
	engine, err := syncengine.New(syncengine.Options{
		Store:     store,
		Locations: locator,
		Reader: source.NewReader(source.ReaderOptions{
			Timeout:    cfg.ReadTimeout(),
			Logger:     a.logger,
			Workspaces: locator,
		}),
		Writer: syncengine.NewSourceWriter(source.NewWriter(a.logger)),
		Queue:  queue,
		Logger: a.logger,
		Wipe: syncengine.WipeConfig{
			Threshold:     cfg.Sync.WipeThreshold,
			DebounceTicks: cfg.Sync.WipeDebounceTicks,
			MinHistory:    cfg.Sync.MinHistory,
		},
		AutoRestore:        cfg.Sync.AutoRestore,
		MaxParallelSources: cfg.Sync.MaxParallelSources,
		QuotaBytes:         cfg.QuotaBytes(),
		RetentionDays:      cfg.Storage.BackupRetentionDays,
		RecencyFloor:       cfg.RecencyFloor(),
		Compression:        cfg.Storage.Compression,
	})
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}
	return &runtime{cfg: cfg, store: store, queue: queue, locator: locator, engine: engine}, nil
}

func (r *runtime) Close() error {
	return errors.Join(r.queue.Close(), r.store.Close())
}

// withTickLock serializes a one-shot mutation against a daemon tick running
// in another process.
func (r *runtime) withTickLock(ctx context.Context, fn func() error) error {
	return daemon.WithTickLock(ctx, r.cfg.TickLockPath(), fn)
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.stdout, format, args...)
}

// outcomeError turns a non-ok outcome into the command's error so the exit
// code distinguishes partial success from failure.
func outcomeError(outcome chatvault.Outcome, err error) error {
	switch outcome {
	case chatvault.OutcomePartial:
		if err == nil {
			err = errors.New("partially succeeded")
		}
		return &partialError{err: err}
	case chatvault.OutcomeFailed:
		if err == nil {
			err = errors.New("failed")
		}
		return err
	}
	return err
}

func describeOutcome(outcome chatvault.Outcome) string {
	switch outcome {
	case chatvault.OutcomeNoop:
		return "nothing to do"
	case chatvault.OutcomeOK:
		return "done"
	case chatvault.OutcomePartial:
		return "partially succeeded"
	case chatvault.OutcomeFailed:
		return "failed"
	}
	return string(outcome)
}
