package main

import (
	"errors"
	"net/url"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/config"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

func newStorageCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Inspect and maintain the backup store",
	}
	cmd.AddCommand(
		newStorageStatsCmd(a),
		newStorageCleanupCmd(a),
		newStorageWorkspacesCmd(a),
		newStorageConfigCmd(a),
	)
	return cmd
}

type storageStats struct {
	Store             string    `json:"store"`
	TotalBytes        int64     `json:"totalBytes"`
	Total             string    `json:"total"`
	DatabaseBytes     int64     `json:"databaseBytes,omitempty"`
	QuotaBytes        int64     `json:"quotaBytes"`
	Quota             string    `json:"quota"`
	UsagePercent      float64   `json:"usagePercent"`
	RetentionDays     int       `json:"retentionDays"`
	Compression       bool      `json:"compression"`
	Conversations     int       `json:"conversations"`
	Messages          int       `json:"messages"`
	Workspaces        int       `json:"workspaces"`
	CompressedRecords int       `json:"compressedRecords"`
	Tombstones        int       `json:"tombstones"`
	OldestUpdatedAt   time.Time `json:"oldestUpdatedAt"`
	NewestUpdatedAt   time.Time `json:"newestUpdatedAt"`
}

func newStorageStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show bytes used against the quota and retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			stats, err := rt.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			out := storageStats{
				Store:             displayDSN(rt.cfg.StoreDSN()),
				TotalBytes:        stats.TotalBytes,
				Total:             formatBytes(stats.TotalBytes),
				QuotaBytes:        rt.cfg.QuotaBytes(),
				Quota:             formatBytes(rt.cfg.QuotaBytes()),
				UsagePercent:      usagePercent(stats.TotalBytes, rt.cfg.QuotaBytes()),
				RetentionDays:     rt.cfg.Storage.BackupRetentionDays,
				Compression:       rt.store.Compression(),
				Conversations:     stats.Conversations,
				Messages:          stats.Messages,
				Workspaces:        stats.Workspaces,
				CompressedRecords: stats.CompressedRecords,
				Tombstones:        stats.Tombstones,
				OldestUpdatedAt:   stats.OldestUpdatedAt,
				NewestUpdatedAt:   stats.NewestUpdatedAt,
			}
			if info, err := os.Stat(rt.cfg.StoreDSN()); err == nil && !info.IsDir() {
				out.DatabaseBytes = info.Size()
			}
			if a.jsonOutput {
				return a.printJSON(out)
			}
			a.printStats(out)
			return nil
		},
	}
}

func (a *app) printStats(s storageStats) {
	a.printf("store:         %s\n", s.Store)
	if s.QuotaBytes > 0 {
		a.printf("used:          %s of %s (%.1f%%)\n", s.Total, s.Quota, s.UsagePercent)
	} else {
		a.printf("used:          %s (no quota)\n", s.Total)
	}
	if s.DatabaseBytes > 0 {
		a.printf("database file: %s\n", formatBytes(s.DatabaseBytes))
	}
	if s.RetentionDays > 0 {
		a.printf("retention:     %d days\n", s.RetentionDays)
	} else {
		a.printf("retention:     unlimited\n")
	}
	a.printf("compression:   %t (%d of %d records compressed)\n", s.Compression, s.CompressedRecords, s.Conversations)
	a.printf("conversations: %d (%d messages, %d workspaces)\n", s.Conversations, s.Messages, s.Workspaces)
	a.printf("pruned:        %d\n", s.Tombstones)
	if s.Conversations > 0 {
		a.printf("updated:       %s .. %s\n", formatTime(s.OldestUpdatedAt), formatTime(s.NewestUpdatedAt))
	}
}

func newStorageCleanupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Apply retention, quota and compression now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			var report syncengine.EnforceReport
			err = rt.withTickLock(cmd.Context(), func() error {
				var enforceErr error
				report, enforceErr = rt.engine.Enforce(cmd.Context())
				return enforceErr
			})
			if err != nil && !errors.Is(err, chatvault.ErrQuotaExceededAfterEnforcement) {
				return err
			}
			if a.jsonOutput {
				if jsonErr := a.printJSON(report); jsonErr != nil {
					return jsonErr
				}
			} else {
				a.printCleanup(report)
			}
			if err != nil {
				return &partialError{err: err}
			}
			return outcomeError(report.Outcome, nil)
		},
	}
}

func (a *app) printCleanup(r syncengine.EnforceReport) {
	a.printf("cleanup: %s\n", describeOutcome(r.Outcome))
	if r.Recompressed > 0 {
		a.printf("  compressed %d records\n", r.Recompressed)
	}
	if len(r.RetentionPruned) > 0 {
		a.printf("  pruned %d conversations older than %d days\n", len(r.RetentionPruned), r.RetentionDays)
	}
	if len(r.QuotaEvicted) > 0 {
		a.printf("  evicted %d conversations to meet the %s quota\n", len(r.QuotaEvicted), formatBytes(r.QuotaBytes))
	}
	if r.FreedBytes > 0 {
		a.printf("  freed %s\n", formatBytes(r.FreedBytes))
	}
	a.printf("  now using %s\n", formatBytes(r.TotalBytes))
	if r.Protected > 0 {
		a.printf("  %d conversations kept as recent or as the last evidence of a source\n", r.Protected)
	}
}

type workspaceRow struct {
	chatvault.Workspace
	Conversations int `json:"conversations"`
}

func newStorageWorkspacesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "workspaces",
		Short: "List the workspaces known to the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()
			workspaces, err := rt.store.Workspaces(cmd.Context())
			if err != nil {
				return err
			}
			summaries, err := rt.store.ConversationSummaries(cmd.Context(), chatvault.ConversationFilter{})
			if err != nil {
				return err
			}
			counts := map[string]int{}
			for _, s := range summaries {
				counts[s.WorkspaceID]++
			}
			rows := make([]workspaceRow, 0, len(workspaces))
			for _, ws := range workspaces {
				rows = append(rows, workspaceRow{Workspace: ws, Conversations: counts[ws.ID]})
			}
			sort.SliceStable(rows, func(i, j int) bool {
				if rows[i].DisplayName != rows[j].DisplayName {
					return rows[i].DisplayName < rows[j].DisplayName
				}
				return rows[i].ID < rows[j].ID
			})
			if a.jsonOutput {
				return a.printJSON(rows)
			}
			if len(rows) == 0 {
				a.printf("no workspaces stored yet\n")
			}
			for _, row := range rows {
				name := row.DisplayName
				if name == "" {
					name = row.ID
				}
				a.printf("%-30s %4d conversations  %s\n", name, row.Conversations, row.Path)
			}
			if n := counts[""]; n > 0 {
				a.printf("%-30s %4d conversations\n", "(no workspace)", n)
			}
			return nil
		},
	}
}

func newStorageConfigCmd(a *app) *cobra.Command {
	var initialize bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the active configuration",
		Long: `Show the active configuration after defaults, the config file and
CHATVAULT_* environment overrides are applied. --init writes it to the config
file when none exists yet.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			path := a.resolvedConfigPath()
			if initialize {
				if _, err := os.Stat(path); err == nil {
					a.printf("config file %s already exists: nothing to do\n", path)
				} else if errors.Is(err, os.ErrNotExist) {
					if err := config.Save(path, cfg); err != nil {
						return err
					}
					a.printf("wrote %s\n", path)
				} else {
					return err
				}
			}
			if a.jsonOutput {
				return a.printJSON(map[string]any{"path": path, "config": cfg})
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			a.printf("# %s\n%s", path, data)
			a.printf("# interval %s, quota %s, retention %d days\n", cfg.Interval(), formatBytes(cfg.QuotaBytes()), cfg.Storage.BackupRetentionDays)
			return nil
		},
	}
	cmd.Flags().BoolVar(&initialize, "init", false, "write the active configuration to the config file if missing")
	return cmd
}

// displayDSN hides credentials in server DSNs.
func displayDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.User == nil {
		return dsn
	}
	return parsed.Redacted()
}
