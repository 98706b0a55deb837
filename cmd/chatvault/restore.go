package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/chatvault/internal/chatvault"
	"github.com/agentworkforce/chatvault/internal/source"
	"github.com/agentworkforce/chatvault/internal/syncengine"
)

type restoreFlags struct {
	all       bool
	id        string
	workspace string
	location  string
	force     bool
}

func newRestoreCmd(a *app) *cobra.Command {
	var flags restoreFlags
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Write stored conversations back into Cursor",
		Long: `Write stored conversations back into a Cursor source location.

--all restores everything, --id one conversation (a unique id prefix is
enough) and --workspace every conversation of one workspace. The target is the
global store unless --workspace or --location says otherwise. A target that
already holds conversations is refused unless --force is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			selector, location := flags.selector()
			rt, err := a.openRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			var report syncengine.RestoreReport
			err = rt.withTickLock(cmd.Context(), func() error {
				var restoreErr error
				report, restoreErr = rt.engine.Restore(cmd.Context(), location, selector, flags.force)
				return restoreErr
			})
			if errors.Is(err, chatvault.ErrRestorePreconditionFailed) {
				return fmt.Errorf("%w; rerun with --force to write anyway", err)
			}
			if a.jsonOutput {
				if jsonErr := a.printJSON(report); jsonErr != nil {
					return jsonErr
				}
			} else {
				a.printRestore(report)
			}
			return outcomeError(report.Outcome, err)
		},
	}
	cmd.Flags().BoolVar(&flags.all, "all", false, "restore every stored conversation")
	cmd.Flags().StringVar(&flags.id, "id", "", "restore one conversation by id or unique id prefix")
	cmd.Flags().StringVar(&flags.workspace, "workspace", "", "restore every conversation of a workspace")
	cmd.Flags().StringVar(&flags.location, "location", "", `target location ("global" or "workspace:<hash>")`)
	cmd.Flags().BoolVar(&flags.force, "force", false, "write even if the target already has conversations")
	cmd.MarkFlagsMutuallyExclusive("all", "id", "workspace")
	cmd.MarkFlagsOneRequired("all", "id", "workspace")
	return cmd
}

func (f restoreFlags) selector() (chatvault.Selector, string) {
	var sel chatvault.Selector
	location := strings.TrimSpace(f.location)
	switch {
	case strings.TrimSpace(f.id) != "":
		sel = chatvault.Selector{Kind: chatvault.SelectConversation, ConversationID: strings.TrimSpace(f.id)}
	case strings.TrimSpace(f.workspace) != "":
		ws := strings.TrimSpace(f.workspace)
		sel = chatvault.Selector{Kind: chatvault.SelectWorkspace, WorkspaceID: ws}
		if location == "" {
			location = source.WorkspaceLocationID(ws)
		}
	default:
		sel = chatvault.Selector{Kind: chatvault.SelectAll}
	}
	if location == "" {
		location = source.GlobalLocationID
	}
	return sel, location
}

func (a *app) printRestore(report syncengine.RestoreReport) {
	a.printf("restore %s into %s: %s\n", report.Selector, report.Location, describeOutcome(report.Outcome))
	if len(report.Succeeded) > 0 {
		a.printf("  restored %d conversations (%d messages)\n", len(report.Succeeded), report.Messages)
		for _, id := range report.Succeeded {
			a.printf("    ok      %s\n", id)
		}
	}
	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		a.printf("    failed  %s: %s\n", id, report.Failed[id])
	}
}
