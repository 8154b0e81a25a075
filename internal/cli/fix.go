package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var fixCmd = &cobra.Command{
	Use:   "fix <log-path>",
	Short: "Scan a log and apply the default repair policy",
	Long: `fix runs the full pipeline with a batch policy (spec.md §4.5
DefaultPolicy): keep-first duplicates, synthetic cancellation for
unanswered tool calls, and best-candidate relinking for orphans. It
prints a summary of the operations applied and the backup/event id for
recovery.

EXAMPLES:
  logrepair fix session.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		logPath := args[0]

		m, cleanup, err := buildManager(ctx, logPath)
		if err != nil {
			lastExitCode = ExitStoreUnavailable
			return err
		}
		defer cleanup()

		lines, err := readLines(logPath)
		if err != nil {
			lastExitCode = ExitPersistenceFailure
			return err
		}

		sessionID := logPath
		if _, _, err := m.Load(ctx, sessionID, lines); err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "cycle detected; load aborted for this session")
			lastExitCode = ExitUpstreamCorruption
			return nil
		}

		report, err := m.Scan(ctx, sessionID)
		if err != nil {
			lastExitCode = ExitPersistenceFailure
			return err
		}
		if report.Clean() {
			fmt.Fprintln(cmd.OutOrStdout(), "clean: no defects to fix")
			lastExitCode = ExitClean
			return nil
		}

		plan, err := m.Preview(ctx, sessionID)
		if err != nil {
			lastExitCode = ExitPersistenceFailure
			return err
		}
		if len(plan.Stale) > 0 {
			fmt.Fprintf(cmd.ErrOrStderr(), "%d defect(s) were stale and skipped\n", len(plan.Stale))
		}

		result, err := m.Confirm(ctx, sessionID)
		if err != nil {
			backupID := ""
			if result != nil {
				backupID = result.BackupID
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repair failed after backup %s; log left untouched\n", backupID)
			lastExitCode = ExitPersistenceFailure
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "applied %d operation(s); backup %s\n", result.OperationsApplied, result.BackupID)
		lastExitCode = ExitClean
		return nil
	},
}
