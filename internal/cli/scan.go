package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan <log-path>",
	Short: "Scan a log for structural defects without modifying it",
	Long: `scan runs the Scanner over a log and prints a defect report.

Exit codes:
  0   clean, no defects found
  2   defects found
  3   persistence setup failure
  4   cycle detected (upstream corruption)
  5   event store unavailable

EXAMPLES:
  logrepair scan session.jsonl`,
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
		_, lineErrs, err := m.Load(ctx, sessionID, lines)
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "cycle detected; load aborted for this session")
			lastExitCode = ExitUpstreamCorruption
			return nil
		}
		for _, le := range lineErrs {
			fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s\n", le.LineNo, le.Diagnostic)
		}

		report, err := m.Scan(ctx, sessionID)
		if err != nil {
			lastExitCode = ExitPersistenceFailure
			return err
		}

		if report.Clean() {
			fmt.Fprintln(cmd.OutOrStdout(), "clean: no defects found")
			lastExitCode = ExitClean
			return nil
		}

		fmt.Fprintf(cmd.OutOrStdout(), "found %d defect(s):\n", len(report.Defects))
		for kind, count := range report.Counters.DefectsByKind {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %d\n", kind, count)
		}
		lastExitCode = ExitDefectsUnrepaired
		return nil
	},
}
