package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfgpkg "github.com/logrepair/core/internal/config"
	"github.com/logrepair/core/internal/eventstore"
	"github.com/logrepair/core/internal/record"
)

var syncCmd = &cobra.Command{
	Use:   "sync <log-path>",
	Short: "One-shot import of a log into the event store as its initial baseline",
	Long: `sync reads a log and writes one baseline event per record into the
event store, recording each record's parent linkage as observed at
import time. It never mutates the log itself. Records are imported
concurrently, bounded by a worker limit, grounded on the pack's
errgroup.WithContext/SetLimit fan-out pattern.

EXAMPLES:
  logrepair sync session.jsonl`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		logPath := args[0]

		cfg := cfgpkg.Load()

		dbPath := cfg.EventStoreEndpoint
		if dbPath == "" {
			dbPath = logPath + ".events.db"
		}
		store, err := eventstore.Open(ctx, dbPath)
		if err != nil {
			lastExitCode = ExitStoreUnavailable
			return err
		}
		defer store.Close()

		lines, err := readLines(logPath)
		if err != nil {
			lastExitCode = ExitPersistenceFailure
			return err
		}

		var records []*record.Record
		for i, line := range lines {
			r, lerr := record.ParseLine(line, i+1)
			if lerr != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %s\n", lerr.LineNo, lerr.Diagnostic)
				continue
			}
			records = append(records, r)
		}

		sessionID := logPath
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(8)
		for i, r := range records {
			r := r
			i := i
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				ts := r.Timestamp.Add(time.Duration(i) * time.Nanosecond)
				return store.Append(gctx, eventstore.Event{
					EventID:       uuid.NewString(),
					SessionID:     sessionID,
					RecordUUID:    r.UUID,
					OperationKind: eventstore.OpBaseline,
					NewParent:     r.ParentUUID,
					Operator:      "logrepair-sync",
					Reason:        "initial baseline import",
					Timestamp:     ts,
				})
			})
		}
		if err := g.Wait(); err != nil {
			lastExitCode = ExitPersistenceFailure
			return fmt.Errorf("importing baseline: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported %d record(s) as baseline into %s\n", len(records), dbPath)
		lastExitCode = ExitClean
		return nil
	},
}
