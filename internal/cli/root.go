// Package cli wires the cobra command surface onto the Manager façade,
// grounded on the teacher's cmd/bd command style (one file per
// subcommand, a package-level *cobra.Command wired via init/AddCommand,
// Long usage text with EXAMPLES/SEE ALSO sections).
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	cfgpkg "github.com/logrepair/core/internal/config"
	"github.com/logrepair/core/internal/eventstore"
	"github.com/logrepair/core/internal/manager"
	"github.com/logrepair/core/internal/persistence"
	"github.com/logrepair/core/internal/persistence/eventsourced"
	"github.com/logrepair/core/internal/persistence/fileatomic"
	"github.com/logrepair/core/internal/repair"
)

// Exit codes from spec.md §6.
const (
	ExitClean              = 0
	ExitDefectsUnrepaired  = 2
	ExitPersistenceFailure = 3
	ExitUpstreamCorruption = 4
	ExitStoreUnavailable   = 5
)

var rootCmd = &cobra.Command{
	Use:   "logrepair",
	Short: "Detect and repair structural defects in conversation logs",
	Long: `logrepair scans append-only conversation logs for missing tool
results, duplicate tool results, and orphaned parent references, and
repairs them via a pluggable persistence backend.`,
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(args []string) int {
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return ExitPersistenceFailure
	}
	return lastExitCode
}

// lastExitCode is set by subcommands before returning, since cobra's
// RunE only reports error/no-error, not a specific exit code.
var lastExitCode int

func init() {
	rootCmd.AddCommand(scanCmd, fixCmd, syncCmd)
}

func readLines(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log: %w", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	return lines, nil
}

// buildManager constructs a Manager wired to the configured backend, per
// spec.md §4.10 ("the orchestrator is parameterized by a chosen backend
// at start-up; mixing backends on the same session is forbidden").
func buildManager(ctx context.Context, logPath string) (*manager.Manager, func(), error) {
	cfg := cfgpkg.Load()

	policy := repair.DefaultPolicy()

	var backend persistence.Backend
	cleanup := func() {}

	switch cfg.Backend {
	case cfgpkg.BackendEventSourced:
		dbPath := cfg.EventStoreEndpoint
		if dbPath == "" {
			dbPath = logPath + ".events.db"
		}
		store, err := eventstore.Open(ctx, dbPath)
		if err != nil {
			return nil, cleanup, fmt.Errorf("opening event store: %w", err)
		}
		cleanup = func() { store.Close() }
		backend = eventsourced.New(store, "logrepair-cli")
	default:
		backend = fileatomic.New(logPath)
	}

	return manager.New(backend, policy, cfg.ScannerOOMThreshold), cleanup, nil
}
