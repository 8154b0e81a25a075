// Package fileatomic implements persistence Backend A: write-to-temp-then-
// rename under a sidecar lock file, with timestamped backup sidecars for
// rollback. Grounded on the teacher's cmd/bd/doctor/fix/jsonl_integrity.go
// (backup-then-regenerate-then-rollback-on-failure) and cmd/bd/sync.go's
// flock.New(lockPath)/TryLock pattern for the sidecar lock.
package fileatomic

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/logrepair/core/internal/persistence"
	"github.com/logrepair/core/internal/record"
	"github.com/logrepair/core/internal/repair"
)

// Backend is persistence Backend A, scoped to one log file on disk.
type Backend struct {
	LogPath string
}

// New returns a Backend rooted at logPath.
func New(logPath string) *Backend {
	return &Backend{LogPath: logPath}
}

func (b *Backend) BackendName() string { return "file-atomic" }

func (b *Backend) lockPath() string {
	return b.LogPath + ".lock"
}

func (b *Backend) backupPath(ts time.Time) string {
	return fmt.Sprintf("%s.%s.backup.jsonl", b.LogPath, ts.UTC().Format("20060102T150405.000000000Z"))
}

// CreateBackup copies the log file verbatim to a timestamped sidecar path
// under the sidecar lock, without observably modifying the log (spec.md
// §4.6).
func (b *Backend) CreateBackup(ctx context.Context, sessionID string, records []*record.Record) (string, error) {
	lock := flock.New(b.lockPath())
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return "", fmt.Errorf("%w: %v", persistence.ErrLockContention, err)
	}
	if !locked {
		return "", persistence.ErrLockContention
	}
	defer func() { _ = lock.Unlock() }()

	ts := time.Now().UTC()
	backup := b.backupPath(ts)

	if err := copyFile(b.LogPath, backup); err != nil {
		return "", fmt.Errorf("creating backup: %w", err)
	}
	return filepath.Base(backup), nil
}

// ApplyRepair applies plan to records in memory, serializes the full
// record set, and writes it via temp-then-rename under the sidecar lock.
// If the rename fails, the original file is untouched.
func (b *Backend) ApplyRepair(ctx context.Context, sessionID string, records []*record.Record, plan *repair.Plan) (bool, error) {
	lock := flock.New(b.lockPath())
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrLockContention, err)
	}
	if !locked {
		return false, persistence.ErrLockContention
	}
	defer func() { _ = lock.Unlock() }()

	byUUID := make(map[string]*record.Record, len(records))
	for _, r := range records {
		byUUID[r.UUID] = r
	}
	records = repair.Apply(records, byUUID, plan)

	dir := filepath.Dir(b.LogPath)
	tmp, err := os.CreateTemp(dir, filepath.Base(b.LogPath)+".tmp-*")
	if err != nil {
		return false, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	w := bufio.NewWriter(tmp)
	for _, r := range records {
		line, err := record.Serialize(r)
		if err != nil {
			tmp.Close()
			return false, fmt.Errorf("serializing %s: %w", r.UUID, err)
		}
		if _, err := w.Write(line); err != nil {
			tmp.Close()
			return false, fmt.Errorf("writing %s: %w", r.UUID, err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("flushing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return false, fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, b.LogPath); err != nil {
		// Original is untouched; rename is the atomic boundary.
		return false, fmt.Errorf("%w: %v", persistence.ErrRenameFailed, err)
	}
	return true, nil
}

// RollbackToBackup copies backupID's sidecar over the current log file
// under the sidecar lock, restoring bytes-identical content to the
// CreateBackup-time state.
func (b *Backend) RollbackToBackup(ctx context.Context, sessionID string, backupID string) (bool, error) {
	backup := filepath.Join(filepath.Dir(b.LogPath), backupID)
	if _, err := os.Stat(backup); err != nil {
		return false, persistence.ErrBackupNotFound
	}

	lock := flock.New(b.lockPath())
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("%w: %v", persistence.ErrLockContention, err)
	}
	if !locked {
		return false, persistence.ErrLockContention
	}
	defer func() { _ = lock.Unlock() }()

	if err := copyFile(backup, b.LogPath); err != nil {
		return false, fmt.Errorf("restoring backup: %w", err)
	}
	return true, nil
}

// ShowUndoHistory enumerates sidecar backups by timestamp, newest first.
func (b *Backend) ShowUndoHistory(ctx context.Context, sessionID string) ([]persistence.UndoPoint, error) {
	dir := filepath.Dir(b.LogPath)
	base := filepath.Base(b.LogPath)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading backup directory: %w", err)
	}

	prefix := base + "."
	const suffix = ".backup.jsonl"

	var points []persistence.UndoPoint
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		tsPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
		ts, err := time.Parse("20060102T150405.000000000Z", tsPart)
		if err != nil {
			continue
		}
		points = append(points, persistence.UndoPoint{ID: name, Timestamp: ts, Label: "file backup"})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })
	return points, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".copy-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
