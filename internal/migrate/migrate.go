// Package migrate relocates the whole storage root (catalog plus media) to a
// new directory while keeping catalog path references consistent.
package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// knownEntries lists the storage-root members the migrator moves. Anything
// else under the old root is left behind deliberately.
var knownEntries = []string{
	"db.sqlite",
	"db.sqlite-wal",
	"db.sqlite-shm",
	"db.sqlite.sealed",
	"Snapshots",
	"Videos",
	"Thumbnails",
	"queue",
	"vault",
}

// Hooks lets the caller pause and resume the surrounding system around the
// move. Nil hooks are skipped.
type Hooks struct {
	// StopCapture halts ingestion before any file moves.
	StopCapture func(ctx context.Context) error
	// StartCapture resumes ingestion after the move, successful or not.
	StartCapture func(ctx context.Context) error
	// CloseCatalog releases the catalog's file handles before the move.
	CloseCatalog func() error
	// ReopenCatalog opens the catalog at its new location.
	ReopenCatalog func(root string) error
	// PersistRoot records the new root in durable configuration.
	PersistRoot func(root string) error
	// RewritePaths updates catalog path columns from oldRoot to newRoot.
	// Called after ReopenCatalog.
	RewritePaths func(ctx context.Context, oldRoot, newRoot string) (int64, error)
}

// Migrator moves the storage root between directories.
type Migrator struct {
	hooks Hooks
}

func New(hooks Hooks) *Migrator {
	return &Migrator{hooks: hooks}
}

// Migrate moves the storage root at oldRoot to newRoot. Migrating to the
// current root only persists the reference. Entry failures are isolated:
// one immovable entry does not abandon the rest, and already-moved entries
// are no-ops so an interrupted migration can simply be retried.
func (m *Migrator) Migrate(ctx context.Context, oldRoot, newRoot string) error {
	oldC, err := canonicalize(oldRoot)
	if err != nil {
		return fmt.Errorf("resolve current root: %w", err)
	}
	newC, err := canonicalize(newRoot)
	if err != nil {
		return fmt.Errorf("resolve destination root: %w", err)
	}

	if oldC == newC {
		if m.hooks.PersistRoot != nil {
			return m.hooks.PersistRoot(newC)
		}
		return nil
	}

	// prove the destination is writable before touching anything
	if err := os.MkdirAll(newC, 0o755); err != nil {
		return fmt.Errorf("create destination root: %w", err)
	}

	if m.hooks.StopCapture != nil {
		if err := m.hooks.StopCapture(ctx); err != nil {
			return fmt.Errorf("stop capture: %w", err)
		}
	}
	defer func() {
		if m.hooks.StartCapture != nil {
			if err := m.hooks.StartCapture(ctx); err != nil {
				slog.Warn("failed to restart capture after migration", "error", err)
			}
		}
	}()

	if m.hooks.CloseCatalog != nil {
		if err := m.hooks.CloseCatalog(); err != nil {
			return fmt.Errorf("close catalog: %w", err)
		}
	}

	var moved, failed int
	for _, name := range knownEntries {
		src := filepath.Join(oldC, name)
		dst := filepath.Join(newC, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := moveEntry(src, dst); err != nil {
			failed++
			slog.Warn("failed to move storage entry", "entry", name, "error", err)
			continue
		}
		moved++
	}
	slog.Info("storage root migrated", "from", oldC, "to", newC, "moved", moved, "failed", failed)

	if m.hooks.PersistRoot != nil {
		if err := m.hooks.PersistRoot(newC); err != nil {
			return fmt.Errorf("persist storage root: %w", err)
		}
	}
	if m.hooks.ReopenCatalog != nil {
		if err := m.hooks.ReopenCatalog(newC); err != nil {
			return fmt.Errorf("reopen catalog: %w", err)
		}
	}
	if m.hooks.RewritePaths != nil {
		n, err := m.hooks.RewritePaths(ctx, oldC, newC)
		if err != nil {
			return fmt.Errorf("rewrite catalog paths: %w", err)
		}
		slog.Info("rewrote catalog paths", "rows", n)
	}

	// leave the old root only if everything actually left it
	if failed == 0 {
		if err := os.Remove(oldC); err != nil && !os.IsNotExist(err) {
			slog.Debug("old root not removed", "path", oldC, "error", err)
		}
	}
	return nil
}

// canonicalize resolves symlinks and makes the path absolute. A path that
// does not exist yet resolves through its nearest existing ancestor.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}
	parent, err := canonicalize(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// moveEntry renames src to dst, falling back to copy-verify-delete when the
// rename fails (typically a cross-device move).
func moveEntry(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := copyDir(src, dst); err != nil {
			return err
		}
	} else {
		if err := copyFile(src, dst, info); err != nil {
			return err
		}
	}
	return os.RemoveAll(src)
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, info)
	})
}

// copyFile copies src to dst via a temp file and verifies the byte count
// before moving it into place.
func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if n != info.Size() {
		os.Remove(tmp)
		return fmt.Errorf("copy %s: wrote %d bytes, want %d", src, n, info.Size())
	}
	if err := os.Chmod(tmp, info.Mode()); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
