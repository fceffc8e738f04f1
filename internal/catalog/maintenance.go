package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rekal-dev/rekal/internal/metrics"
)

// BytesStored sums recorded media sizes, deduplicated by path so the many
// video-backed rows sharing one segment count it once. Rows with a missing
// or zero recorded size fall back to the live on-disk size; an in-progress
// segment has no final size yet.
func (s *Store) BytesStored(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, MAX(IFNULL(bytes, 0)) FROM snapshot GROUP BY path
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to query stored bytes: %w", err)
	}
	defer rows.Close()

	var total int64
	for rows.Next() {
		var (
			path  string
			bytes int64
		)
		if err := rows.Scan(&path, &bytes); err != nil {
			return 0, fmt.Errorf("failed to scan stored bytes: %w", err)
		}
		if bytes == 0 {
			if info, err := os.Stat(path); err == nil {
				bytes = info.Size()
			}
		}
		total += bytes
	}
	return total, rows.Err()
}

// RewritePathPrefix rewrites every path and thumb_path whose prefix matches
// oldRoot onto newRoot. Used after the storage root is relocated.
func (s *Store) RewritePathPrefix(ctx context.Context, oldRoot, newRoot string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	oldRoot = ensureTrailingSep(oldRoot)
	newRoot = ensureTrailingSep(newRoot)

	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, col := range []string{"path", "thumb_path"} {
		// length() and substr() both count characters in SQLite, so the
		// prefix math stays consistent for multibyte roots
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE snapshot
			SET %[1]s = ? || substr(%[1]s, length(?) + 1)
			WHERE substr(%[1]s, 1, length(?)) = ?
		`, col), newRoot, oldRoot, oldRoot, oldRoot)
		if err != nil {
			return total, fmt.Errorf("failed to rewrite %s prefix: %w", col, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// RepairPaths maps any snapshot path that has wandered outside the canonical
// media directory back onto it, by best-effort suffix matching: keep the
// trailing directory component and filename, probe under mediaDir, and only
// rewrite when the probed file actually exists.
func (s *Store) RepairPaths(ctx context.Context, mediaDir string) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	prefix := ensureTrailingSep(mediaDir)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path FROM snapshot WHERE substr(path, 1, length(?)) != ?
	`, prefix, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to query stray paths: %w", err)
	}

	type repair struct {
		id   int64
		path string
	}
	var repairs []repair
	for rows.Next() {
		var (
			id   int64
			path string
		)
		if err := rows.Scan(&id, &path); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan stray path: %w", err)
		}
		base := filepath.Base(path)
		parent := filepath.Base(filepath.Dir(path))
		for _, candidate := range []string{
			filepath.Join(mediaDir, parent, base),
			filepath.Join(mediaDir, base),
		} {
			if _, err := os.Stat(candidate); err == nil {
				repairs = append(repairs, repair{id: id, path: candidate})
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	var fixed int64
	for _, r := range repairs {
		if _, err := s.db.ExecContext(ctx, `UPDATE snapshot SET path = ? WHERE id = ?`, r.path, r.id); err != nil {
			slog.Warn("path repair failed", "id", r.id, "error", err)
			continue
		}
		fixed++
	}
	return fixed, nil
}

// PurgeOptions controls what happens to backing files during a purge.
type PurgeOptions struct {
	// DeleteFiles removes or relocates the backing media of purged rows.
	DeleteFiles bool
	// BackupDir, when set with DeleteFiles, receives files instead of
	// deletion.
	BackupDir string
}

// Purge removes every snapshot older than cutoffMs together with its text
// index entry, OCR boxes, and embedding. File handling is best effort and
// per item; row deletion is transactional.
func (s *Store) Purge(ctx context.Context, cutoffMs int64, opts PurgeOptions) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.DeleteFiles {
		if err := s.disposeFiles(ctx, cutoffMs, opts.BackupDir); err != nil {
			return 0, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	const older = `SELECT id FROM snapshot WHERE started_at_ms < ?`
	for _, stmt := range []string{
		`DELETE FROM text_index WHERE rowid IN (` + older + `)`,
		`DELETE FROM ocr_box WHERE snapshot_id IN (` + older + `)`,
		`DELETE FROM embedding WHERE snapshot_id IN (` + older + `)`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, cutoffMs); err != nil {
			return 0, rollback(tx, fmt.Errorf("failed to purge index rows: %w", err))
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM snapshot WHERE started_at_ms < ?`, cutoffMs)
	if err != nil {
		return 0, rollback(tx, fmt.Errorf("failed to purge snapshots: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	n, _ := res.RowsAffected()
	metrics.RowsPurgedTotal.Add(n)
	return n, nil
}

// disposeFiles moves or deletes the media behind rows older than cutoffMs.
// Paths still referenced by a surviving row are left alone, which keeps a
// partially-aged video segment intact.
func (s *Store) disposeFiles(ctx context.Context, cutoffMs int64, backupDir string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p FROM (
			SELECT path AS p FROM snapshot WHERE started_at_ms < ?
			UNION
			SELECT thumb_path AS p FROM snapshot WHERE started_at_ms < ? AND thumb_path IS NOT NULL
		)
		WHERE p NOT IN (SELECT path FROM snapshot WHERE started_at_ms >= ?)
	`, cutoffMs, cutoffMs, cutoffMs)
	if err != nil {
		return fmt.Errorf("failed to query purge files: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan purge file: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, p := range paths {
		if err := disposeFile(p, backupDir); err != nil {
			slog.Warn("failed to dispose purged file", "path", p, "error", err)
		}
	}
	return nil
}

func disposeFile(path, backupDir string) error {
	if backupDir == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(backupDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// DeleteSnapshot removes one snapshot row, its index entries, and its
// backing files.
func (s *Store) DeleteSnapshot(ctx context.Context, id int64) error {
	if err := s.guard(); err != nil {
		return err
	}
	snap, err := s.SnapshotByID(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, stmt := range []string{
		`DELETE FROM text_index WHERE rowid = ?`,
		`DELETE FROM ocr_box WHERE snapshot_id = ?`,
		`DELETE FROM embedding WHERE snapshot_id = ?`,
		`DELETE FROM snapshot WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return rollback(tx, fmt.Errorf("failed to delete snapshot rows: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}

	// Only remove media no other row references (video segments are shared).
	var still int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot WHERE path = ?`, snap.Path).Scan(&still); err == nil && still == 0 {
		if err := os.Remove(snap.Path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove snapshot media", "path", snap.Path, "error", err)
		}
	}
	if snap.ThumbPath != "" {
		if err := os.Remove(snap.ThumbPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove snapshot thumbnail", "path", snap.ThumbPath, "error", err)
		}
	}
	return nil
}

// UpdateMedia rewrites the media fields of a snapshot after re-encoding.
func (s *Store) UpdateMedia(ctx context.Context, id int64, bytes int64, width, height int, format string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE snapshot SET bytes = ?, width = ?, height = ?, format = ? WHERE id = ?
	`, bytes, width, height, format, id)
	if err != nil {
		return fmt.Errorf("failed to update media fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompactionBatch returns image-backed snapshots older than cutoffMs that
// still need re-encoding: anything not yet a JPEG at or under maxDim. Rows
// already at the target are excluded so repeated passes advance through the
// backlog instead of rescanning it.
func (s *Store) CompactionBatch(ctx context.Context, cutoffMs int64, maxDim, limit int) ([]Snapshot, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT ` + snapshotColumns + ` FROM snapshot
		WHERE started_at_ms < ?
		  AND (format IS NULL OR format != ?)
		  AND (format IS NULL OR format != ? OR width IS NULL OR width > ? OR height > ?)
		ORDER BY started_at_ms ASC, id ASC LIMIT ?`
	return s.querySnapshots(ctx, query, []any{cutoffMs, FormatVideo, FormatJPEG, maxDim, maxDim, normalizeLimit(limit)})
}

// AppCounts tallies snapshots per source application, most frequent first.
func (s *Store) AppCounts(ctx context.Context) ([]AppCount, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT IFNULL(app_bundle_id, ''), IFNULL(app_name, ''), COUNT(*)
		FROM snapshot GROUP BY app_bundle_id ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query app counts: %w", err)
	}
	defer rows.Close()

	var counts []AppCount
	for rows.Next() {
		var c AppCount
		if err := rows.Scan(&c.BundleID, &c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan app count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// CountSnapshots returns the total number of snapshot rows.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshot`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count snapshots: %w", err)
	}
	return count, nil
}

// DistinctPaths returns every distinct media path matching the given SQL
// LIKE pattern, for whole-segment maintenance.
func (s *Store) DistinctPaths(ctx context.Context, like string) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT path FROM snapshot WHERE path LIKE ?`, like)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func ensureTrailingSep(p string) string {
	if strings.HasSuffix(p, string(os.PathSeparator)) {
		return p
	}
	return p + string(os.PathSeparator)
}
