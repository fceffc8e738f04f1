// Package catalog is the transactional system of record for snapshots and
// all three indices: full text, vector embeddings, and usage sessions.
// A Store is single-writer; all access funnels through one connection.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/rekal-dev/rekal/internal/metrics"
	"github.com/rekal-dev/rekal/internal/vault"
)

var (
	// ErrNotFound is returned when a snapshot id has no row.
	ErrNotFound = errors.New("snapshot not found")
	// ErrVaultLocked is returned by every operation while the vault is
	// enabled but locked. It is distinct from ErrNotFound: a locked vault
	// never reads as an empty catalog.
	ErrVaultLocked = vault.ErrLocked
	// ErrPlainOpenRefused is returned when a plaintext open is attempted
	// while the vault is unlocked and an encrypted session is expected.
	ErrPlainOpenRefused = errors.New("plaintext open refused: vault is enabled")
)

// SealedSuffix marks the encrypted container sibling of a storage file.
const SealedSuffix = ".sealed"

// Store owns the catalog database. All reads and writes are serialized
// through a single connection; multi-statement operations additionally hold
// the store mutex so they interleave as whole units.
type Store struct {
	mu        sync.Mutex
	db        *sql.DB
	path      string
	gate      *vault.Gate
	encrypted bool
}

// Open opens a plaintext catalog at path, creating schema and applying
// migrations. If gate is non-nil and the vault is enabled, the open is
// refused: locked vaults fail closed, unlocked vaults require the keyed
// open path instead of silently downgrading.
func Open(path string, gate *vault.Gate) (*Store, error) {
	if gate != nil {
		switch gate.State() {
		case vault.Locked:
			return nil, ErrVaultLocked
		case vault.Unlocked:
			return nil, ErrPlainOpenRefused
		}
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path, gate: gate}, nil
}

// OpenEncrypted opens the catalog through the vault. The sealed container
// (path + ".sealed") is decrypted in place if present; a live plaintext copy
// left by a previous session is reused as is. The open is verified with a
// trivial query before the store is returned.
func OpenEncrypted(path string, gate *vault.Gate) (*Store, error) {
	if gate == nil {
		return nil, vault.ErrDisabled
	}
	switch gate.State() {
	case vault.Disabled:
		return nil, vault.ErrDisabled
	case vault.Locked:
		return nil, ErrVaultLocked
	}

	sealed := path + SealedSuffix
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if _, serr := os.Stat(sealed); serr == nil {
			if err := gate.Unseal(sealed, path); err != nil {
				return nil, fmt.Errorf("unseal catalog: %w", err)
			}
		}
	}

	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	// Trivial query proves the keyed open actually yielded a readable
	// database rather than ciphertext.
	var n int
	if err := db.QueryRow(`SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
		db.Close()
		return nil, fmt.Errorf("verify encrypted open: %w", err)
	}
	return &Store{db: db, path: path, gate: gate, encrypted: true}, nil
}

func openDB(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: the catalog is single-writer and nested statements
	// issued while another operation runs must reuse the same conn instead
	// of deadlocking on a second one.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(initialSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	for _, m := range migrations {
		applied, err := m.probe(db)
		if err != nil {
			return fmt.Errorf("migration %s probe: %w", m.name, err)
		}
		if applied {
			continue
		}
		if _, err := db.Exec(m.apply); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		slog.Debug("applied catalog migration", "name", m.name)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Encrypted reports whether this store was opened through the vault.
func (s *Store) Encrypted() bool { return s.encrypted }

// guard fails closed when the vault has been locked after open. Called on
// every entry point so a locked vault never serves metadata.
func (s *Store) guard() error {
	if s.gate != nil && s.gate.State() == vault.Locked {
		return ErrVaultLocked
	}
	return nil
}

// Close closes the database. An encrypted store is resealed: the plaintext
// file and its WAL/SHM siblings are replaced by the sealed container, and
// the container header is audited for a silent encryption no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	// Checkpoint so the WAL folds into the main file before sealing.
	if s.encrypted {
		if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
			slog.Warn("wal checkpoint before seal failed", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil

	if !s.encrypted {
		return nil
	}

	sealed := s.path + SealedSuffix
	if err := s.gate.Seal(s.path, sealed); err != nil {
		return fmt.Errorf("seal catalog on close: %w", err)
	}
	vault.VerifySealedHeader(sealed)

	for _, p := range []string{s.path, s.path + "-wal", s.path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove plaintext catalog sibling", "path", p, "error", err)
		}
	}
	return nil
}

// Insert records one accepted frame: the snapshot row, its text-index twin
// keyed by the new row id, and all OCR boxes, in a single transaction. No
// snapshot row can exist without its text-index entry.
func (s *Store) Insert(ctx context.Context, rec InsertRecord) (int64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot (started_at_ms, path, app_bundle_id, app_name, bytes, width, height, format, hash64, thumb_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.StartedAtMs, rec.Path, nullString(rec.AppBundleID), nullString(rec.AppName),
		nullInt64(rec.Bytes), nullInt(rec.Width), nullInt(rec.Height), nullString(rec.Format),
		nullHash(rec.Hash64, rec.HasHash), nullString(rec.ThumbPath))
	if err != nil {
		return 0, rollback(tx, fmt.Errorf("failed to insert snapshot: %w", err))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, rollback(tx, fmt.Errorf("failed to get snapshot id: %w", err))
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO text_index (rowid, content) VALUES (?, ?)`, id, rec.Text); err != nil {
		return 0, rollback(tx, fmt.Errorf("failed to insert text index entry: %w", err))
	}

	for _, box := range rec.Boxes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_box (snapshot_id, text, x, y, w, h) VALUES (?, ?, ?, ?, ?, ?)
		`, id, box.Text, box.X, box.Y, box.W, box.H); err != nil {
			return 0, rollback(tx, fmt.Errorf("failed to insert ocr box: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit insert: %w", err)
	}
	metrics.SnapshotsInsertedTotal.Add(1)
	return id, nil
}

// SetText replaces the extracted text and OCR boxes for a snapshot, used
// when text is re-extracted after ingest. Boxes are replaced wholesale.
func (s *Store) SetText(ctx context.Context, id int64, text string, boxes []OCRBox) error {
	if err := s.guard(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE text_index SET content = ? WHERE rowid = ?`, text, id); err != nil {
		return rollback(tx, fmt.Errorf("failed to update text index: %w", err))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ocr_box WHERE snapshot_id = ?`, id); err != nil {
		return rollback(tx, fmt.Errorf("failed to clear ocr boxes: %w", err))
	}
	for _, box := range boxes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ocr_box (snapshot_id, text, x, y, w, h) VALUES (?, ?, ?, ?, ?, ?)
		`, id, box.Text, box.X, box.Y, box.W, box.H); err != nil {
			return rollback(tx, fmt.Errorf("failed to insert ocr box: %w", err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit text update: %w", err)
	}
	return nil
}

// Boxes returns the OCR boxes for a snapshot.
func (s *Store) Boxes(ctx context.Context, id int64) ([]OCRBox, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot_id, text, x, y, w, h FROM ocr_box WHERE snapshot_id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query ocr boxes: %w", err)
	}
	defer rows.Close()

	var boxes []OCRBox
	for rows.Next() {
		var b OCRBox
		if err := rows.Scan(&b.SnapshotID, &b.Text, &b.X, &b.Y, &b.W, &b.H); err != nil {
			return nil, fmt.Errorf("failed to scan ocr box: %w", err)
		}
		boxes = append(boxes, b)
	}
	return boxes, rows.Err()
}

func rollback(tx *sql.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("%v (rollback error: %w)", err, rbErr)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}

func nullHash(h uint64, ok bool) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(h), Valid: ok}
}

func scanSnapshot(scan func(dest ...any) error) (Snapshot, error) {
	var (
		s         Snapshot
		bundleID  sql.NullString
		appName   sql.NullString
		bytes     sql.NullInt64
		width     sql.NullInt64
		height    sql.NullInt64
		format    sql.NullString
		hash64    sql.NullInt64
		thumbPath sql.NullString
	)
	err := scan(&s.ID, &s.StartedAtMs, &s.Path, &bundleID, &appName, &bytes, &width, &height, &format, &hash64, &thumbPath)
	if err != nil {
		return s, err
	}
	s.AppBundleID = bundleID.String
	s.AppName = appName.String
	s.Bytes = bytes.Int64
	s.Width = int(width.Int64)
	s.Height = int(height.Int64)
	s.Format = format.String
	if hash64.Valid {
		s.Hash64 = uint64(hash64.Int64)
		s.HasHash = true
	}
	s.ThumbPath = thumbPath.String
	return s, nil
}

const snapshotColumns = `id, started_at_ms, path, app_bundle_id, app_name, bytes, width, height, format, hash64, thumb_path`

// filterClause renders a Filter into SQL fragments appended after an
// existing WHERE. prefix is the snapshot table alias including the dot.
func filterClause(f Filter, prefix string) (string, []any) {
	var (
		sb   strings.Builder
		args []any
	)
	if len(f.Apps) > 0 {
		sb.WriteString(" AND " + prefix + "app_bundle_id IN (")
		for i, app := range f.Apps {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("?")
			args = append(args, app)
		}
		sb.WriteString(")")
	}
	if f.SinceMs > 0 {
		sb.WriteString(" AND " + prefix + "started_at_ms >= ?")
		args = append(args, f.SinceMs)
	}
	if f.UntilMs > 0 {
		sb.WriteString(" AND " + prefix + "started_at_ms < ?")
		args = append(args, f.UntilMs)
	}
	return sb.String(), args
}
