package catalog

import (
	"database/sql"
	"fmt"
)

// initialSchema is the base catalog layout. Later columns arrive through the
// additive migration list below, never by editing this block.
const initialSchema = `-- Snapshot rows are the system of record for every captured moment
CREATE TABLE IF NOT EXISTS snapshot (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at_ms INTEGER NOT NULL,
    path TEXT NOT NULL,
    app_bundle_id TEXT,
    app_name TEXT,
    bytes INTEGER,
    width INTEGER,
    height INTEGER,
    format TEXT
);

-- Full-text index; rowid is kept equal to snapshot.id
CREATE VIRTUAL TABLE IF NOT EXISTS text_index USING fts5(content);

-- OCR boxes in unit image space, replaced wholesale per snapshot
CREATE TABLE IF NOT EXISTS ocr_box (
    snapshot_id INTEGER NOT NULL,
    text TEXT NOT NULL,
    x REAL NOT NULL,
    y REAL NOT NULL,
    w REAL NOT NULL,
    h REAL NOT NULL
);

-- At most one embedding per snapshot, tagged with its embedding space
CREATE TABLE IF NOT EXISTS embedding (
    snapshot_id INTEGER PRIMARY KEY,
    dim INTEGER NOT NULL,
    vec BLOB NOT NULL,
    updated_at_ms INTEGER NOT NULL
);

-- Contiguous intervals of active capture; end_s NULL means still open
CREATE TABLE IF NOT EXISTS usage_session (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    start_s REAL NOT NULL,
    end_s REAL
);

CREATE INDEX IF NOT EXISTS idx_snapshot_started ON snapshot(started_at_ms DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_snapshot_app ON snapshot(app_bundle_id);
CREATE INDEX IF NOT EXISTS idx_ocr_box_snapshot ON ocr_box(snapshot_id);
`

// migration is one idempotent schema step: probe reports whether the step has
// already been applied, apply performs it. Steps run in order on every open,
// so re-running is always safe and never destructive.
type migration struct {
	name  string
	probe func(db *sql.DB) (bool, error)
	apply string
}

func columnExists(table, column string) func(db *sql.DB) (bool, error) {
	return func(db *sql.DB) (bool, error) {
		rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
		if err != nil {
			return false, err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				cid     int
				name    string
				ctype   string
				notNull int
				dflt    sql.NullString
				pk      int
			)
			if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
				return false, err
			}
			if name == column {
				return true, nil
			}
		}
		return false, rows.Err()
	}
}

var migrations = []migration{
	{
		name:  "snapshot.hash64",
		probe: columnExists("snapshot", "hash64"),
		apply: `ALTER TABLE snapshot ADD COLUMN hash64 INTEGER`,
	},
	{
		name:  "snapshot.thumb_path",
		probe: columnExists("snapshot", "thumb_path"),
		apply: `ALTER TABLE snapshot ADD COLUMN thumb_path TEXT`,
	},
	{
		name:  "embedding.provider",
		probe: columnExists("embedding", "provider"),
		apply: `ALTER TABLE embedding ADD COLUMN provider TEXT NOT NULL DEFAULT ''`,
	},
	{
		name:  "embedding.model",
		probe: columnExists("embedding", "model"),
		apply: `ALTER TABLE embedding ADD COLUMN model TEXT NOT NULL DEFAULT ''`,
	},
}
