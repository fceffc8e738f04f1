package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rekal-dev/rekal/internal/vault"
)

func TestOpenCreatesSchema(t *testing.T) {
	var store = setupTestStore(t)

	var count int
	var err = store.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE name IN ('snapshot', 'text_index', 'ocr_box', 'embedding', 'usage_session')
	`).Scan(&count)
	if err != nil {
		t.Fatalf("Failed to query schema: %v", err)
	}
	if count < 5 {
		t.Errorf("Expected at least 5 schema objects, got %d", count)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	var dbPath = filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		store, err := Open(dbPath, nil)
		if err != nil {
			t.Fatalf("Open %d failed: %v", i, err)
		}
		if err := store.Close(); err != nil {
			t.Fatalf("Close %d failed: %v", i, err)
		}
	}
}

func TestMigrationsAddColumns(t *testing.T) {
	var store = setupTestStore(t)

	// migrated columns must be writable
	var _, err = store.db.Exec(`
		INSERT INTO snapshot (started_at_ms, path, hash64, thumb_path) VALUES (1, '/x', 42, '/t')
	`)
	if err != nil {
		t.Fatalf("Migrated snapshot columns missing: %v", err)
	}
	_, err = store.db.Exec(`
		INSERT INTO embedding (snapshot_id, dim, vec, updated_at_ms, provider, model)
		VALUES (1, 1, x'00000000', 0, 'p', 'm')
	`)
	if err != nil {
		t.Fatalf("Migrated embedding columns missing: %v", err)
	}
}

func TestInsertRoundTrip(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()

	var rec = InsertRecord{
		StartedAtMs: 1700000000123,
		Path:        "/root/Snapshots/2023-11-14/snap-1700000000123.jpeg",
		Text:        "quarterly invoice from acme",
		AppBundleID: "com.example.mail",
		AppName:     "Mail",
		Bytes:       2048,
		Width:       1920,
		Height:      1080,
		Format:      FormatJPEG,
		Hash64:      0xdeadbeef,
		HasHash:     true,
		Boxes: []OCRBox{
			{Text: "invoice", X: 0.1, Y: 0.2, W: 0.3, H: 0.05},
			{Text: "acme", X: 0.1, Y: 0.3, W: 0.2, H: 0.05},
		},
	}

	var id = mustInsert(t, store, rec)

	snap, err := store.SnapshotByID(ctx, id)
	if err != nil {
		t.Fatalf("SnapshotByID failed: %v", err)
	}
	if snap.StartedAtMs != rec.StartedAtMs {
		t.Errorf("StartedAtMs = %d, want %d", snap.StartedAtMs, rec.StartedAtMs)
	}
	if snap.Path != rec.Path {
		t.Errorf("Path = %q, want %q", snap.Path, rec.Path)
	}
	if snap.AppBundleID != rec.AppBundleID || snap.AppName != rec.AppName {
		t.Errorf("app context = (%q, %q), want (%q, %q)", snap.AppBundleID, snap.AppName, rec.AppBundleID, rec.AppName)
	}
	if !snap.HasHash || snap.Hash64 != rec.Hash64 {
		t.Errorf("Hash64 = (%v, %x), want (true, %x)", snap.HasHash, snap.Hash64, rec.Hash64)
	}

	boxes, err := store.Boxes(ctx, id)
	if err != nil {
		t.Fatalf("Boxes failed: %v", err)
	}
	if len(boxes) != 2 {
		t.Errorf("expected 2 boxes, got %d", len(boxes))
	}
}

func TestInsertCreatesTextIndexTwin(t *testing.T) {
	var store = setupTestStore(t)
	var id = mustInsert(t, store, InsertRecord{StartedAtMs: 1, Path: "/a", Text: "needle haystack"})

	var content string
	var err = store.db.QueryRow(`SELECT content FROM text_index WHERE rowid = ?`, id).Scan(&content)
	if err != nil {
		t.Fatalf("text index twin missing: %v", err)
	}
	if content != "needle haystack" {
		t.Errorf("content = %q", content)
	}
}

func TestSnapshotByIDNotFound(t *testing.T) {
	var store = setupTestStore(t)
	var _, err = store.SnapshotByID(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSetTextReplacesBoxes(t *testing.T) {
	var store = setupTestStore(t)
	var ctx = context.Background()
	var id = mustInsert(t, store, InsertRecord{
		StartedAtMs: 1, Path: "/a", Text: "old",
		Boxes: []OCRBox{{Text: "old", X: 0, Y: 0, W: 1, H: 1}},
	})

	var err = store.SetText(ctx, id, "fresh text", []OCRBox{
		{Text: "fresh", X: 0.5, Y: 0.5, W: 0.1, H: 0.1},
	})
	if err != nil {
		t.Fatalf("SetText failed: %v", err)
	}

	results, err := store.Search(ctx, SearchQuery{Parts: []string{"fresh"}})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected updated text to match, got %d results", len(results))
	}

	boxes, err := store.Boxes(ctx, id)
	if err != nil {
		t.Fatalf("Boxes failed: %v", err)
	}
	if len(boxes) != 1 || boxes[0].Text != "fresh" {
		t.Errorf("boxes not replaced wholesale: %+v", boxes)
	}
}

func TestPlainOpenRefusedWhileVaultEnabled(t *testing.T) {
	var tmp = t.TempDir()
	var gate = vault.NewGate(filepath.Join(tmp, "vault"))
	if err := gate.Enable("pw", 1000); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	var _, err = Open(filepath.Join(tmp, "db.sqlite"), gate)
	if !errors.Is(err, ErrPlainOpenRefused) {
		t.Errorf("expected ErrPlainOpenRefused, got %v", err)
	}

	gate.Lock()
	_, err = Open(filepath.Join(tmp, "db.sqlite"), gate)
	if !errors.Is(err, ErrVaultLocked) {
		t.Errorf("expected ErrVaultLocked while locked, got %v", err)
	}
}

func TestEncryptedLifecycle(t *testing.T) {
	var tmp = t.TempDir()
	var dbPath = filepath.Join(tmp, "db.sqlite")
	var gate = vault.NewGate(filepath.Join(tmp, "vault"))
	if err := gate.Enable("pw", 1000); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}

	store, err := OpenEncrypted(dbPath, gate)
	if err != nil {
		t.Fatalf("OpenEncrypted failed: %v", err)
	}
	var id = mustInsert(t, store, InsertRecord{StartedAtMs: 1, Path: "/a", Text: "secret ledger"})
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// plaintext database must be gone, sealed container present
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Error("plaintext database left behind after encrypted close")
	}
	if _, err := os.Stat(dbPath + SealedSuffix); err != nil {
		t.Fatalf("sealed container missing: %v", err)
	}

	// reopen and read back through the keyed path
	store2, err := OpenEncrypted(dbPath, gate)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store2.Close()
	snap, err := store2.SnapshotByID(context.Background(), id)
	if err != nil {
		t.Fatalf("read after reopen failed: %v", err)
	}
	if snap.Path != "/a" {
		t.Errorf("unexpected row after reseal round trip: %+v", snap)
	}
}

func TestOperationsFailClosedWhenLocked(t *testing.T) {
	var tmp = t.TempDir()
	var gate = vault.NewGate(filepath.Join(tmp, "vault"))
	if err := gate.Enable("pw", 1000); err != nil {
		t.Fatalf("Enable failed: %v", err)
	}
	store, err := OpenEncrypted(filepath.Join(tmp, "db.sqlite"), gate)
	if err != nil {
		t.Fatalf("OpenEncrypted failed: %v", err)
	}
	defer store.Close()

	gate.Lock()
	defer gate.Unlock("pw")

	var ctx = context.Background()
	if _, err := store.Insert(ctx, InsertRecord{StartedAtMs: 1, Path: "/a"}); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Insert while locked: got %v", err)
	}
	if _, err := store.Search(ctx, SearchQuery{Parts: []string{"x"}}); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Search while locked: got %v", err)
	}
	if _, err := store.Latest(ctx, Filter{}, 1, 0); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("Latest while locked: got %v", err)
	}
	if _, err := store.BytesStored(ctx); !errors.Is(err, ErrVaultLocked) {
		t.Errorf("BytesStored while locked: got %v", err)
	}
}
