package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "image/jpeg"

	"github.com/rekal-dev/rekal/internal/catalog"
	"github.com/rekal-dev/rekal/internal/compact"
	"github.com/rekal-dev/rekal/internal/config"
	"github.com/rekal-dev/rekal/internal/dedup"
	"github.com/rekal-dev/rekal/internal/embedding"
	"github.com/rekal-dev/rekal/internal/frame"
	"github.com/rekal-dev/rekal/internal/migrate"
	"github.com/rekal-dev/rekal/internal/vault"
)

const usage = `rekal: local timeline storage and retrieval

Usage:
  rekal ingest   -image <path> [-app <bundle-id>] [-name <app-name>] [-text <ocr-text>]
  rekal search   -query <text> [-apps a,b] [-since RFC3339] [-until RFC3339] [-limit 100] [-offset 0]
  rekal semantic -query <text> [-limit 10]
  rekal embed    [-limit 500] [-dim 768]
  rekal delete   -id <snapshot-id>
  rekal stats
  rekal compact
  rekal purge    -before <RFC3339|duration> [-delete-files] [-backup <dir>]
  rekal migrate  -to <dir>
  rekal vault    enable|unlock|lock [-passphrase <p>]
  rekal frame    -id <snapshot-id> [-out <file.png>] [-max-dim 0]

Global flags:
  -config      Settings file path (or REKAL_CONFIG; default ~/.rekal/config.yaml)
  -passphrase  Vault passphrase when encryption is enabled (or REKAL_PASSPHRASE)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	run := map[string]func(context.Context, []string) error{
		"ingest":   runIngest,
		"search":   runSearch,
		"semantic": runSemantic,
		"embed":    runEmbed,
		"delete":   runDelete,
		"stats":    runStats,
		"compact":  runCompact,
		"purge":    runPurge,
		"migrate":  runMigrate,
		"vault":    runVault,
		"frame":    runFrame,
	}

	switch cmd {
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fn, ok := run[cmd]
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", cmd)
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		if err := fn(ctx, args); err != nil {
			fmt.Fprintf(os.Stderr, "%s error: %v\n", cmd, err)
			os.Exit(1)
		}
	}
}

// commonFlags registers the flags every subcommand shares.
func commonFlags(flags *flag.FlagSet) (configPath, passphrase *string) {
	configPath = flags.String("config", os.Getenv("REKAL_CONFIG"), "Settings file path")
	passphrase = flags.String("passphrase", os.Getenv("REKAL_PASSPHRASE"), "Vault passphrase")
	return configPath, passphrase
}

type session struct {
	cfg      config.Settings
	settings *config.Store
	gate     *vault.Gate
	store    *catalog.Store
}

// openSession loads settings and opens the catalog, unlocking the vault
// first when encryption is enabled. The catalog reseals on Close.
func openSession(configPath, passphrase string) (*session, error) {
	settings := config.NewStore(configPath)
	cfg, err := settings.Load()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	gate := vault.NewGate(filepath.Join(cfg.StorageRoot, "vault"))
	dbPath := filepath.Join(cfg.StorageRoot, "db.sqlite")

	var store *catalog.Store
	if gate.Enabled() {
		if passphrase == "" {
			return nil, fmt.Errorf("vault is locked: pass -passphrase or set REKAL_PASSPHRASE")
		}
		if err := gate.Unlock(passphrase); err != nil {
			return nil, err
		}
		store, err = catalog.OpenEncrypted(dbPath, gate)
	} else {
		store, err = catalog.Open(dbPath, gate)
	}
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, settings: settings, gate: gate, store: store}, nil
}

func (s *session) Close() error {
	err := s.store.Close()
	s.gate.Lock()
	return err
}

func runIngest(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("ingest", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	imagePath := flags.String("image", "", "Image file to ingest")
	appID := flags.String("app", "", "Application bundle identifier")
	appName := flags.String("name", "", "Application display name")
	text := flags.String("text", "", "Extracted text for the full-text index")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *imagePath == "" {
		return fmt.Errorf("-image is required")
	}

	f, err := os.Open(*imagePath)
	if err != nil {
		return err
	}
	img, format, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode image: %w", err)
	}
	info, err := os.Stat(*imagePath)
	if err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	hash := dedup.Hash(img)
	pol := dedup.Policy{
		Threshold:   sess.cfg.Dedup.Threshold,
		MaxInterval: sess.cfg.Dedup.MaxInterval.Std(),
	}

	// seed the duplicate filter from the most recent persisted frame so a
	// burst of identical captures across invocations is still suppressed
	filter := dedup.NewFilter()
	now := time.Now()
	if last, err := sess.store.Latest(ctx, catalog.Filter{}, 1, 0); err == nil && len(last) == 1 && last[0].HasHash {
		filter.ShouldKeep(last[0].Hash64, time.UnixMilli(last[0].StartedAtMs), pol)
	}
	if !filter.ShouldKeep(hash, now, pol) {
		return writeJSON(map[string]any{"kept": false, "reason": "near-duplicate of last frame"})
	}

	// place the media under the canonical layout:
	// Snapshots/<yyyy-mm-dd>/snap-<epoch-ms>.<ext>
	destDir := filepath.Join(sess.cfg.StorageRoot, "Snapshots", now.Format("2006-01-02"))
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	dest := filepath.Join(destDir, fmt.Sprintf("snap-%d%s", now.UnixMilli(), filepath.Ext(*imagePath)))
	if err := copyFile(*imagePath, dest); err != nil {
		return fmt.Errorf("store media: %w", err)
	}

	b := img.Bounds()
	id, err := sess.store.Insert(ctx, catalog.InsertRecord{
		StartedAtMs: now.UnixMilli(),
		Path:        dest,
		Text:        *text,
		AppBundleID: *appID,
		AppName:     *appName,
		Bytes:       info.Size(),
		Width:       b.Dx(),
		Height:      b.Dy(),
		Format:      format,
		Hash64:      hash,
		HasHash:     true,
	})
	if err != nil {
		return err
	}
	return writeJSON(map[string]any{"kept": true, "id": id})
}

// parseFilter builds a catalog filter from the shared -apps/-since/-until flags.
func parseFilter(apps, since, until string) (catalog.Filter, error) {
	var f catalog.Filter
	if apps != "" {
		f.Apps = strings.Split(apps, ",")
	}
	if since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return f, fmt.Errorf("parse -since: %w", err)
		}
		f.SinceMs = t.UnixMilli()
	}
	if until != "" {
		t, err := time.Parse(time.RFC3339, until)
		if err != nil {
			return f, fmt.Errorf("parse -until: %w", err)
		}
		f.UntilMs = t.UnixMilli()
	}
	return f, nil
}

func runSearch(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("search", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	query := flags.String("query", "", "Full-text query; each word must match, use a|b for alternatives")
	apps := flags.String("apps", "", "Comma-separated application identifiers")
	since := flags.String("since", "", "Lower time bound, RFC3339")
	until := flags.String("until", "", "Upper time bound, RFC3339 (exclusive)")
	limit := flags.Int("limit", 100, "Max results")
	offset := flags.Int("offset", 0, "Results to skip")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return fmt.Errorf("-query is required")
	}
	filter, err := parseFilter(*apps, *since, *until)
	if err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	rows, err := sess.store.Search(ctx, catalog.SearchQuery{
		Parts:  strings.Fields(*query),
		Filter: filter,
		Limit:  *limit,
		Offset: *offset,
	})
	if err != nil {
		return err
	}
	return writeJSON(rows)
}

func runSemantic(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("semantic", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	query := flags.String("query", "", "Natural-language query")
	limit := flags.Int("limit", 10, "Max results")
	dim := flags.Int("dim", 768, "Embedding dimension")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *query == "" {
		return fmt.Errorf("-query is required")
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	embedder := newEmbedder(sess.cfg, *dim)
	vec, err := embedder.Embed(ctx, *query)
	if err != nil {
		return err
	}
	// score a wide recent window, then keep the best few
	candidates, err := sess.store.EmbeddingCandidates(ctx, embedder.Identity(), catalog.Filter{}, 5000, 0)
	if err != nil {
		return err
	}

	type scored struct {
		catalog.Snapshot
		Score float32 `json:"score"`
	}
	results := make([]scored, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, scored{Snapshot: c.Snapshot, Score: float32(embedding.Dot(vec, c.Vector))})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > *limit {
		results = results[:*limit]
	}
	return writeJSON(results)
}

// newEmbedder picks the provider from settings: an API key selects the
// OpenAI-compatible client, otherwise a local Ollama endpoint is assumed.
func newEmbedder(cfg config.Settings, dim int) *embedding.Client {
	if cfg.Embedding.APIKey != "" {
		return embedding.NewClient(cfg.Embedding.BaseURL, cfg.Embedding.APIKey, cfg.Embedding.Model, dim)
	}
	return embedding.NewOllamaClient(cfg.Embedding.BaseURL, cfg.Embedding.Model, dim)
}

// runEmbed backfills vectors for snapshots whose text has not been embedded
// in the configured embedding space yet.
func runEmbed(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("embed", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	limit := flags.Int("limit", 500, "Max snapshots to embed in one run")
	dim := flags.Int("dim", 768, "Embedding dimension")

	if err := flags.Parse(args); err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	embedder := newEmbedder(sess.cfg, *dim)
	pending, err := sess.store.MissingEmbeddings(ctx, embedder.Identity(), *limit)
	if err != nil {
		return err
	}

	var embedded, failed int
	for _, snap := range pending {
		text, err := sess.store.TextOf(ctx, snap.ID)
		if err != nil {
			return err
		}
		if text == "" {
			continue
		}
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "embed snapshot %d: %v\n", snap.ID, err)
			continue
		}
		if err := sess.store.UpsertEmbedding(ctx, snap.ID, embedder.Identity(), vec, time.Now().UnixMilli()); err != nil {
			return err
		}
		embedded++
	}
	return writeJSON(map[string]any{"embedded": embedded, "failed": failed, "pending": len(pending)})
}

func runDelete(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("delete", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	id := flags.Int64("id", 0, "Snapshot id to delete")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.store.DeleteSnapshot(ctx, *id); err != nil {
		return err
	}
	return writeJSON(map[string]any{"deleted": *id})
}

func runStats(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("stats", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	count, err := sess.store.CountSnapshots(ctx)
	if err != nil {
		return err
	}
	bytes, err := sess.store.BytesStored(ctx)
	if err != nil {
		return err
	}
	apps, err := sess.store.AppCounts(ctx)
	if err != nil {
		return err
	}

	now := float64(time.Now().Unix())
	usage24h, err := sess.store.UsageSeconds(ctx, now-86400, now, now)
	if err != nil {
		return err
	}
	sealed, live := countSegments(filepath.Join(sess.cfg.StorageRoot, "Videos"))

	return writeJSON(map[string]any{
		"snapshots":       count,
		"bytes_stored":    bytes,
		"usage_24h_s":     usage24h,
		"vault_state":     sess.gate.State().String(),
		"sealed_segments": sealed,
		"live_segments":   live,
		"apps":            apps,
	})
}

// countSegments audits the video directory: sealed containers versus live
// plaintext segment files.
func countSegments(dir string) (sealed, live int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "seg-") {
			continue
		}
		if vault.IsSealed(filepath.Join(dir, e.Name())) {
			sealed++
		} else {
			live++
		}
	}
	return sealed, live
}

func runCompact(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("compact", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	return compact.NewEngine(sess.store, sess.settings).Run(ctx, time.Now())
}

func runPurge(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("purge", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	before := flags.String("before", "", "Cutoff: RFC3339 timestamp or age like 720h")
	deleteFiles := flags.Bool("delete-files", false, "Also delete or archive backing media files")
	backup := flags.String("backup", "", "Move purged media here instead of deleting")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *before == "" {
		return fmt.Errorf("-before is required")
	}
	cutoff, err := parseCutoff(*before)
	if err != nil {
		return err
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	n, err := sess.store.Purge(ctx, cutoff.UnixMilli(), catalog.PurgeOptions{
		DeleteFiles: *deleteFiles || *backup != "",
		BackupDir:   *backup,
	})
	if err != nil {
		return err
	}
	return writeJSON(map[string]any{"purged": n, "cutoff": cutoff.Format(time.RFC3339)})
}

// parseCutoff accepts either an absolute RFC3339 timestamp or a duration,
// which is interpreted as an age relative to now.
func parseCutoff(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("-before must be RFC3339 or a duration: %q", s)
	}
	return time.Now().Add(-d), nil
}

func runMigrate(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("migrate", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	to := flags.String("to", "", "New storage root directory")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return fmt.Errorf("-to is required")
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	m := migrate.New(migrate.Hooks{
		CloseCatalog: func() error { return sess.store.Close() },
		ReopenCatalog: func(root string) error {
			dbPath := filepath.Join(root, "db.sqlite")
			if sess.gate.Enabled() {
				sess.store, err = catalog.OpenEncrypted(dbPath, sess.gate)
			} else {
				sess.store, err = catalog.Open(dbPath, sess.gate)
			}
			return err
		},
		PersistRoot: sess.settings.SetStorageRoot,
		RewritePaths: func(ctx context.Context, oldRoot, newRoot string) (int64, error) {
			return sess.store.RewritePathPrefix(ctx, oldRoot, newRoot)
		},
	})
	if err := m.Migrate(ctx, sess.cfg.StorageRoot, *to); err != nil {
		return err
	}
	return writeJSON(map[string]any{"storage_root": *to})
}

func runVault(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: rekal vault enable|unlock|lock [-passphrase <p>]")
	}
	sub := args[0]

	flags := flag.NewFlagSet("vault "+sub, flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	settings := config.NewStore(*configPath)
	cfg, err := settings.Load()
	if err != nil {
		return err
	}
	gate := vault.NewGate(filepath.Join(cfg.StorageRoot, "vault"))
	dbPath := filepath.Join(cfg.StorageRoot, "db.sqlite")

	switch sub {
	case "enable":
		if *passphrase == "" {
			return fmt.Errorf("-passphrase is required")
		}
		if err := gate.Enable(*passphrase, cfg.Vault.KDFIterations); err != nil {
			return err
		}
		// seal the existing catalog under the new key
		if _, err := os.Stat(dbPath); err == nil {
			store, err := catalog.OpenEncrypted(dbPath, gate)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
		}
		gate.Lock()
	case "unlock":
		if *passphrase == "" {
			return fmt.Errorf("-passphrase is required")
		}
		if err := gate.Unlock(*passphrase); err != nil {
			return err
		}
		gate.Lock()
	case "lock":
		// repair path: a plaintext catalog left behind by a crash is
		// resealed, which needs the key
		if _, err := os.Stat(dbPath); err == nil && gate.Enabled() {
			if *passphrase == "" {
				return fmt.Errorf("plaintext catalog present: -passphrase is required to reseal it")
			}
			if err := gate.Unlock(*passphrase); err != nil {
				return err
			}
			store, err := catalog.OpenEncrypted(dbPath, gate)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			gate.Lock()
		}
	default:
		return fmt.Errorf("unknown vault subcommand: %s", sub)
	}
	return writeJSON(map[string]any{"vault_state": gate.State().String()})
}

func runFrame(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("frame", flag.ContinueOnError)
	flags.SetOutput(os.Stderr)
	configPath, passphrase := commonFlags(flags)

	id := flags.Int64("id", 0, "Snapshot id to render")
	out := flags.String("out", "", "Output PNG path (default stdout)")
	maxDim := flags.Int("max-dim", 0, "Downsample so the longer edge is at most this (0 = original size)")

	if err := flags.Parse(args); err != nil {
		return err
	}
	if *id == 0 {
		return fmt.Errorf("-id is required")
	}

	sess, err := openSession(*configPath, *passphrase)
	if err != nil {
		return err
	}
	defer sess.Close()

	snap, err := sess.store.SnapshotByID(ctx, *id)
	if err != nil {
		return err
	}
	img, err := frame.NewResolver(sess.gate).Still(ctx, snap, *maxDim)
	if err != nil {
		return err
	}

	w := os.Stdout
	if *out != "" {
		w, err = os.Create(*out)
		if err != nil {
			return err
		}
		defer w.Close()
	}
	return png.Encode(w, img)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func writeJSON(value interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
