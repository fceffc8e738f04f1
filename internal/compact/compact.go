// Package compact degrades and purges aging catalog entries to control
// storage growth: aging images are re-encoded smaller, video-backed rows are
// pruned at row granularity with whole-segment file removal, and rows past
// the retention window are purged outright.
package compact

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"time"

	_ "image/png"

	"github.com/rekal-dev/rekal/internal/catalog"
	"github.com/rekal-dev/rekal/internal/config"
	"github.com/rekal-dev/rekal/internal/frame"
	"github.com/rekal-dev/rekal/internal/metrics"
)

// batchSize bounds how many rows one maintenance pass touches.
const batchSize = 500

// Engine runs compaction and retention maintenance against one catalog.
type Engine struct {
	store    *catalog.Store
	settings *config.Store
}

// NewEngine creates a compaction engine. Settings are read live at each run
// so threshold edits apply to in-flight maintenance.
func NewEngine(store *catalog.Store, settings *config.Store) *Engine {
	return &Engine{store: store, settings: settings}
}

// Run performs one maintenance pass: age-based degrading followed by the
// retention purge. Per-item failures are skipped; the pass continues.
func (e *Engine) Run(ctx context.Context, now time.Time) error {
	cfg, err := e.settings.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// close out usage sessions left open past the staleness bound, so the
	// table does not accumulate open rows forever
	if n, err := e.store.FinalizeStaleSessions(ctx, float64(now.Unix())); err != nil {
		slog.Warn("failed to finalize stale usage sessions", "error", err)
	} else if n > 0 {
		slog.Info("finalized stale usage sessions", "sessions", n)
	}

	if cfg.VideoMode {
		if err := e.pruneVideo(ctx, now, cfg); err != nil {
			return err
		}
	} else {
		if err := e.compactImages(ctx, now, cfg); err != nil {
			return err
		}
	}

	if cfg.Retention.Window > 0 {
		cutoff := now.Add(-cfg.Retention.Window.Std()).UnixMilli()
		n, err := e.store.Purge(ctx, cutoff, catalog.PurgeOptions{
			DeleteFiles: true,
			BackupDir:   cfg.Retention.BackupDir,
		})
		if err != nil {
			return fmt.Errorf("retention purge: %w", err)
		}
		if n > 0 {
			slog.Info("retention purge complete", "rows", n)
		}
	}
	return nil
}

// compactImages re-encodes image-backed entries older than the configured
// age to a smaller size and quality, swapping files atomically and updating
// the catalog's media fields.
func (e *Engine) compactImages(ctx context.Context, now time.Time, cfg config.Settings) error {
	cutoff := now.Add(-cfg.Compact.Age.Std()).UnixMilli()
	snaps, err := e.store.CompactionBatch(ctx, cutoff, cfg.Compact.MaxDimension, batchSize)
	if err != nil {
		return fmt.Errorf("list compaction batch: %w", err)
	}

	for _, snap := range snaps {
		if err := e.compactOne(ctx, snap, cfg); err != nil {
			metrics.CompactionSkippedTotal.Add(1)
			slog.Warn("compaction skipped entry", "id", snap.ID, "error", err)
			continue
		}
		metrics.CompactionProcessedTotal.Add(1)
	}
	return nil
}

func (e *Engine) compactOne(ctx context.Context, snap catalog.Snapshot, cfg config.Settings) error {
	f, err := os.Open(snap.Path)
	if err != nil {
		return fmt.Errorf("open media: %w", err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("decode media: %w", err)
	}

	small := frame.Downsample(img, cfg.Compact.MaxDimension)

	// write-temp-then-swap so readers never see a truncated file
	tmp := snap.Path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if err := jpeg.Encode(out, small, &jpeg.Options{Quality: cfg.Compact.JPEGQuality}); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, snap.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("swap media: %w", err)
	}

	info, err := os.Stat(snap.Path)
	if err != nil {
		return err
	}
	b := small.Bounds()
	if err := e.store.UpdateMedia(ctx, snap.ID, info.Size(), b.Dx(), b.Dy(), catalog.FormatJPEG); err != nil {
		return fmt.Errorf("update catalog: %w", err)
	}
	return nil
}

// pruneVideo deletes catalog rows older than the compaction cutoff without
// touching files, then removes segment files whose entire window has aged
// out. A segment is never partially deleted: it goes only when its start
// plus the segment duration is older than the cutoff.
func (e *Engine) pruneVideo(ctx context.Context, now time.Time, cfg config.Settings) error {
	cutoff := now.Add(-cfg.Compact.Age.Std())

	// list before purging: a fully expired segment loses all of its rows
	// below and would otherwise never be found for file removal
	paths, err := e.store.DistinctPaths(ctx, "%seg-%")
	if err != nil {
		return err
	}

	n, err := e.store.Purge(ctx, cutoff.UnixMilli(), catalog.PurgeOptions{})
	if err != nil {
		return fmt.Errorf("prune video rows: %w", err)
	}
	if n > 0 {
		metrics.CompactionProcessedTotal.Add(n)
		slog.Info("pruned video-backed rows", "rows", n)
	}

	if removed := e.removeExpiredSegments(paths, cutoff); removed > 0 {
		slog.Info("removed expired segments", "count", removed)
	}
	return nil
}

// removeExpiredSegments deletes segment files (live and sealed) whose whole
// window is older than the cutoff. Per-file failures are logged and skipped.
func (e *Engine) removeExpiredSegments(paths []string, cutoff time.Time) int {
	var removed int
	for _, p := range paths {
		start, err := frame.SegmentStart(p)
		if err != nil {
			slog.Warn("unparseable segment name during prune", "path", p, "error", err)
			continue
		}
		if start.Add(frame.SegmentDuration).After(cutoff) {
			continue
		}
		for _, target := range []string{p, p + catalog.SealedSuffix} {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				metrics.CompactionSkippedTotal.Add(1)
				slog.Warn("failed to remove expired segment", "path", target, "error", err)
			}
		}
		removed++
	}
	return removed
}
