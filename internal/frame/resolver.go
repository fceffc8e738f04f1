// Package frame resolves a snapshot timestamp to a single still frame
// inside a rolling video segment, with multi-pass tolerant seeking, and
// produces downsampled stills and thumbnails for image-backed rows.
package frame

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/image/draw"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/rekal-dev/rekal/internal/catalog"
	"github.com/rekal-dev/rekal/internal/metrics"
	"github.com/rekal-dev/rekal/internal/vault"
)

// extractWorkers bounds concurrent ffmpeg invocations; frame extraction is
// bursty under hover/preview usage and each decode is expensive.
const extractWorkers = 3

// Request identifies one frame to resolve.
type Request struct {
	// Path is the media file recorded on the snapshot row.
	Path string
	// StartedAtMs is the snapshot timestamp the frame should show.
	StartedAtMs int64
	// MaxDim, when positive, downsamples the result so its longer edge
	// does not exceed this many pixels.
	MaxDim int
}

func (r Request) key() string {
	return fmt.Sprintf("%s|%d|%d", r.Path, r.StartedAtMs, r.MaxDim)
}

// Resolver extracts frames from video segments. Concurrent requests for the
// same (path, timestamp, size) key are coalesced into one in-flight
// extraction whose result fans out to all waiters.
type Resolver struct {
	gate   *vault.Gate
	group  singleflight.Group
	sem    *semaphore.Weighted
	ffmpeg string
}

// NewResolver creates a resolver. gate may be nil when the vault is not in
// use.
func NewResolver(gate *vault.Gate) *Resolver {
	return &Resolver{
		gate:   gate,
		sem:    semaphore.NewWeighted(extractWorkers),
		ffmpeg: "ffmpeg",
	}
}

// Resolve produces the still frame for a video-backed snapshot.
func (r *Resolver) Resolve(ctx context.Context, req Request) (image.Image, error) {
	v, err, shared := r.group.Do(req.key(), func() (any, error) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.sem.Release(1)
		return r.resolve(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		metrics.FramesCoalescedTotal.Add(1)
	}
	return v.(image.Image), nil
}

func (r *Resolver) resolve(ctx context.Context, req Request) (image.Image, error) {
	// The segment window comes from the catalog path: a sealed segment's
	// decrypted copy carries a randomized temp name that does not parse.
	start, err := SegmentStart(req.Path)
	if err != nil {
		return nil, err
	}
	offset := OffsetInSegment(req.StartedAtMs, start)

	playable, cleanup, err := r.playablePath(req.Path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	img, err := r.extractTolerant(ctx, playable, offset)
	if err != nil {
		return nil, err
	}
	metrics.FramesExtractedTotal.Add(1)
	return Downsample(img, req.MaxDim), nil
}

// playablePath returns a path ffmpeg can read: the live file when present,
// else the sealed sibling decrypted into a scoped temp file. The returned
// cleanup always runs, so a decrypted copy never outlives the call.
func (r *Resolver) playablePath(path string) (string, func(), error) {
	noop := func() {}
	if _, err := os.Stat(path); err == nil {
		return path, noop, nil
	}

	sealed := path + catalog.SealedSuffix
	if _, err := os.Stat(sealed); err != nil {
		return "", noop, fmt.Errorf("segment not found: %s", path)
	}
	if r.gate == nil {
		return "", noop, vault.ErrDisabled
	}

	tmp := filepath.Join(os.TempDir(), "rekal-"+uuid.NewString()+filepath.Base(path))
	if err := r.gate.Unseal(sealed, tmp); err != nil {
		// Locked vault with no live copy on disk: fail closed.
		return "", noop, err
	}
	return tmp, func() {
		if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove decrypted segment copy", "path", tmp, "error", err)
		}
	}, nil
}

// extractTolerant seeks in escalating passes. Long-GOP codecs cannot always
// produce an exact-time frame, especially near segment boundaries or before
// the encoder has flushed, so each pass widens what counts as close enough:
//
//	pass 1: the exact offset
//	pass 2: small forward/backward nudges around it
//	pass 3: a widened window, more generous backward than forward
//	pass 4: fixed backward steps up to a bounded lookback
func (r *Resolver) extractTolerant(ctx context.Context, path string, offset time.Duration) (image.Image, error) {
	passes := [][]time.Duration{
		{offset},
		nudges(offset, 50*time.Millisecond, 100*time.Millisecond, 200*time.Millisecond),
		{offset - 400*time.Millisecond, offset - 700*time.Millisecond, offset - time.Second, offset + 250*time.Millisecond},
		backwardSteps(offset, 250*time.Millisecond, 3*time.Second),
	}

	var lastErr error
	tried := map[time.Duration]bool{}
	for i, pass := range passes {
		for _, at := range pass {
			if at < 0 {
				at = 0
			}
			if tried[at] {
				continue
			}
			tried[at] = true

			img, err := r.extractAt(ctx, path, at)
			if err == nil {
				if i > 0 {
					slog.Debug("frame resolved on widened pass", "pass", i+1, "offset", at)
				}
				return img, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("no frame obtainable near %s: %w", offset, lastErr)
}

func nudges(offset time.Duration, deltas ...time.Duration) []time.Duration {
	out := make([]time.Duration, 0, 2*len(deltas))
	for _, d := range deltas {
		out = append(out, offset-d, offset+d)
	}
	return out
}

func backwardSteps(offset, step, lookback time.Duration) []time.Duration {
	var out []time.Duration
	for d := step; d <= lookback; d += step {
		at := offset - d
		out = append(out, at)
		if at <= 0 {
			break
		}
	}
	return out
}

// extractAt decodes one frame at the given offset via ffmpeg, streamed as
// PNG over stdout.
func (r *Resolver) extractAt(ctx context.Context, path string, at time.Duration) (image.Image, error) {
	cmd := exec.CommandContext(ctx, r.ffmpeg,
		"-loglevel", "error",
		"-ss", fmt.Sprintf("%.3f", at.Seconds()),
		"-i", path,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "png",
		"-",
	)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg at %s: %v: %s", at, err, errBuf.String())
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("ffmpeg produced no frame at %s", at)
	}
	img, err := png.Decode(&out)
	if err != nil {
		return nil, fmt.Errorf("decode extracted frame: %w", err)
	}
	return img, nil
}

// Downsample scales img so its longer edge is at most maxDim, using
// high-quality resampling. Images already small enough are returned as is.
// Safe to call off the main goroutine; the kernel is stateless and shared.
func Downsample(img image.Image, maxDim int) image.Image {
	if maxDim <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = h * maxDim / w
	} else {
		nh = maxDim
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Still loads the renderable content for any snapshot: video rows go
// through tolerant seeking, image rows are decoded (from the live file or
// the sealed sibling) and downsampled.
func (r *Resolver) Still(ctx context.Context, snap catalog.Snapshot, maxDim int) (image.Image, error) {
	if snap.Format == catalog.FormatVideo {
		return r.Resolve(ctx, Request{Path: snap.Path, StartedAtMs: snap.StartedAtMs, MaxDim: maxDim})
	}

	playable, cleanup, err := r.playablePath(snap.Path)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	f, err := os.Open(playable)
	if err != nil {
		return nil, fmt.Errorf("open snapshot media: %w", err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot media: %w", err)
	}
	return Downsample(img, maxDim), nil
}

// WriteThumbnail renders a poster image for a snapshot and writes it as
// JPEG to thumbPath.
func (r *Resolver) WriteThumbnail(ctx context.Context, snap catalog.Snapshot, thumbPath string, maxDim int) error {
	img, err := r.Still(ctx, snap, maxDim)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(thumbPath), 0o755); err != nil {
		return fmt.Errorf("create thumbnail directory: %w", err)
	}
	tmp := thumbPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create thumbnail: %w", err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 80}); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, thumbPath)
}
