// Package dedup suppresses near-duplicate captures using a 64-bit
// difference hash over a small luma grid.
package dedup

import (
	"image"
	"math/bits"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/rekal-dev/rekal/internal/metrics"
)

const (
	gridCols = 9
	gridRows = 8
)

// Hash computes the 64-bit dHash of an image: the frame is downsampled to a
// 9x8 luma grid and each bit records whether a sample is brighter than its
// right neighbor. The hash is invariant to recompression and small color
// shifts.
func Hash(img image.Image) uint64 {
	gray := image.NewGray(image.Rect(0, 0, gridCols, gridRows))
	draw.BiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	var h uint64
	for y := 0; y < gridRows; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+gridCols]
		for x := 0; x < gridCols-1; x++ {
			h <<= 1
			if row[x] > row[x+1] {
				h |= 1
			}
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes, in [0, 64].
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Policy is read per decision so live settings changes take effect
// immediately.
type Policy struct {
	// Threshold is the distance below which a frame counts as a duplicate.
	Threshold int
	// MaxInterval bounds staleness under a static screen: once this much
	// time has passed since the last accepted frame, the next candidate is
	// accepted regardless of distance.
	MaxInterval time.Duration
}

// Filter decides whether candidate frames should be persisted. It tracks the
// fingerprint and time of the last accepted frame; safe for concurrent use.
type Filter struct {
	mu           sync.Mutex
	lastHash     uint64
	lastAccepted time.Time
	seeded       bool
}

// NewFilter returns a Filter with no accepted frame yet; the first candidate
// is always accepted.
func NewFilter() *Filter {
	return &Filter{}
}

// ShouldKeep reports whether the frame with the given hash should be
// persisted, and records it as the last accepted frame when it should.
func (f *Filter) ShouldKeep(hash uint64, now time.Time, pol Policy) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.seeded {
		dist := Distance(hash, f.lastHash)
		if dist < pol.Threshold && now.Sub(f.lastAccepted) < pol.MaxInterval {
			metrics.FramesDedupedTotal.Add(1)
			return false
		}
	}

	f.lastHash = hash
	f.lastAccepted = now
	f.seeded = true
	return true
}

// Reset clears the last-accepted state, e.g. after capture restarts.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seeded = false
}
