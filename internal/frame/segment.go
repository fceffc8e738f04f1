package frame

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// SegmentDuration is the rolling window one video segment covers.
const SegmentDuration = 60 * time.Second

const segmentPrefix = "seg-"
const segmentTimeLayout = "2006-01-02-15-04-05"

// SegmentStart derives a segment's start time from its filename, which
// follows the convention seg-yyyy-MM-dd-HH-mm-ss.<ext>. The time is taken
// as local time, matching how segments are named at capture.
func SegmentStart(path string) (time.Time, error) {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	// sealed segments carry a double extension: seg-....mp4.sealed
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if !strings.HasPrefix(base, segmentPrefix) {
		return time.Time{}, fmt.Errorf("not a segment file: %s", base)
	}
	stamp := strings.TrimPrefix(name, segmentPrefix)
	t, err := time.ParseInLocation(segmentTimeLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse segment start from %s: %w", base, err)
	}
	return t, nil
}

// SegmentName renders the canonical filename for a segment starting at t.
func SegmentName(t time.Time, ext string) string {
	return segmentPrefix + t.Format(segmentTimeLayout) + "." + ext
}

// OffsetInSegment maps a snapshot timestamp into a segment-relative offset,
// clamped to [0, SegmentDuration - 1ms]. Encoder flush delay means the last
// instant of a segment is rarely seekable, hence the upper clamp.
func OffsetInSegment(startedAtMs int64, segmentStart time.Time) time.Duration {
	off := time.Duration(startedAtMs-segmentStart.UnixMilli()) * time.Millisecond
	if off < 0 {
		return 0
	}
	if max := SegmentDuration - time.Millisecond; off > max {
		return max
	}
	return off
}
