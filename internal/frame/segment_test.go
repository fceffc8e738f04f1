package frame

import (
	"testing"
	"time"
)

func TestSegmentStart(t *testing.T) {
	var tests = []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{
			name: "plain segment",
			path: "/root/Videos/seg-2024-03-15-10-30-00.mp4",
			want: "2024-03-15 10:30:00",
		},
		{
			name: "sealed segment",
			path: "/root/Videos/seg-2024-03-15-10-30-00.mp4.sealed",
			want: "2024-03-15 10:30:00",
		},
		{
			name:    "not a segment",
			path:    "/root/Snapshots/snap-1700000000.jpeg",
			wantErr: true,
		},
		{
			name:    "malformed stamp",
			path:    "/root/Videos/seg-notatime.mp4",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SegmentStart(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %s", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("SegmentStart failed: %v", err)
			}
			want, _ := time.ParseInLocation("2006-01-02 15:04:05", tt.want, time.Local)
			if !got.Equal(want) {
				t.Errorf("SegmentStart = %v, want %v", got, want)
			}
		})
	}
}

func TestSegmentNameRoundTrip(t *testing.T) {
	var start = time.Date(2024, 3, 15, 10, 30, 0, 0, time.Local)
	var name = SegmentName(start, "mp4")
	if name != "seg-2024-03-15-10-30-00.mp4" {
		t.Errorf("SegmentName = %q", name)
	}
	parsed, err := SegmentStart("/x/" + name)
	if err != nil {
		t.Fatalf("SegmentStart failed: %v", err)
	}
	if !parsed.Equal(start) {
		t.Errorf("round trip %v != %v", parsed, start)
	}
}

func TestOffsetInSegment(t *testing.T) {
	var start = time.Date(2024, 3, 15, 10, 30, 0, 0, time.Local)

	var tests = []struct {
		name string
		atMs int64
		want time.Duration
	}{
		{
			name: "mid segment",
			atMs: start.UnixMilli() + 15_000,
			want: 15 * time.Second,
		},
		{
			name: "exact start",
			atMs: start.UnixMilli(),
			want: 0,
		},
		{
			name: "before start clamps to zero",
			atMs: start.UnixMilli() - 500,
			want: 0,
		},
		{
			name: "past end clamps below duration",
			atMs: start.UnixMilli() + 90_000,
			want: SegmentDuration - time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OffsetInSegment(tt.atMs, start); got != tt.want {
				t.Errorf("OffsetInSegment = %v, want %v", got, tt.want)
			}
		})
	}
}
