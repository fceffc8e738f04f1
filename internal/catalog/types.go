package catalog

import "time"

// Format of the backing media for a snapshot.
const (
	FormatJPEG  = "jpeg"
	FormatPNG   = "png"
	FormatVideo = "video"
)

// Snapshot is one captured moment. Identity (ID, StartedAtMs) is immutable;
// media fields are rewritten in place by compaction and migration.
type Snapshot struct {
	ID          int64
	StartedAtMs int64
	Path        string
	AppBundleID string
	AppName     string
	Bytes       int64
	Width       int
	Height      int
	Format      string
	Hash64      uint64
	HasHash     bool
	ThumbPath   string
}

// StartedAt returns the capture time as a time.Time.
func (s Snapshot) StartedAt() time.Time {
	return time.UnixMilli(s.StartedAtMs)
}

// OCRBox is one recognized text region in unit image space.
type OCRBox struct {
	SnapshotID int64
	Text       string
	X, Y, W, H float64
}

// InsertRecord carries everything the capture pipeline hands over for one
// accepted frame.
type InsertRecord struct {
	StartedAtMs int64
	Path        string
	Text        string
	AppBundleID string
	AppName     string
	Bytes       int64
	Width       int
	Height      int
	Format      string
	Hash64      uint64
	HasHash     bool
	ThumbPath   string
	Boxes       []OCRBox
}

// Filter narrows catalog views to a set of applications and a half-open
// time window [SinceMs, UntilMs). Zero values leave a dimension unbounded.
type Filter struct {
	Apps    []string
	SinceMs int64
	UntilMs int64
}

// SearchQuery is a full-text query. Each element of Parts must match
// (AND semantics); within one part, "|"-separated alternatives form an OR
// group. Results are ordered newest first.
type SearchQuery struct {
	Parts  []string
	Filter Filter
	Limit  int
	Offset int
}

// UsageSession is one contiguous interval of active capture, in unix
// seconds. EndS nil means the session is still open.
type UsageSession struct {
	ID     int64
	StartS float64
	EndS   *float64
}

// AppCount is a per-application snapshot tally.
type AppCount struct {
	BundleID string
	Name     string
	Count    int64
}
