// Package series defines the time-series data units owned by the
// time-series store: raw samples, derived rate records, and rollup
// buckets. It is the leaf package shared by ingestion, aggregation and
// the query engine.
package series

import "time"

// Key identifies one counter series.
type Key struct {
	Device    string
	MetricSet string
	Metric    string
	SubPath   string
}

// String returns the canonical series key form "device/set/metric/subpath".
func (k Key) String() string {
	return k.Device + "/" + k.MetricSet + "/" + k.Metric + "/" + k.SubPath
}

// Sample is one raw counter observation. Immutable once written.
type Sample struct {
	Device    string
	MetricSet string
	Metric    string
	SubPath   string

	// Timestamp is Unix seconds.
	Timestamp int64

	// Value is the raw counter reading, monotonically non-decreasing
	// between resets.
	Value uint64

	// Valid is false when the poll itself was flagged unusable.
	Valid bool
}

// Key returns the sample's series key.
func (s *Sample) Key() Key {
	return Key{Device: s.Device, MetricSet: s.MetricSet, Metric: s.Metric, SubPath: s.SubPath}
}

// Time returns the timestamp as a time.Time.
func (s *Sample) Time() time.Time {
	return time.Unix(s.Timestamp, 0)
}

// RateRecord is the delta between two temporally adjacent samples of the
// same series, wrap-corrected when a counter reset was reconcilable.
type RateRecord struct {
	Device    string
	MetricSet string
	Metric    string
	SubPath   string

	// Timestamp is the later input sample's timestamp, Unix seconds.
	Timestamp int64

	// Delta is the value difference, re-based when a wrap was detected.
	// Zero when the record is invalid.
	Delta uint64

	// ElapsedSec is the spacing between the two input samples.
	ElapsedSec int64

	// Valid is false when either input sample was invalid or a counter
	// decrease could not be reconciled as a plausible reset/wrap.
	Valid bool
}

// Key returns the record's series key.
func (r *RateRecord) Key() Key {
	return Key{Device: r.Device, MetricSet: r.MetricSet, Metric: r.Metric, SubPath: r.SubPath}
}

// Rate returns the per-second rate for the interval.
func (r *RateRecord) Rate() float64 {
	if r.ElapsedSec <= 0 {
		return 0
	}
	return float64(r.Delta) / float64(r.ElapsedSec)
}

// BucketResult is one finalized (or snapshotted) fixed-frequency rollup
// unit. Min, Max and Avg are per-second rates; DeltaSum is the sum of raw
// deltas folded in.
type BucketResult struct {
	Device    string
	MetricSet string
	Metric    string
	SubPath   string

	// Frequency is the bucket width in seconds.
	Frequency int64

	// BucketTs is the bucket start, aligned to Frequency.
	BucketTs int64

	Count    int64
	Min      float64
	Max      float64
	Avg      float64
	DeltaSum uint64

	// Valid is true once at least one valid rate record was folded in.
	Valid bool

	// Percentiles over folded rates (nil unless sketches are enabled).
	P50 *float64
	P95 *float64
}

// Key returns the bucket's series key.
func (b *BucketResult) Key() Key {
	return Key{Device: b.Device, MetricSet: b.MetricSet, Metric: b.Metric, SubPath: b.SubPath}
}

// Statistic returns the named statistic value: "min", "max" or "average".
func (b *BucketResult) Statistic(name string) (float64, bool) {
	switch name {
	case "min":
		return b.Min, true
	case "max":
		return b.Max, true
	case "average", "avg":
		return b.Avg, true
	default:
		return 0, false
	}
}

// BucketStart aligns a timestamp down to a frequency boundary.
func BucketStart(ts, freq int64) int64 {
	return (ts / freq) * freq
}
