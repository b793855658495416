package tsstore

import (
	"math"

	"github.com/xtxerr/archivist/internal/series"
)

// counterMax returns the maximum value of a counter of the given width.
func counterMax(bits int) uint64 {
	if bits == 32 {
		return math.MaxUint32
	}
	return math.MaxUint64
}

// deriveRate computes the rate record between two temporally adjacent
// samples of one series. A value decrease is reinterpreted as a counter
// wrap of the configured width; the wrap-corrected delta is accepted only
// when the implied per-second rate stays within maxRate. Anything else is
// recorded as an invalid transition, preserving the timeline.
func deriveRate(prev, cur *series.Sample, bits int, maxRate float64) series.RateRecord {
	r := series.RateRecord{
		Device:     cur.Device,
		MetricSet:  cur.MetricSet,
		Metric:     cur.Metric,
		SubPath:    cur.SubPath,
		Timestamp:  cur.Timestamp,
		ElapsedSec: cur.Timestamp - prev.Timestamp,
	}

	if !prev.Valid || !cur.Valid {
		return r
	}

	if cur.Value >= prev.Value {
		r.Delta = cur.Value - prev.Value
		r.Valid = true
		return r
	}

	// Counter went backwards: try to re-base as a wrap.
	max := counterMax(bits)
	if prev.Value > max || cur.Value > max {
		// Observed values exceed the configured width; nothing to
		// reconcile against.
		return r
	}

	wrapped := (max - prev.Value) + cur.Value + 1
	if r.ElapsedSec > 0 && float64(wrapped)/float64(r.ElapsedSec) <= maxRate {
		r.Delta = wrapped
		r.Valid = true
	}
	return r
}
