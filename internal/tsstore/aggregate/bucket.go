// Package aggregate maintains incremental fixed-frequency rollups of rate
// records. Each sample is folded exactly once; history is never rescanned.
package aggregate

import (
	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/archivist/internal/series"
)

// Bucket accumulates running statistics for one (series, frequency) time
// bucket. Statistics are over per-second rates; DeltaSum tracks raw
// deltas. Not safe for concurrent use; the Manager serializes access.
type Bucket struct {
	device    string
	metricSet string
	metric    string
	subPath   string

	frequency int64
	bucketTs  int64

	count    int64
	rateSum  float64
	min      float64
	max      float64
	deltaSum uint64
	valid    bool

	// DDSketch for percentiles (nil if disabled)
	sketch *ddsketch.DDSketch
}

// newBucket creates a bucket for the given series, frequency and aligned
// start timestamp.
func newBucket(key series.Key, frequency, bucketTs int64, accuracy float64) *Bucket {
	b := &Bucket{
		device:    key.Device,
		metricSet: key.MetricSet,
		metric:    key.Metric,
		subPath:   key.SubPath,
		frequency: frequency,
		bucketTs:  bucketTs,
	}

	if accuracy > 0 {
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			b.sketch = sketch
		}
	}

	return b
}

// Fold folds one valid rate record into the bucket.
func (b *Bucket) Fold(r *series.RateRecord) {
	rate := r.Rate()

	if b.count == 0 {
		b.min = rate
		b.max = rate
	} else {
		if rate < b.min {
			b.min = rate
		}
		if rate > b.max {
			b.max = rate
		}
	}

	b.count++
	b.rateSum += rate
	b.deltaSum += r.Delta
	b.valid = true

	if b.sketch != nil {
		b.sketch.Add(rate)
	}
}

// IsEmpty returns true if no valid rate record has been folded in.
func (b *Bucket) IsEmpty() bool {
	return b.count == 0
}

// BucketTs returns the aligned bucket start timestamp.
func (b *Bucket) BucketTs() int64 {
	return b.bucketTs
}

// Result returns the rollup for this bucket. A bucket that only saw
// invalid records reports Valid=false with zeroed statistics.
func (b *Bucket) Result() series.BucketResult {
	result := series.BucketResult{
		Device:    b.device,
		MetricSet: b.metricSet,
		Metric:    b.metric,
		SubPath:   b.subPath,
		Frequency: b.frequency,
		BucketTs:  b.bucketTs,
		Count:     b.count,
		DeltaSum:  b.deltaSum,
		Valid:     b.valid,
	}

	if b.count > 0 {
		result.Min = b.min
		result.Max = b.max
		result.Avg = b.rateSum / float64(b.count)
	}

	if b.sketch != nil && b.count > 0 {
		p50, err50 := b.sketch.GetValueAtQuantile(0.50)
		p95, err95 := b.sketch.GetValueAtQuantile(0.95)
		if err50 == nil && err95 == nil {
			result.P50 = &p50
			result.P95 = &p95
		}
	}

	return result
}

// reset rewinds the bucket for a new time window.
func (b *Bucket) reset(bucketTs int64, accuracy float64) {
	b.bucketTs = bucketTs
	b.count = 0
	b.rateSum = 0
	b.min = 0
	b.max = 0
	b.deltaSum = 0
	b.valid = false

	if b.sketch != nil {
		// DDSketch has no clear; start fresh
		sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
		if err == nil {
			b.sketch = sketch
		}
	}
}
