package aggregate

import (
	"sort"
	"sync"

	"github.com/xtxerr/archivist/internal/series"
)

// Manager maintains the open bucket for every (series, frequency) pair and
// collects finalized buckets for flushing. Bucket boundaries advance as
// rate records arrive in timestamp order; an invalid record still advances
// boundaries but contributes no statistics.
type Manager struct {
	mu sync.RWMutex

	// Configuration
	frequencies []int64
	accuracy    float64 // 0 disables percentile sketches

	// Open buckets: series key + frequency -> bucket
	open map[bucketKey]*Bucket

	// Finalized buckets waiting to be flushed
	completed []series.BucketResult

	// Statistics
	stats ManagerStats
}

type bucketKey struct {
	key  series.Key
	freq int64
}

// ManagerStats holds statistics for the manager.
type ManagerStats struct {
	OpenBuckets      int64
	CompletedPending int64
	RecordsProcessed int64
	BucketsCompleted int64
	FlushesPerformed int64
}

// NewManager creates a manager for the given frequencies. A positive
// accuracy enables DDSketch percentiles per bucket.
func NewManager(frequencies []int64, accuracy float64) *Manager {
	return &Manager{
		frequencies: frequencies,
		accuracy:    accuracy,
		open:        make(map[bucketKey]*Bucket),
		completed:   make([]series.BucketResult, 0, 1024),
	}
}

// Frequencies returns the configured frequencies.
func (m *Manager) Frequencies() []int64 {
	return m.frequencies
}

// Process folds a rate record into every configured frequency. When the
// record crosses a bucket boundary for a frequency, the previous bucket is
// finalized and a new one opened.
func (m *Manager) Process(r series.RateRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.Key()

	for _, freq := range m.frequencies {
		bk := bucketKey{key: key, freq: freq}
		bucketTs := series.BucketStart(r.Timestamp, freq)

		b, exists := m.open[bk]
		switch {
		case !exists:
			b = newBucket(key, freq, bucketTs, m.accuracy)
			m.open[bk] = b
		case bucketTs > b.BucketTs():
			m.completed = append(m.completed, b.Result())
			m.stats.BucketsCompleted++
			b.reset(bucketTs, m.accuracy)
		case bucketTs < b.BucketTs():
			// Behind the open bucket; ingestion filters out-of-order
			// timestamps, so nothing sane can be done here.
			continue
		}

		if r.Valid {
			b.Fold(&r)
		}
	}

	m.stats.RecordsProcessed++
}

// FlushCompleted returns and clears all finalized buckets.
func (m *Manager) FlushCompleted() []series.BucketResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.completed) == 0 {
		return nil
	}

	result := m.completed
	m.completed = make([]series.BucketResult, 0, 1024)
	m.stats.FlushesPerformed++

	return result
}

// FlushAll finalizes every open bucket and returns them together with the
// pending completed ones. Typically called during shutdown.
func (m *Manager) FlushAll() []series.BucketResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.open {
		m.completed = append(m.completed, b.Result())
		m.stats.BucketsCompleted++
	}
	m.open = make(map[bucketKey]*Bucket)

	result := m.completed
	m.completed = make([]series.BucketResult, 0, 1024)
	m.stats.FlushesPerformed++

	return result
}

// Snapshot returns the buckets for one series and frequency that have not
// been flushed to cold storage yet: pending completed buckets plus the
// currently open one, restricted to [tsMin, tsMax) and ordered by bucket
// start. The query engine merges these with cold segments.
func (m *Manager) Snapshot(key series.Key, freq, tsMin, tsMax int64) []series.BucketResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []series.BucketResult

	for _, b := range m.completed {
		if b.Key() == key && b.Frequency == freq && b.BucketTs >= tsMin && b.BucketTs < tsMax {
			out = append(out, b)
		}
	}

	if b, ok := m.open[bucketKey{key: key, freq: freq}]; ok {
		if b.BucketTs() >= tsMin && b.BucketTs() < tsMax {
			out = append(out, b.Result())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].BucketTs < out[j].BucketTs })
	return out
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.OpenBuckets = int64(len(m.open))
	stats.CompletedPending = int64(len(m.completed))
	return stats
}

// OpenCount returns the number of open buckets.
func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

// CompletedCount returns the number of finalized buckets pending flush.
func (m *Manager) CompletedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.completed)
}
