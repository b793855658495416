// Package tsstore implements the time-series store: WAL-backed ingestion
// of raw counter samples, rate derivation between adjacent samples, and
// streaming rollup aggregation, with periodic flushing of hot data to
// Parquet segments.
package tsstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/archivist/internal/config"
	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/logging"
	"github.com/xtxerr/archivist/internal/series"
	"github.com/xtxerr/archivist/internal/tsstore/aggregate"
	"github.com/xtxerr/archivist/internal/tsstore/parquet"
	"github.com/xtxerr/archivist/internal/tsstore/wal"
)

// Stats holds store counters.
type Stats struct {
	SamplesWritten  atomic.Int64
	Duplicates      atomic.Int64
	OutOfOrder      atomic.Int64
	RatesDerived    atomic.Int64
	InvalidRates    atomic.Int64
	Flushes         atomic.Int64
	SegmentsWritten atomic.Int64
}

// Store is the single-writer time-series store. Samples are appended to
// the WAL first, then folded into the hot buffer, the rate pipeline and
// the rollup buckets. Flush drains hot data to Parquet and checkpoints
// the WAL; anything logged but not yet flushed is replayed on open.
type Store struct {
	mu sync.Mutex

	cfg *config.Config
	log *slog.Logger

	wal *wal.Writer
	agg *aggregate.Manager

	// last holds the most recent sample per series; it doubles as the
	// series existence index.
	last map[series.Key]series.Sample

	// devices tracks devices with at least one sample.
	devices map[string]struct{}

	// Hot tails since the last flush, appended in timestamp order.
	hotSamples map[series.Key][]series.Sample
	hotRates   map[series.Key][]series.RateRecord

	segSeq int64
	closed bool

	stopSync chan struct{}
	syncDone sync.WaitGroup

	stats Stats
}

// Open creates the store directories, replays any unflushed WAL segments
// and starts a fresh WAL segment for new writes.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure data dirs: %w", err)
	}

	accuracy := 0.0
	if cfg.Aggregation.Percentile.Enabled {
		accuracy = cfg.Aggregation.Percentile.Accuracy
	}

	s := &Store{
		cfg:        cfg,
		log:        logging.Component("tsstore"),
		agg:        aggregate.NewManager(cfg.AllFrequencies(), accuracy),
		last:       make(map[series.Key]series.Sample),
		devices:    make(map[string]struct{}),
		hotSamples: make(map[series.Key][]series.Sample),
		hotRates:   make(map[series.Key][]series.RateRecord),
		stopSync:   make(chan struct{}),
	}

	if err := s.replay(); err != nil {
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	w, err := wal.NewWriter(cfg.WALDir(), wal.Options{
		MaxSegmentSize: cfg.WAL.MaxSegmentSize,
		SyncMode:       cfg.WAL.SyncMode,
		SyncInterval:   cfg.WAL.SyncInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	s.wal = w

	if cfg.WAL.SyncMode == "async" {
		s.syncDone.Add(1)
		go s.syncLoop(cfg.WAL.SyncInterval)
	}

	return s, nil
}

// replay re-applies samples from segments left behind by a previous run.
// Rates and rollups are rebuilt from the samples themselves; the segments
// are removed at the next checkpoint.
func (s *Store) replay() error {
	paths, err := wal.ListSegments(s.cfg.WALDir())
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return nil
	}

	samples, err := wal.ReadAllSegments(paths)
	if err != nil {
		return err
	}

	for i := range samples {
		s.applyLocked(&samples[i])
	}

	s.log.Info("replayed wal segments",
		"segments", len(paths),
		"samples", len(samples))
	return nil
}

func (s *Store) syncLoop(interval time.Duration) {
	defer s.syncDone.Done()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.wal.Sync(); err != nil {
				s.log.Error("wal sync failed", "error", err)
			}
		case <-s.stopSync:
			return
		}
	}
}

// Write persists one sample. Re-delivery of the current timestamp and
// backdated timestamps are accepted and discarded without touching the
// series, keeping ingestion idempotent under queue replays.
func (s *Store) Write(sample series.Sample) error {
	switch {
	case sample.Device == "":
		return errors.NewMissingField("device")
	case sample.MetricSet == "":
		return errors.NewMissingField("metric_set")
	case sample.Metric == "":
		return errors.NewMissingField("metric")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrStoreClosed
	}

	key := sample.Key()
	if prev, ok := s.last[key]; ok {
		if sample.Timestamp == prev.Timestamp {
			s.stats.Duplicates.Add(1)
			s.log.Debug("duplicate sample discarded",
				"series", key.String(), "ts", sample.Timestamp)
			return nil
		}
		if sample.Timestamp < prev.Timestamp {
			s.stats.OutOfOrder.Add(1)
			s.log.Debug("out-of-order sample discarded",
				"series", key.String(),
				"ts", sample.Timestamp,
				"last", prev.Timestamp)
			return nil
		}
	}

	if err := s.wal.Write([]series.Sample{sample}); err != nil {
		return errors.NewWriteFailure(sample.Device, key.String(), sample.Timestamp, err)
	}

	s.applyLocked(&sample)
	return nil
}

// applyLocked folds an accepted sample into the hot buffer, derives the
// rate against the previous sample and feeds the rollup engine. Caller
// holds the lock (or exclusivity during replay).
func (s *Store) applyLocked(sample *series.Sample) {
	key := sample.Key()

	if prev, ok := s.last[key]; ok {
		if sample.Timestamp <= prev.Timestamp {
			return
		}
		bits := s.cfg.CounterBitsFor(sample.Metric)
		r := deriveRate(&prev, sample, bits, s.cfg.Poll.MaxRate)
		if !r.Valid {
			s.stats.InvalidRates.Add(1)
			if prev.Valid && sample.Valid {
				s.log.Warn("unreconcilable counter transition",
					"series", key.String(),
					"ts", sample.Timestamp,
					"prev", prev.Value,
					"cur", sample.Value)
			}
		}
		s.hotRates[key] = append(s.hotRates[key], r)
		s.agg.Process(r)
		s.stats.RatesDerived.Add(1)
	}

	s.last[key] = *sample
	s.devices[sample.Device] = struct{}{}
	s.hotSamples[key] = append(s.hotSamples[key], *sample)
	s.stats.SamplesWritten.Add(1)
}

// Flush writes the hot samples, rates and finalized rollup buckets to
// Parquet segments and checkpoints the WAL. Hot data is retained on
// failure so a later flush can retry.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(s.agg.FlushCompleted())
}

func (s *Store) flushLocked(buckets []series.BucketResult) error {
	var sampleRows []parquet.SampleRow
	for _, tail := range s.hotSamples {
		for i := range tail {
			sampleRows = append(sampleRows, parquet.SampleToRow(&tail[i]))
		}
	}
	var rateRows []parquet.RateRow
	for _, tail := range s.hotRates {
		for i := range tail {
			rateRows = append(rateRows, parquet.RateToRow(&tail[i]))
		}
	}
	bucketRows := make(map[int64][]parquet.BucketRow)
	for i := range buckets {
		b := &buckets[i]
		bucketRows[b.Frequency] = append(bucketRows[b.Frequency], parquet.BucketToRow(b))
	}

	if len(sampleRows) == 0 && len(rateRows) == 0 && len(bucketRows) == 0 {
		return nil
	}

	name := fmt.Sprintf("%s-%06d.parquet", time.Now().UTC().Format("20060102T150405"), s.segSeq)
	s.segSeq++
	opts := parquet.DefaultOptions()
	if s.cfg.Flush.Compression != "" {
		opts.Compression = parquet.ParseCompressionType(s.cfg.Flush.Compression)
	}

	written := []string{}
	fail := func(err error) error {
		for _, p := range written {
			os.Remove(p)
		}
		return err
	}

	if len(sampleRows) > 0 {
		path := filepath.Join(s.cfg.RawDir(), name)
		if err := parquet.WriteSegment(path, sampleRows, opts); err != nil {
			return fail(fmt.Errorf("write raw segment: %w", err))
		}
		written = append(written, path)
	}
	if len(rateRows) > 0 {
		path := filepath.Join(s.cfg.RateDir(), name)
		if err := parquet.WriteSegment(path, rateRows, opts); err != nil {
			return fail(fmt.Errorf("write rate segment: %w", err))
		}
		written = append(written, path)
	}
	for freq, rows := range bucketRows {
		path := filepath.Join(s.cfg.AggDir(freq), name)
		if err := parquet.WriteSegment(path, rows, opts); err != nil {
			return fail(fmt.Errorf("write agg segment freq=%d: %w", freq, err))
		}
		written = append(written, path)
	}

	s.hotSamples = make(map[series.Key][]series.Sample)
	s.hotRates = make(map[series.Key][]series.RateRecord)
	s.stats.Flushes.Add(1)
	s.stats.SegmentsWritten.Add(int64(len(written)))

	if s.wal != nil {
		if _, err := s.wal.Checkpoint(); err != nil {
			s.log.Error("wal checkpoint failed", "error", err)
		}
	}

	s.log.Debug("flushed hot data",
		"samples", len(sampleRows),
		"rates", len(rateRows),
		"buckets", len(buckets),
		"segments", len(written))
	return nil
}

// Close finalizes all open rollup buckets, flushes remaining hot data
// and closes the WAL.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	flushErr := s.flushLocked(s.agg.FlushAll())
	s.mu.Unlock()

	close(s.stopSync)
	s.syncDone.Wait()

	walErr := s.wal.Close()
	if flushErr != nil {
		return flushErr
	}
	return walErr
}

// HasSeries reports whether the series has ever been written this run.
func (s *Store) HasSeries(key series.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.last[key]
	return ok
}

// HasDevice reports whether any series exists for the device.
func (s *Store) HasDevice(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.devices[device]
	return ok
}

// LastSample returns the most recent sample of the series.
func (s *Store) LastSample(key series.Key) (series.Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample, ok := s.last[key]
	return sample, ok
}

// SamplesInRange returns the unflushed samples of a series within
// [tsMin, tsMax], in timestamp order.
func (s *Store) SamplesInRange(key series.Key, tsMin, tsMax int64) []series.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []series.Sample
	for _, sample := range s.hotSamples[key] {
		if sample.Timestamp >= tsMin && sample.Timestamp <= tsMax {
			out = append(out, sample)
		}
	}
	return out
}

// RatesInRange returns the unflushed rate records of a series within
// [tsMin, tsMax], in timestamp order.
func (s *Store) RatesInRange(key series.Key, tsMin, tsMax int64) []series.RateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []series.RateRecord
	for _, r := range s.hotRates[key] {
		if r.Timestamp >= tsMin && r.Timestamp <= tsMax {
			out = append(out, r)
		}
	}
	return out
}

// AggSnapshot returns the not-yet-flushed rollup buckets of a series at
// the given frequency within [tsMin, tsMax], including the open bucket.
func (s *Store) AggSnapshot(key series.Key, freq, tsMin, tsMax int64) []series.BucketResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agg.Snapshot(key, freq, tsMin, tsMax+1)
}

// Frequencies returns the configured rollup frequencies.
func (s *Store) Frequencies() []int64 {
	return s.agg.Frequencies()
}

// Stats returns the store counters.
func (s *Store) Stats() *Stats {
	return &s.stats
}
