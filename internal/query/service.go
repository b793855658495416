// Package query implements the range query engine. Cold Parquet segments
// are queried through an in-memory DuckDB instance and merged with the
// time-series store's unflushed hot tail; results are shaped into the
// timestamp/value envelope consumers graph directly.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/archivist/internal/config"
	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/series"
	"github.com/xtxerr/archivist/internal/tsstore"
)

// Projection selects the base-rate value column.
const (
	ProjectionDelta = "delta"
	ProjectionRate  = "rate"
)

// Params identifies one series and time range to query.
type Params struct {
	Device    string
	MetricSet string
	Metric    string
	SubPath   string

	// Begin and End bound the range in Unix seconds, inclusive.
	Begin int64
	End   int64

	// Frequency selects the rollup frequency. Required for aggregation
	// queries, ignored otherwise.
	Frequency int64

	// Statistic selects the aggregate column: min, max, average, p50, p95.
	// Required for aggregation queries.
	Statistic string

	// Projection selects delta or rate for base-rate queries.
	// Empty means delta.
	Projection string
}

func (p *Params) key() series.Key {
	return series.Key{Device: p.Device, MetricSet: p.MetricSet, Metric: p.Metric, SubPath: p.SubPath}
}

// Point is one (timestamp, value) pair. Timestamps are Unix seconds and
// stay exact in a float64.
type Point [2]float64

// Envelope is the query response shape: the effective range, the data
// resolution in seconds, the statistic applied, and ascending points.
type Envelope struct {
	BeginTime int64   `json:"begin_time"`
	EndTime   int64   `json:"end_time"`
	Agg       int64   `json:"agg"`
	CF        string  `json:"cf,omitempty"`
	Data      []Point `json:"data"`
}

// Stats holds query engine counters.
type Stats struct {
	QueriesExecuted int64
	RowsReturned    int64
	Errors          int64
}

// Service answers range queries over one store's data.
type Service struct {
	mu sync.RWMutex

	cfg   *config.Config
	db    *sql.DB
	store *tsstore.Store

	stats Stats
}

// New creates the query engine over an in-memory DuckDB instance.
func New(cfg *config.Config, store *tsstore.Store) (*Service, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	if cfg.Query.MemoryLimit != "" {
		if _, err := db.Exec(fmt.Sprintf("SET memory_limit='%s'", cfg.Query.MemoryLimit)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set memory limit: %w", err)
		}
	}

	return &Service{
		cfg:   cfg,
		db:    db,
		store: store,
	}, nil
}

// Close closes the query engine.
func (s *Service) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// QueryRawData returns the raw counter values of a series in
// [Begin, End]. Invalid samples are not graphable and are omitted.
func (s *Service) QueryRawData(ctx context.Context, q Params) (*Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := q.key()
	cold, err := s.queryColdSamples(ctx, q)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}

	data := append([]Point(nil), cold...)
	for _, sample := range s.store.SamplesInRange(key, q.Begin, q.End) {
		if !sample.Valid {
			continue
		}
		data = append(data, Point{float64(sample.Timestamp), float64(sample.Value)})
	}

	if len(data) == 0 {
		if err := s.checkKnown(ctx, key); err != nil {
			return nil, err
		}
	}

	return s.finish(q, s.cfg.BaseFrequency(), "raw", data), nil
}

// QueryBaseRate returns the per-interval deltas (or per-second rates) of
// a series in [Begin, End]. Invalid rate records are omitted; the gaps
// they leave are visible as missing timestamps.
func (s *Service) QueryBaseRate(ctx context.Context, q Params) (*Envelope, error) {
	projection := q.Projection
	if projection == "" {
		projection = ProjectionDelta
	}
	if projection != ProjectionDelta && projection != ProjectionRate {
		return nil, errors.Wrapf(errors.ErrInvalidProjection, "%q", q.Projection)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := q.key()
	cold, err := s.queryColdRates(ctx, q, projection)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}

	data := append([]Point(nil), cold...)
	for _, r := range s.store.RatesInRange(key, q.Begin, q.End) {
		if !r.Valid {
			continue
		}
		v := float64(r.Delta)
		if projection == ProjectionRate {
			v = r.Rate()
		}
		data = append(data, Point{float64(r.Timestamp), v})
	}

	if len(data) == 0 {
		if err := s.checkKnown(ctx, key); err != nil {
			return nil, err
		}
	}

	return s.finish(q, s.cfg.BaseFrequency(), projection, data), nil
}

// QueryAggregation returns one statistic of a series' rollup buckets at
// the requested frequency in [Begin, End]. Buckets that never folded a
// valid rate are omitted.
func (s *Service) QueryAggregation(ctx context.Context, q Params) (*Envelope, error) {
	if q.Frequency <= 0 {
		return nil, errors.ErrFrequencyRequired
	}
	if !s.frequencyKnown(q.Frequency) {
		return nil, errors.Wrapf(errors.ErrFrequencyRequired, "frequency %d not configured", q.Frequency)
	}
	if q.Statistic == "" {
		return nil, errors.Wrapf(errors.ErrInvalidStatistic, "statistic required")
	}
	if !validStatistic(q.Statistic) {
		return nil, errors.Wrapf(errors.ErrInvalidStatistic, "%q", q.Statistic)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	key := q.key()
	bMin := series.BucketStart(q.Begin, q.Frequency)

	var data []Point
	cold, err := s.queryColdBuckets(ctx, q, bMin)
	if err != nil {
		s.stats.Errors++
		return nil, err
	}
	data = append(data, cold...)

	for _, b := range s.store.AggSnapshot(key, q.Frequency, bMin, q.End) {
		if !b.Valid {
			continue
		}
		v, ok := bucketStatistic(&b, q.Statistic)
		if !ok {
			continue
		}
		data = append(data, Point{float64(b.BucketTs), v})
	}

	if len(data) == 0 {
		if err := s.checkKnown(ctx, key); err != nil {
			return nil, err
		}
	}

	return s.finish(q, q.Frequency, q.Statistic, data), nil
}

func validStatistic(name string) bool {
	switch name {
	case "min", "max", "average", "avg", "p50", "p95":
		return true
	}
	return false
}

func bucketStatistic(b *series.BucketResult, name string) (float64, bool) {
	switch name {
	case "p50":
		if b.P50 == nil {
			return 0, false
		}
		return *b.P50, true
	case "p95":
		if b.P95 == nil {
			return 0, false
		}
		return *b.P95, true
	default:
		return b.Statistic(name)
	}
}

func (s *Service) frequencyKnown(freq int64) bool {
	for _, f := range s.store.Frequencies() {
		if f == freq {
			return true
		}
	}
	return false
}

// checkKnown distinguishes an empty range on a known series from a series
// (or device) that was never written. The store's index only covers data
// seen since it opened, so series living entirely in flushed segments are
// probed in the cold data before raising not-found.
func (s *Service) checkKnown(ctx context.Context, key series.Key) error {
	if s.store.HasSeries(key) || s.coldSeriesExists(ctx, key) {
		return nil
	}
	if !s.store.HasDevice(key.Device) && !s.coldDeviceExists(ctx, key.Device) {
		return errors.Wrapf(errors.ErrDeviceNotFound, "device %q", key.Device)
	}
	return errors.NewSeriesNotFound(key.String())
}

// coldSeriesExists probes the raw segments for any sample of the series,
// unbounded in time. A missing segment glob means no cold data.
func (s *Service) coldSeriesExists(ctx context.Context, key series.Key) bool {
	pattern := filepath.Join(s.cfg.RawDir(), "*.parquet")

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM read_parquet($1)
		WHERE device = $2
		  AND metric_set = $3
		  AND metric = $4
		  AND sub_path = $5
		LIMIT 1
	`, pattern, key.Device, key.MetricSet, key.Metric, key.SubPath).Scan(&one)
	return err == nil
}

func (s *Service) coldDeviceExists(ctx context.Context, device string) bool {
	pattern := filepath.Join(s.cfg.RawDir(), "*.parquet")

	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM read_parquet($1) WHERE device = $2 LIMIT 1
	`, pattern, device).Scan(&one)
	return err == nil
}

// finish caps the result at the configured row limit and wraps it in the
// response envelope.
func (s *Service) finish(q Params, agg int64, cf string, data []Point) *Envelope {
	if s.cfg.Query.MaxRows > 0 && len(data) > s.cfg.Query.MaxRows {
		data = data[:s.cfg.Query.MaxRows]
	}
	if data == nil {
		data = []Point{}
	}
	s.stats.QueriesExecuted++
	s.stats.RowsReturned += int64(len(data))
	return &Envelope{
		BeginTime: q.Begin,
		EndTime:   q.End,
		Agg:       agg,
		CF:        cf,
		Data:      data,
	}
}

// queryColdSamples reads flushed raw segments. A missing segment glob is
// an empty result, not an error.
func (s *Service) queryColdSamples(ctx context.Context, q Params) ([]Point, error) {
	pattern := filepath.Join(s.cfg.RawDir(), "*.parquet")

	query := `
		SELECT timestamp, CAST(value AS DOUBLE)
		FROM read_parquet($1)
		WHERE device = $2
		  AND metric_set = $3
		  AND metric = $4
		  AND sub_path = $5
		  AND timestamp >= $6
		  AND timestamp <= $7
		  AND valid
		ORDER BY timestamp
	`

	rows, err := s.db.QueryContext(ctx, query,
		pattern, q.Device, q.MetricSet, q.Metric, q.SubPath, q.Begin, q.End)
	if err != nil {
		// No segments written yet.
		return nil, nil
	}
	defer rows.Close()

	return scanPoints(rows)
}

func (s *Service) queryColdRates(ctx context.Context, q Params, projection string) ([]Point, error) {
	pattern := filepath.Join(s.cfg.RateDir(), "*.parquet")

	col := "delta"
	if projection == ProjectionRate {
		col = "rate"
	}
	query := fmt.Sprintf(`
		SELECT timestamp, CAST(%s AS DOUBLE)
		FROM read_parquet($1)
		WHERE device = $2
		  AND metric_set = $3
		  AND metric = $4
		  AND sub_path = $5
		  AND timestamp >= $6
		  AND timestamp <= $7
		  AND valid
		ORDER BY timestamp
	`, col)

	rows, err := s.db.QueryContext(ctx, query,
		pattern, q.Device, q.MetricSet, q.Metric, q.SubPath, q.Begin, q.End)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	return scanPoints(rows)
}

func (s *Service) queryColdBuckets(ctx context.Context, q Params, bMin int64) ([]Point, error) {
	pattern := filepath.Join(s.cfg.AggDir(q.Frequency), "*.parquet")

	col := map[string]string{
		"min": `"min"`, "max": `"max"`,
		"average": `"avg"`, "avg": `"avg"`,
		"p50": `"p50"`, "p95": `"p95"`,
	}[q.Statistic]

	query := fmt.Sprintf(`
		SELECT bucket_ts, CAST(%s AS DOUBLE)
		FROM read_parquet($1)
		WHERE device = $2
		  AND metric_set = $3
		  AND metric = $4
		  AND sub_path = $5
		  AND bucket_ts >= $6
		  AND bucket_ts <= $7
		  AND valid
		ORDER BY bucket_ts
	`, col)

	rows, err := s.db.QueryContext(ctx, query,
		pattern, q.Device, q.MetricSet, q.Metric, q.SubPath, bMin, q.End)
	if err != nil {
		return nil, nil
	}
	defer rows.Close()

	return scanPoints(rows)
}

func scanPoints(rows *sql.Rows) ([]Point, error) {
	var out []Point
	for rows.Next() {
		var ts int64
		var v sql.NullFloat64
		if err := rows.Scan(&ts, &v); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if !v.Valid {
			continue
		}
		out = append(out, Point{float64(ts), v.Float64})
	}
	return out, rows.Err()
}

// Stats returns the engine counters.
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}
