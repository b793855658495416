// Package parquet writes cold time-series segments: raw samples, base
// rates and rollup buckets each get their own row schema and directory,
// queried later through DuckDB's read_parquet.
package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/archivist/internal/series"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// Options configures a segment writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionLZ4
	CompressionGzip
)

// DefaultOptions returns default segment options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "zstd":
		return CompressionZstd
	case "lz4":
		return CompressionLZ4
	case "gzip":
		return CompressionGzip
	case "none", "":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

// getCompression returns the parquet-go compression codec.
func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionLZ4:
		return &parquet.Lz4Raw
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// SampleRow is the raw-sample segment schema.
type SampleRow struct {
	Device    string `parquet:"device,zstd"`
	MetricSet string `parquet:"metric_set,zstd"`
	Metric    string `parquet:"metric,zstd"`
	SubPath   string `parquet:"sub_path,zstd"`
	Timestamp int64  `parquet:"timestamp"`
	Value     uint64 `parquet:"value"`
	Valid     bool   `parquet:"valid"`
}

// RateRow is the base-rate segment schema.
type RateRow struct {
	Device     string  `parquet:"device,zstd"`
	MetricSet  string  `parquet:"metric_set,zstd"`
	Metric     string  `parquet:"metric,zstd"`
	SubPath    string  `parquet:"sub_path,zstd"`
	Timestamp  int64   `parquet:"timestamp"`
	Delta      uint64  `parquet:"delta"`
	ElapsedSec int64   `parquet:"elapsed_sec"`
	Rate       float64 `parquet:"rate"`
	Valid      bool    `parquet:"valid"`
}

// BucketRow is the aggregate segment schema.
type BucketRow struct {
	Device    string  `parquet:"device,zstd"`
	MetricSet string  `parquet:"metric_set,zstd"`
	Metric    string  `parquet:"metric,zstd"`
	SubPath   string  `parquet:"sub_path,zstd"`
	Frequency int64   `parquet:"frequency"`
	BucketTs  int64   `parquet:"bucket_ts"`
	Count     int64   `parquet:"count"`
	Min       float64 `parquet:"min"`
	Max       float64 `parquet:"max"`
	Avg       float64 `parquet:"avg"`
	DeltaSum  uint64  `parquet:"delta_sum"`
	Valid     bool    `parquet:"valid"`
	P50       float64 `parquet:"p50,optional"`
	P95       float64 `parquet:"p95,optional"`
}

// SampleToRow converts a sample to its segment row.
func SampleToRow(s *series.Sample) SampleRow {
	return SampleRow{
		Device:    s.Device,
		MetricSet: s.MetricSet,
		Metric:    s.Metric,
		SubPath:   s.SubPath,
		Timestamp: s.Timestamp,
		Value:     s.Value,
		Valid:     s.Valid,
	}
}

// RateToRow converts a rate record to its segment row.
func RateToRow(r *series.RateRecord) RateRow {
	return RateRow{
		Device:     r.Device,
		MetricSet:  r.MetricSet,
		Metric:     r.Metric,
		SubPath:    r.SubPath,
		Timestamp:  r.Timestamp,
		Delta:      r.Delta,
		ElapsedSec: r.ElapsedSec,
		Rate:       r.Rate(),
		Valid:      r.Valid,
	}
}

// BucketToRow converts a bucket result to its segment row.
func BucketToRow(b *series.BucketResult) BucketRow {
	row := BucketRow{
		Device:    b.Device,
		MetricSet: b.MetricSet,
		Metric:    b.Metric,
		SubPath:   b.SubPath,
		Frequency: b.Frequency,
		BucketTs:  b.BucketTs,
		Count:     b.Count,
		Min:       b.Min,
		Max:       b.Max,
		Avg:       b.Avg,
		DeltaSum:  b.DeltaSum,
		Valid:     b.Valid,
	}
	if b.P50 != nil {
		row.P50 = *b.P50
	}
	if b.P95 != nil {
		row.P95 = *b.P95
	}
	return row
}

// Writer writes rows of one schema to a Parquet segment file.
type Writer[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

// NewWriter creates a segment writer at the given path.
func NewWriter[T any](path string, opts Options) (*Writer[T], error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(getCompression(opts.Compression)),
	}

	return &Writer[T]{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[T](f, writerOpts...),
	}, nil
}

// Write appends rows to the segment.
func (w *Writer[T]) Write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// RowCount returns the number of rows written so far.
func (w *Writer[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the segment path.
func (w *Writer[T]) Path() string {
	return w.path
}

// Close finalizes the segment file.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// WriteSegment writes a complete segment in one call.
func WriteSegment[T any](path string, rows []T, opts Options) error {
	w, err := NewWriter[T](path, opts)
	if err != nil {
		return err
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// ReadAll reads every row of one schema from a segment file.
func ReadAll[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
