package query

import (
	"context"
	"math"
	"testing"

	"github.com/xtxerr/archivist/internal/config"
	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/series"
	"github.com/xtxerr/archivist/internal/tsstore"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Poll.IntervalSec = 30
	cfg.Aggregation.Frequencies = []int64{3600}
	cfg.WAL.SyncMode = "sync"
	cfg.Query.MemoryLimit = ""
	return cfg
}

type fixture struct {
	cfg   *config.Config
	store *tsstore.Store
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig(t)

	store, err := tsstore.Open(cfg)
	if err != nil {
		t.Fatalf("open tsstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := New(cfg, store)
	if err != nil {
		t.Fatalf("open query service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	return &fixture{cfg: cfg, store: store, svc: svc}
}

func (f *fixture) write(t *testing.T, ts int64, value uint64, valid bool) {
	t.Helper()
	err := f.store.Write(series.Sample{
		Device:    "router_a",
		MetricSet: "counter-set",
		Metric:    "ifHCInOctets",
		SubPath:   "GigabitEthernet0_1",
		Timestamp: ts,
		Value:     value,
		Valid:     valid,
	})
	if err != nil {
		t.Fatalf("write sample: %v", err)
	}
}

func params(begin, end int64) Params {
	return Params{
		Device:    "router_a",
		MetricSet: "counter-set",
		Metric:    "ifHCInOctets",
		SubPath:   "GigabitEthernet0_1",
		Begin:     begin,
		End:       end,
	}
}

func TestQueryRawData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 25066556556930, true)
	f.write(t, 1345125630, 25066575790604, true)

	env, err := f.svc.QueryRawData(ctx, params(1345125600, 1345125660))
	if err != nil {
		t.Fatalf("QueryRawData() error: %v", err)
	}

	if env.BeginTime != 1345125600 || env.EndTime != 1345125660 {
		t.Errorf("envelope range [%d, %d]", env.BeginTime, env.EndTime)
	}
	if env.Agg != 30 {
		t.Errorf("Agg = %d, want base frequency 30", env.Agg)
	}
	if len(env.Data) != 2 {
		t.Fatalf("got %d points, want 2", len(env.Data))
	}
	if env.Data[0][0] != 1345125600 || env.Data[0][1] != 25066556556930 {
		t.Errorf("point 0 = %v", env.Data[0])
	}
	if env.Data[1][0] != 1345125630 || env.Data[1][1] != 25066575790604 {
		t.Errorf("point 1 = %v", env.Data[1])
	}
}

func TestQueryRawDataExcludesInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 1000, true)
	f.write(t, 1345125630, 2000, false)
	f.write(t, 1345125660, 3000, true)

	env, err := f.svc.QueryRawData(ctx, params(1345125600, 1345125700))
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 2 {
		t.Fatalf("got %d points, want 2 (invalid omitted)", len(env.Data))
	}
	for _, p := range env.Data {
		if p[0] == 1345125630 {
			t.Error("invalid sample present in envelope")
		}
	}
}

func TestQueryRawDataRangeFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for i := int64(0); i < 5; i++ {
		f.write(t, 1345125600+i*30, uint64(1000+i), true)
	}

	env, err := f.svc.QueryRawData(ctx, params(1345125630, 1345125690))
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 3 {
		t.Fatalf("got %d points, want 3 in range", len(env.Data))
	}
	if env.Data[0][0] != 1345125630 || env.Data[2][0] != 1345125690 {
		t.Errorf("range edges wrong: %v", env.Data)
	}
}

func TestQueryBaseRateDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 25066556556930, true)
	f.write(t, 1345125630, 25066575790604, true)

	env, err := f.svc.QueryBaseRate(ctx, params(1345125600, 1345125660))
	if err != nil {
		t.Fatalf("QueryBaseRate() error: %v", err)
	}
	if env.CF != "delta" {
		t.Errorf("CF = %q, want delta default", env.CF)
	}
	if len(env.Data) != 1 {
		t.Fatalf("got %d points, want 1", len(env.Data))
	}
	if env.Data[0][0] != 1345125630 || env.Data[0][1] != 19233674 {
		t.Errorf("delta point = %v, want [1345125630, 19233674]", env.Data[0])
	}
}

func TestQueryBaseRateRateProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 25066556556930, true)
	f.write(t, 1345125630, 25066575790604, true)

	q := params(1345125600, 1345125660)
	q.Projection = ProjectionRate
	env, err := f.svc.QueryBaseRate(ctx, q)
	if err != nil {
		t.Fatal(err)
	}
	want := float64(19233674) / 30
	if len(env.Data) != 1 || math.Abs(env.Data[0][1]-want) > 1e-9 {
		t.Errorf("rate point = %v, want value %g", env.Data, want)
	}
}

func TestQueryBaseRateBadProjection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1345125600, 1000, true)

	q := params(1345125600, 1345125660)
	q.Projection = "median"
	if _, err := f.svc.QueryBaseRate(ctx, q); !errors.Is(err, errors.ErrInvalidProjection) {
		t.Errorf("got %v, want ErrInvalidProjection", err)
	}
}

func TestQueryAggregation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Steady 19233674 per 30s across four samples.
	for i := int64(0); i < 4; i++ {
		f.write(t, 1345125600+i*30, 25066556556930+uint64(i)*19233674, true)
	}

	q := params(1345125600, 1345129200)
	q.Frequency = 3600
	q.Statistic = "average"

	env, err := f.svc.QueryAggregation(ctx, q)
	if err != nil {
		t.Fatalf("QueryAggregation() error: %v", err)
	}
	if env.Agg != 3600 || env.CF != "average" {
		t.Errorf("envelope agg=%d cf=%q", env.Agg, env.CF)
	}
	if len(env.Data) != 1 {
		t.Fatalf("got %d buckets, want 1", len(env.Data))
	}

	wantRate := float64(19233674) / 30
	if math.Abs(env.Data[0][1]-wantRate) > 1e-6 {
		t.Errorf("average = %g, want %g", env.Data[0][1], wantRate)
	}
	if env.Data[0][0] != float64(series.BucketStart(1345125600, 3600)) {
		t.Errorf("bucket ts = %g, not aligned", env.Data[0][0])
	}
}

func TestQueryAggregationParamErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1345125600, 1000, true)

	t.Run("frequency required", func(t *testing.T) {
		q := params(0, 1345130000)
		q.Statistic = "average"
		if _, err := f.svc.QueryAggregation(ctx, q); !errors.Is(err, errors.ErrFrequencyRequired) {
			t.Errorf("got %v, want ErrFrequencyRequired", err)
		}
	})

	t.Run("unknown frequency", func(t *testing.T) {
		q := params(0, 1345130000)
		q.Frequency = 300
		q.Statistic = "average"
		if _, err := f.svc.QueryAggregation(ctx, q); !errors.Is(err, errors.ErrFrequencyRequired) {
			t.Errorf("got %v, want ErrFrequencyRequired", err)
		}
	})

	t.Run("missing statistic", func(t *testing.T) {
		q := params(0, 1345130000)
		q.Frequency = 3600
		if _, err := f.svc.QueryAggregation(ctx, q); !errors.Is(err, errors.ErrInvalidStatistic) {
			t.Errorf("got %v, want ErrInvalidStatistic", err)
		}
	})

	t.Run("bad statistic", func(t *testing.T) {
		q := params(0, 1345130000)
		q.Frequency = 3600
		q.Statistic = "mode"
		if _, err := f.svc.QueryAggregation(ctx, q); !errors.Is(err, errors.ErrInvalidStatistic) {
			t.Errorf("got %v, want ErrInvalidStatistic", err)
		}
	})
}

func TestQueryUnknownSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1345125600, 1000, true)

	t.Run("unknown device", func(t *testing.T) {
		q := params(0, 1345130000)
		q.Device = "no_such_router"
		if _, err := f.svc.QueryRawData(ctx, q); !errors.Is(err, errors.ErrDeviceNotFound) {
			t.Errorf("got %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("unknown series on known device", func(t *testing.T) {
		q := params(0, 1345130000)
		q.SubPath = "NoSuchInterface"
		if _, err := f.svc.QueryRawData(ctx, q); !errors.Is(err, errors.ErrSeriesNotFound) {
			t.Errorf("got %v, want ErrSeriesNotFound", err)
		}
	})
}

func TestQueryEmptyRangeOnKnownSeries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, 1345125600, 1000, true)

	// Known series, range with no data: empty envelope, not an error.
	env, err := f.svc.QueryRawData(ctx, params(1345000000, 1345000100))
	if err != nil {
		t.Fatalf("QueryRawData() = %v, want empty envelope", err)
	}
	if len(env.Data) != 0 {
		t.Errorf("got %d points, want 0", len(env.Data))
	}
	if env.Data == nil {
		t.Error("Data should be an empty slice, not nil")
	}
}

func TestQueryAfterFlushReadsColdSegments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 25066556556930, true)
	f.write(t, 1345125630, 25066575790604, true)

	if err := f.store.Flush(); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	env, err := f.svc.QueryRawData(ctx, params(1345125600, 1345125660))
	if err != nil {
		t.Fatalf("QueryRawData() after flush error: %v", err)
	}
	if len(env.Data) != 2 {
		t.Fatalf("got %d cold points, want 2", len(env.Data))
	}

	rates, err := f.svc.QueryBaseRate(ctx, params(1345125600, 1345125660))
	if err != nil {
		t.Fatal(err)
	}
	if len(rates.Data) != 1 || rates.Data[0][1] != 19233674 {
		t.Errorf("cold delta = %v, want 19233674", rates.Data)
	}
}

func TestQueryKnownSeriesSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	store, err := tsstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Write(series.Sample{
		Device:    "router_a",
		MetricSet: "counter-set",
		Metric:    "ifHCInOctets",
		SubPath:   "GigabitEthernet0_1",
		Timestamp: 1345125600,
		Value:     1000,
		Valid:     true,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	// The reopened store has an empty in-memory index; the series now
	// lives only in cold segments.
	store, err = tsstore.Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	svc, err := New(cfg, store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { svc.Close() })

	// Empty range on the flushed series: empty envelope, not not-found.
	env, err := svc.QueryRawData(ctx, params(1345000000, 1345000100))
	if err != nil {
		t.Fatalf("QueryRawData() after restart = %v, want empty envelope", err)
	}
	if len(env.Data) != 0 {
		t.Errorf("got %d points, want 0", len(env.Data))
	}

	// Truly unknown series on the flushed device still errors.
	q := params(1345000000, 1345000100)
	q.SubPath = "NoSuchInterface"
	if _, err := svc.QueryRawData(ctx, q); !errors.Is(err, errors.ErrSeriesNotFound) {
		t.Errorf("got %v, want ErrSeriesNotFound", err)
	}

	q = params(1345000000, 1345000100)
	q.Device = "no_such_router"
	if _, err := svc.QueryRawData(ctx, q); !errors.Is(err, errors.ErrDeviceNotFound) {
		t.Errorf("got %v, want ErrDeviceNotFound", err)
	}
}

func TestQueryMergesColdAndHot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.write(t, 1345125600, 1000, true)
	f.write(t, 1345125630, 2000, true)
	if err := f.store.Flush(); err != nil {
		t.Fatal(err)
	}
	f.write(t, 1345125660, 3000, true)

	env, err := f.svc.QueryRawData(ctx, params(1345125600, 1345125700))
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 3 {
		t.Fatalf("got %d points, want cold 2 + hot 1", len(env.Data))
	}
	if env.Data[2][0] != 1345125660 {
		t.Errorf("hot point not appended after cold: %v", env.Data)
	}
}

func TestQueryMaxRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.cfg.Query.MaxRows = 2

	for i := int64(0); i < 5; i++ {
		f.write(t, 1345125600+i*30, uint64(1000+i), true)
	}

	env, err := f.svc.QueryRawData(ctx, params(0, 1345130000))
	if err != nil {
		t.Fatal(err)
	}
	if len(env.Data) != 2 {
		t.Errorf("got %d points, want MaxRows cap of 2", len(env.Data))
	}
}
