package tsstore

import (
	"math"
	"testing"

	"github.com/xtxerr/archivist/internal/series"
)

func sample(ts int64, value uint64, valid bool) series.Sample {
	return series.Sample{
		Device:    "router_a",
		MetricSet: "counter-set",
		Metric:    "ifHCInOctets",
		SubPath:   "GigabitEthernet0_1",
		Timestamp: ts,
		Value:     value,
		Valid:     valid,
	}
}

func TestDeriveRate(t *testing.T) {
	tests := []struct {
		name      string
		prev, cur series.Sample
		bits      int
		maxRate   float64
		wantDelta uint64
		wantValid bool
	}{
		{
			name:      "normal increase",
			prev:      sample(1345125600, 25066556556930, true),
			cur:       sample(1345125630, 25066575790604, true),
			bits:      64,
			maxRate:   1e12,
			wantDelta: 19233674,
			wantValid: true,
		},
		{
			name:      "no change",
			prev:      sample(1345125600, 1000, true),
			cur:       sample(1345125630, 1000, true),
			bits:      64,
			maxRate:   1e12,
			wantDelta: 0,
			wantValid: true,
		},
		{
			name:      "32-bit wrap",
			prev:      sample(1345125600, math.MaxUint32-99, true),
			cur:       sample(1345125630, 400, true),
			bits:      32,
			maxRate:   1e9,
			wantDelta: 500,
			wantValid: true,
		},
		{
			name:      "64-bit wrap",
			prev:      sample(1345125600, math.MaxUint64-99, true),
			cur:       sample(1345125630, 400, true),
			bits:      64,
			maxRate:   1e9,
			wantDelta: 500,
			wantValid: true,
		},
		{
			name:      "implausible wrap rejected",
			prev:      sample(1345125600, 5000000000000, true),
			cur:       sample(1345125630, 100, true),
			bits:      64,
			maxRate:   1e6,
			wantDelta: 0,
			wantValid: false,
		},
		{
			name:      "32-bit wrap with value beyond width",
			prev:      sample(1345125600, uint64(math.MaxUint32) + 5000, true),
			cur:       sample(1345125630, 100, true),
			bits:      32,
			maxRate:   1e12,
			wantDelta: 0,
			wantValid: false,
		},
		{
			name:      "invalid previous sample",
			prev:      sample(1345125600, 1000, false),
			cur:       sample(1345125630, 2000, true),
			bits:      64,
			maxRate:   1e12,
			wantDelta: 0,
			wantValid: false,
		},
		{
			name:      "invalid current sample",
			prev:      sample(1345125600, 1000, true),
			cur:       sample(1345125630, 2000, false),
			bits:      64,
			maxRate:   1e12,
			wantDelta: 0,
			wantValid: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := deriveRate(&tt.prev, &tt.cur, tt.bits, tt.maxRate)
			if r.Delta != tt.wantDelta {
				t.Errorf("Delta = %d, want %d", r.Delta, tt.wantDelta)
			}
			if r.Valid != tt.wantValid {
				t.Errorf("Valid = %v, want %v", r.Valid, tt.wantValid)
			}
			if r.Timestamp != tt.cur.Timestamp {
				t.Errorf("Timestamp = %d, want %d", r.Timestamp, tt.cur.Timestamp)
			}
			if r.ElapsedSec != tt.cur.Timestamp-tt.prev.Timestamp {
				t.Errorf("ElapsedSec = %d", r.ElapsedSec)
			}
		})
	}
}

func TestRatePerSecond(t *testing.T) {
	prev := sample(1345125600, 25066556556930, true)
	cur := sample(1345125630, 25066575790604, true)

	r := deriveRate(&prev, &cur, 64, 1e12)
	want := float64(19233674) / 30
	if got := r.Rate(); math.Abs(got-want) > 1e-9 {
		t.Errorf("Rate() = %g, want %g", got, want)
	}
}

func TestCounterMax(t *testing.T) {
	if counterMax(32) != math.MaxUint32 {
		t.Error("counterMax(32) wrong")
	}
	if counterMax(64) != math.MaxUint64 {
		t.Error("counterMax(64) wrong")
	}
}
