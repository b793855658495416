package wal

import (
	"os"
	"testing"
	"time"

	"github.com/xtxerr/archivist/internal/series"
)

func testSamples(n int, base int64) []series.Sample {
	out := make([]series.Sample, n)
	for i := range out {
		out[i] = series.Sample{
			Device:    "router_a",
			MetricSet: "counter-set",
			Metric:    "ifHCInOctets",
			SubPath:   "GigabitEthernet0_1",
			Timestamp: base + int64(i)*30,
			Value:     25066556556930 + uint64(i)*19233674,
			Valid:     true,
		}
	}
	return out
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testSamples(5, 1345125600)
	in[2].Valid = false

	payload, err := encodeSamples(in)
	if err != nil {
		t.Fatalf("encodeSamples() error: %v", err)
	}

	out, err := decodeSamples(payload)
	if err != nil {
		t.Fatalf("decodeSamples() error: %v", err)
	}

	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	payload, err := encodeSamples(testSamples(2, 1345125600))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeSamples(payload[:len(payload)-3]); err == nil {
		t.Error("decodeSamples() on truncated payload = nil, want error")
	}
	if _, err := decodeSamples([]byte{1, 2}); err == nil {
		t.Error("decodeSamples() on short payload = nil, want error")
	}
}

func TestWriteReadSegment(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}

	in := testSamples(10, 1345125600)
	if err := w.Write(in[:6]); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Write(in[6:]); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	paths, err := ListSegments(dir)
	if err != nil {
		t.Fatalf("ListSegments() error: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("got %d segments, want 1", len(paths))
	}

	out, err := ReadSegment(paths[0])
	if err != nil {
		t.Fatalf("ReadSegment() error: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %+v, want %+v", i, out[i], in[i])
		}
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync", MaxSegmentSize: 256})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := w.Write(testSamples(1, 1345125600+int64(i)*30)); err != nil {
			t.Fatalf("Write() #%d error: %v", i, err)
		}
	}
	w.Close()

	paths, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) < 2 {
		t.Fatalf("got %d segments, want rotation to produce several", len(paths))
	}

	all, err := ReadAllSegments(paths)
	if err != nil {
		t.Fatalf("ReadAllSegments() error: %v", err)
	}
	if len(all) != 10 {
		t.Errorf("got %d samples across segments, want 10", len(all))
	}
}

func TestCorruptTailStopsReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync"})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(testSamples(4, 1345125600)); err != nil {
		t.Fatal(err)
	}
	w.Close()

	path := w.CurrentSegment()

	// Append garbage simulating a torn write.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0xde, 0xad, 0xbe})
	f.Close()

	out, err := ReadSegment(path)
	if err != nil {
		t.Fatalf("ReadSegment() error: %v", err)
	}
	if len(out) != 4 {
		t.Errorf("got %d samples, want the 4 intact ones", len(out))
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/0000000000000000.wal"
	if err := os.WriteFile(path, []byte("definitely not a wal file"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewReader(path); err == nil {
		t.Error("NewReader() on bad magic = nil, want error")
	}
}

func TestCheckpoint(t *testing.T) {
	dir := t.TempDir()

	w, err := NewWriter(dir, Options{SyncMode: "sync", MaxSegmentSize: 256})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	for i := 0; i < 6; i++ {
		if err := w.Write(testSamples(1, 1345125600+int64(i)*30)); err != nil {
			t.Fatal(err)
		}
	}

	before, _ := ListSegments(dir)
	if len(before) < 2 {
		t.Fatalf("want multiple segments before checkpoint, got %d", len(before))
	}

	deleted, err := w.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}
	if deleted == 0 {
		t.Error("Checkpoint() deleted nothing")
	}

	after, err := ListSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 1 {
		t.Errorf("got %d segments after checkpoint, want 1", len(after))
	}
	if after[0] != w.CurrentSegment() {
		t.Errorf("surviving segment %s is not the current one %s", after[0], w.CurrentSegment())
	}

	// The fresh segment is empty.
	out, err := ReadSegment(after[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 0 {
		t.Errorf("fresh segment has %d samples, want 0", len(out))
	}
}

func TestSyncIntervalOptionDefaults(t *testing.T) {
	opts := DefaultOptions()
	if opts.SyncInterval != time.Second {
		t.Errorf("SyncInterval = %s, want 1s", opts.SyncInterval)
	}
	if opts.SyncMode != "async" {
		t.Errorf("SyncMode = %q, want async", opts.SyncMode)
	}
}
