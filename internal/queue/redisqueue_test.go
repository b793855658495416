package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/model"
)

func newTestRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "test_persist_queue", 50*time.Millisecond)
	t.Cleanup(func() { q.Close() })
	return q
}

func TestRedisQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	want := model.PollResult{
		Device:     "router_a",
		MetricSet:  "counter-set",
		MetricName: "ifHCInOctets",
		Timestamp:  1345125600,
		Data: []model.Entry{
			{Key: "ifHCInOctets/GigabitEthernet0_1", Value: uint64(25066556556930)},
		},
	}
	if err := q.Put(ctx, want); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	n, err := q.Len(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Len() = %d, %v, want 1", n, err)
	}

	got, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Device != want.Device || got.MetricName != want.MetricName || got.Timestamp != want.Timestamp {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
	if len(got.Data) != 1 || got.Data[0].Key != want.Data[0].Key {
		t.Errorf("Data = %+v, want %+v", got.Data, want.Data)
	}

	v, err := model.CoerceUint64(got.Data[0].Value)
	if err != nil || v != 25066556556930 {
		t.Errorf("counter value = %d, %v, want 25066556556930", v, err)
	}
}

func TestRedisQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	for i := int64(1); i <= 3; i++ {
		if err := q.Put(ctx, model.PollResult{Device: "r", Timestamp: i}); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(1); i <= 3; i++ {
		pr, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get() error: %v", err)
		}
		if pr.Timestamp != i {
			t.Errorf("ts = %d, want %d", pr.Timestamp, i)
		}
	}
}

func TestRedisQueueFinishExhausts(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	if err := q.Put(ctx, model.PollResult{Device: "r", Timestamp: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.Finish(ctx); err != nil {
		t.Fatal(err)
	}

	if _, err := q.Get(ctx); err != nil {
		t.Fatalf("Get() before sentinel: %v", err)
	}

	// The sentinel flips the queue into the permanent exhausted state,
	// even on repeated calls that never touch Redis again.
	for i := 0; i < 2; i++ {
		if _, err := q.Get(ctx); !errors.IsExhausted(err) {
			t.Fatalf("Get() = %v, want ErrQueueExhausted", err)
		}
	}
}

func TestRedisQueueMalformedEntry(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewRedisQueueWithClient(client, "test_persist_queue", 50*time.Millisecond)
	defer q.Close()

	if _, err := mr.Push("test_persist_queue", "not msgpack"); err != nil {
		t.Fatal(err)
	}

	_, err := q.Get(ctx)
	if !errors.Is(err, errors.ErrMalformedRecord) {
		t.Errorf("Get() = %v, want ErrMalformedRecord", err)
	}
}

func TestRedisQueueContextCancel(t *testing.T) {
	q := newTestRedisQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Get() = %v, want DeadlineExceeded", err)
	}
}
