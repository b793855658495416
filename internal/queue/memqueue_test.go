package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/model"
)

func TestMemQueuePutGet(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(8)

	want := model.PollResult{
		Device:    "router_a",
		MetricSet: "counter-set",
		Timestamp: 1345125600,
	}
	if err := q.Put(ctx, want); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := q.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Device != want.Device || got.Timestamp != want.Timestamp {
		t.Errorf("Get() = %+v, want %+v", got, want)
	}
}

func TestMemQueueDrainThenExhausted(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(8)

	for i := 0; i < 3; i++ {
		if err := q.Put(ctx, model.PollResult{Timestamp: int64(i + 1)}); err != nil {
			t.Fatal(err)
		}
	}
	q.Close()

	// Buffered entries still come out in order after Close.
	for i := 0; i < 3; i++ {
		pr, err := q.Get(ctx)
		if err != nil {
			t.Fatalf("Get() #%d error: %v", i, err)
		}
		if pr.Timestamp != int64(i+1) {
			t.Errorf("Get() #%d ts = %d, want %d", i, pr.Timestamp, i+1)
		}
	}

	// Then the terminal condition, stable across calls.
	for i := 0; i < 2; i++ {
		if _, err := q.Get(ctx); !errors.IsExhausted(err) {
			t.Fatalf("Get() after drain = %v, want ErrQueueExhausted", err)
		}
	}
}

func TestMemQueuePutAfterClose(t *testing.T) {
	q := NewMemQueue(1)
	q.Close()
	if err := q.Put(context.Background(), model.PollResult{}); !errors.Is(err, errors.ErrQueueClosed) {
		t.Errorf("Put() after Close = %v, want ErrQueueClosed", err)
	}
}

func TestMemQueuePutCloseRace(t *testing.T) {
	ctx := context.Background()
	q := NewMemQueue(1)

	// Producers keep putting until the queue closes under them; any
	// blocked Put must fail with ErrQueueClosed rather than panic.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := q.Put(ctx, model.PollResult{Device: "router_a", Timestamp: 1})
				if err == nil {
					continue
				}
				if !errors.Is(err, errors.ErrQueueClosed) {
					t.Errorf("Put() = %v, want ErrQueueClosed", err)
				}
				return
			}
		}()
	}

	for i := 0; i < 64; i++ {
		if _, err := q.Get(ctx); err != nil {
			t.Fatalf("Get() error: %v", err)
		}
	}
	q.Close()
	wg.Wait()

	// Anything buffered before Close drains, then exhausted.
	for {
		_, err := q.Get(ctx)
		if err == nil {
			continue
		}
		if !errors.IsExhausted(err) {
			t.Fatalf("Get() after close = %v, want ErrQueueExhausted", err)
		}
		break
	}
}

func TestMemQueueGetContextCancel(t *testing.T) {
	q := NewMemQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Get(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("Get() = %v, want DeadlineExceeded", err)
	}
}
