package queue

import (
	"context"
	"sync"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/model"
)

// MemQueue is an in-process persist queue backed by a buffered channel.
// The producer calls Put then Close; consumers drain remaining results
// after Close and then receive the exhausted condition.
type MemQueue struct {
	mu     sync.Mutex
	ch     chan model.PollResult
	done   chan struct{}
	closed bool
}

// NewMemQueue creates a queue with the given buffer capacity.
func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{
		ch:   make(chan model.PollResult, capacity),
		done: make(chan struct{}),
	}
}

// Put enqueues a poll result. It blocks when the buffer is full and fails
// once the queue has been closed.
func (q *MemQueue) Put(ctx context.Context, pr model.PollResult) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return errors.ErrQueueClosed
	}
	q.mu.Unlock()

	// The data channel is never closed, so a Put racing Close cannot
	// panic; a blocked Put unblocks through done instead.
	select {
	case q.ch <- pr:
		return nil
	case <-q.done:
		return errors.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals completion. Buffered results remain retrievable; once
// drained, Get returns the exhausted condition.
func (q *MemQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// Get implements Queue.
func (q *MemQueue) Get(ctx context.Context) (model.PollResult, error) {
	select {
	case pr := <-q.ch:
		return pr, nil
	case <-q.done:
	case <-ctx.Done():
		return model.PollResult{}, ctx.Err()
	}

	// Closed: hand out whatever made it into the buffer first.
	select {
	case pr := <-q.ch:
		return pr, nil
	default:
		return model.PollResult{}, errors.ErrQueueExhausted
	}
}

// Len returns the number of buffered results.
func (q *MemQueue) Len() int {
	return len(q.ch)
}

var _ Queue = (*MemQueue)(nil)
