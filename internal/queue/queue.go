// Package queue provides the persist queue the run loop drains: an ordered
// source of poll results with a terminal exhausted condition distinct from
// "temporarily no data".
package queue

import (
	"context"

	"github.com/xtxerr/archivist/internal/model"
)

// Queue is the consumer side of a persist queue.
type Queue interface {
	// Get returns the next poll result. It blocks while the queue is
	// temporarily empty and returns errors.ErrQueueExhausted permanently
	// once the producer has signaled completion. Callers must not
	// poll-retry on the exhausted condition.
	Get(ctx context.Context) (model.PollResult, error)
}
