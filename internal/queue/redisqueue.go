package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xtxerr/archivist/internal/errors"
	"github.com/xtxerr/archivist/internal/model"
)

// envelope is the wire form of one queue entry. The producer marks the end
// of a run by pushing an entry with Done set; everything after that is the
// exhausted condition for consumers.
type envelope struct {
	ID     string           `msgpack:"id"`
	Done   bool             `msgpack:"done"`
	Result model.PollResult `msgpack:"result"`
}

// RedisQueue is a persist queue backed by a Redis list. The producer
// RPushes msgpack-encoded poll results; the consumer blocks on BLPOP.
type RedisQueue struct {
	client     *redis.Client
	name       string
	popTimeout time.Duration
	exhausted  atomic.Bool
}

// NewRedisQueue creates a queue on the given Redis address and list name.
func NewRedisQueue(addr, name string, popTimeout time.Duration) *RedisQueue {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return NewRedisQueueWithClient(client, name, popTimeout)
}

// NewRedisQueueWithClient creates a queue over an existing client.
func NewRedisQueueWithClient(client *redis.Client, name string, popTimeout time.Duration) *RedisQueue {
	if popTimeout <= 0 {
		popTimeout = time.Second
	}
	return &RedisQueue{
		client:     client,
		name:       name,
		popTimeout: popTimeout,
	}
}

// Get implements Queue. Transient emptiness blocks and re-arms; the
// producer's completion sentinel flips the queue into the permanent
// exhausted condition.
func (q *RedisQueue) Get(ctx context.Context) (model.PollResult, error) {
	if q.exhausted.Load() {
		return model.PollResult{}, errors.ErrQueueExhausted
	}

	for {
		res, err := q.client.BLPop(ctx, q.popTimeout, q.name).Result()
		if err == redis.Nil {
			// Temporarily empty, not terminal.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.PollResult{}, ctx.Err()
			}
			return model.PollResult{}, fmt.Errorf("queue pop: %w", err)
		}

		var env envelope
		if err := msgpack.Unmarshal([]byte(res[1]), &env); err != nil {
			return model.PollResult{}, errors.NewMalformed("envelope", err.Error())
		}
		if env.Done {
			q.exhausted.Store(true)
			return model.PollResult{}, errors.ErrQueueExhausted
		}
		return env.Result, nil
	}
}

// Put enqueues a poll result. Producer side; exposed so pollers and tests
// share one envelope encoding.
func (q *RedisQueue) Put(ctx context.Context, pr model.PollResult) error {
	data, err := msgpack.Marshal(&envelope{
		ID:     uuid.NewString(),
		Result: pr,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return q.client.RPush(ctx, q.name, data).Err()
}

// Finish pushes the completion sentinel. Consumers that reach it stop
// cleanly.
func (q *RedisQueue) Finish(ctx context.Context) error {
	data, err := msgpack.Marshal(&envelope{
		ID:   uuid.NewString(),
		Done: true,
	})
	if err != nil {
		return fmt.Errorf("encode sentinel: %w", err)
	}
	return q.client.RPush(ctx, q.name, data).Err()
}

// Len returns the current queue depth.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.name).Result()
}

// Close releases the Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
