// SPDX-License-Identifier: MIT

// Package queue is the render work intake: a redis list of job ids pushed by
// the API layer and popped by worker instances. Delivery is at-least-once;
// idempotence is enforced by the job driver through a status check.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// popTimeout bounds each BRPOP so a cancelled context is noticed promptly.
const popTimeout = 2 * time.Second

// ErrEmpty signals that no job was available within one poll interval.
var ErrEmpty = errors.New("queue: empty")

// Queue wraps the redis job list.
type Queue struct {
	client *redis.Client
	key    string
}

// New creates a queue over the given redis client and list key.
func New(client *redis.Client, key string) *Queue {
	return &Queue{client: client, key: key}
}

// Enqueue pushes a job id. Production enqueues happen in the API layer; this
// is used by operational tooling and tests.
func (q *Queue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.LPush(ctx, q.key, jobID).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Pop blocks up to one poll interval for the next job id. Returns ErrEmpty on
// timeout so the caller can re-check its context and loop.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrEmpty
	}
	if err != nil {
		return "", fmt.Errorf("queue: pop: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("queue: unexpected BRPOP reply of length %d", len(res))
	}
	return res[1], nil
}

// Len reports the current queue depth.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return n, nil
}
