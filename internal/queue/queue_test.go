// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, "render:jobs")
}

func TestEnqueuePopFIFO(t *testing.T) {
	ctx := context.Background()
	q := setup(t)

	require.NoError(t, q.Enqueue(ctx, "job-1"))
	require.NoError(t, q.Enqueue(ctx, "job-2"))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	first, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", first)

	second, err := q.Pop(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-2", second)
}

func TestPopEmpty(t *testing.T) {
	q := setup(t)
	_, err := q.Pop(context.Background())
	assert.ErrorIs(t, err, ErrEmpty)
}
