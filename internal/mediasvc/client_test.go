// SPDX-License-Identifier: MIT

package mediasvc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func fastClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "test-token",
		WithoutJitter(),
		WithRate(rate.NewLimiter(rate.Inf, 1)),
	)
	return c, srv
}

func TestResolveCachesPerSession(t *testing.T) {
	var calls atomic.Int64
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"stream_url": "http://cdn/v1.m3u8"}`))
	}))

	s := c.Session()
	ctx := context.Background()

	url, err := s.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/v1.m3u8", url)

	// Cache hit skips the external call.
	_, err = s.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// A fresh session does not share the cache.
	_, err = c.Session().Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestInvalidateForcesReResolve(t *testing.T) {
	var calls atomic.Int64
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"stream_url": "http://cdn/v1.m3u8"}`))
	}))

	s := c.Session()
	ctx := context.Background()
	_, err := s.Resolve(ctx, "v1")
	require.NoError(t, err)

	s.Invalidate("v1")
	_, err = s.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolve404IsPermanent(t *testing.T) {
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.Session().Resolve(context.Background(), "missing")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.True(t, se.Permanent())
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
}

func TestResolve500IsNotPermanent(t *testing.T) {
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := c.Session().Resolve(context.Background(), "v1")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.False(t, se.Permanent())
}

func TestResolve429(t *testing.T) {
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Session().Resolve(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDefaultClientCeilings(t *testing.T) {
	c := New("http://media.test", "token")

	// 40 requests per minute, no burst headroom.
	assert.Equal(t, rate.Every(time.Minute/40), c.limiter.Limit())
	assert.Equal(t, 1, c.limiter.Burst())

	// 10-way concurrency cap.
	require.True(t, c.sem.TryAcquire(10))
	assert.False(t, c.sem.TryAcquire(1))
	c.sem.Release(10)
}

func TestUnconfiguredClient(t *testing.T) {
	c := New("", "")
	_, err := c.Session().Resolve(context.Background(), "v1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestFailedResolveIsNotCached(t *testing.T) {
	var calls atomic.Int64
	c, _ := fastClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"stream_url": "http://cdn/v1.m3u8"}`))
	}))

	s := c.Session()
	ctx := context.Background()
	_, err := s.Resolve(ctx, "v1")
	require.Error(t, err)

	url, err := s.Resolve(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "http://cdn/v1.m3u8", url)
	assert.Equal(t, int64(2), calls.Load())
}
