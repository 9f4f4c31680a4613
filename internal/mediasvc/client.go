// SPDX-License-Identifier: MIT

// Package mediasvc is the client for the external video library's retrieve
// API. It owns the process-wide token bucket and concurrency cap for that
// service; stream-URL caching is per render job via Session.
package mediasvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ManuGH/lyra/internal/log"
)

const (
	// requestsPerMinute is the retrieve API's documented rate ceiling.
	requestsPerMinute = 40
	// maxConcurrent is the retrieve API's documented concurrency ceiling.
	maxConcurrent = 10
	// requestTimeout bounds a single retrieve call.
	requestTimeout = 15 * time.Second
	// jitterMax de-bursts calls against the external service.
	jitterMax = 500 * time.Millisecond

	// cacheTTL is how long a resolved stream URL is trusted. URLs typically
	// stay valid for hours; entries are evicted early on a 4xx at use time.
	cacheTTL = 2 * time.Hour
)

var (
	// ErrNotConfigured signals missing retrieve-service credentials. Treated
	// as a permanent candidate failure so jobs fall through to local or
	// placeholder material instead of refusing to start.
	ErrNotConfigured = errors.New("mediasvc: not configured")
	// ErrRateLimited signals an upstream 429.
	ErrRateLimited = errors.New("mediasvc: rate limited")
)

// StatusError wraps a non-2xx retrieve response.
type StatusError struct {
	StatusCode int
	VideoID    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mediasvc: video %s: http %d", e.VideoID, e.StatusCode)
}

// Permanent reports whether the status is a 4xx that should advance the
// fallback machine instead of being retried.
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Client talks to the retrieve API. One instance per process.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	logger  zerolog.Logger

	// jitter is swappable for tests.
	jitter func() time.Duration
}

// Option mutates a Client during construction.
type Option func(*Client)

// WithHTTPClient overrides the underlying http client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpc = h }
}

// WithoutJitter disables the pre-call jitter. Test use only.
func WithoutJitter() Option {
	return func(c *Client) { c.jitter = func() time.Duration { return 0 } }
}

// WithRate overrides the token bucket. Test use only.
func WithRate(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New creates the retrieve client. An empty baseURL yields an unconfigured
// client whose Resolve always fails permanently.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Every(time.Minute/requestsPerMinute), 1),
		sem:     semaphore.NewWeighted(maxConcurrent),
		logger:  log.WithComponent("mediasvc"),
		jitter: func() time.Duration {
			return time.Duration(rand.Int63n(int64(jitterMax)))
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a per-job resolver with a fresh stream-URL cache. The
// token bucket and concurrency cap stay shared across sessions.
func (c *Client) Session() *Session {
	return &Session{
		client: c,
		cache:  gocache.New(cacheTTL, 10*time.Minute),
	}
}

type resolveResponse struct {
	StreamURL string `json:"stream_url"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// resolve performs one uncached retrieve call.
func (c *Client) resolve(ctx context.Context, videoID string) (string, error) {
	if c.baseURL == "" {
		return "", ErrNotConfigured
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("mediasvc: token bucket: %w", err)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("mediasvc: concurrency cap: %w", err)
	}
	defer c.sem.Release(1)

	// De-burst against the external service.
	if d := c.jitter(); d > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(d):
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/videos/%s/stream", c.baseURL, videoID)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("mediasvc: build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("mediasvc: retrieve %s: %w", videoID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: video %s", ErrRateLimited, videoID)
	case resp.StatusCode >= 400:
		return "", &StatusError{StatusCode: resp.StatusCode, VideoID: videoID}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("mediasvc: read response: %w", err)
	}
	var parsed resolveResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("mediasvc: decode response: %w", err)
	}
	if parsed.StreamURL == "" {
		return "", fmt.Errorf("mediasvc: empty stream url for video %s", videoID)
	}
	return parsed.StreamURL, nil
}

// Session resolves stream URLs for one job, caching by video id.
type Session struct {
	client *Client
	cache  *gocache.Cache
}

// Resolve returns the streaming URL for a source video, from cache when
// possible.
func (s *Session) Resolve(ctx context.Context, videoID string) (string, error) {
	if cached, ok := s.cache.Get(videoID); ok {
		return cached.(string), nil
	}
	url, err := s.client.resolve(ctx, videoID)
	if err != nil {
		return "", err
	}
	s.cache.Set(videoID, url, gocache.DefaultExpiration)
	return url, nil
}

// Invalidate evicts a cached stream URL, typically after the URL served a
// 4xx or turned out to be expired. The next Resolve re-resolves.
func (s *Session) Invalidate(videoID string) {
	s.cache.Delete(videoID)
}
