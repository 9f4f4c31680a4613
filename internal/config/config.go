// SPDX-License-Identifier: MIT

// Package config holds the runtime parameters of the render worker and keeps
// them hot-reloadable through a redis control channel.
package config

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// RenderClip holds the process-wide clip rendering parameters. Instances are
// immutable once published; hot reloads swap the whole struct atomically.
type RenderClip struct {
	MaxParallelism        int    `env:"RENDER_CLIP_CONCURRENCY, default=4" json:"max_parallelism" validate:"min=1,max=6"`
	PerVideoLimit         int    `env:"RENDER_PER_VIDEO_LIMIT, default=2" json:"per_video_limit" validate:"min=1"`
	MaxRetry              int    `env:"RENDER_MAX_RETRY, default=2" json:"max_retry" validate:"min=0"`
	RetryBackoffBaseMS    int    `env:"RENDER_RETRY_BACKOFF_BASE_MS, default=500" json:"retry_backoff_base_ms" validate:"min=0"`
	PlaceholderAssetPath  string `env:"PLACEHOLDER_CLIP_PATH, default=media/fallback/clip_placeholder.mp4" json:"placeholder_asset_path" validate:"required"`
	MetricsFlushIntervalS int    `env:"RENDER_METRICS_FLUSH_INTERVAL_S, default=15" json:"metrics_flush_interval_s" validate:"min=1"`
}

// Worker holds process bootstrap settings that are not hot-reloadable.
type Worker struct {
	RedisAddr     string `env:"REDIS_ADDR, default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB, default=0"`
	DBPath        string `env:"DB_PATH, default=lyra.db"`
	QueueKey      string `env:"RENDER_QUEUE_KEY, default=render:jobs"`
	ConfigChannel string `env:"RENDER_CONFIG_CHANNEL, default=render:config"`
	MediaAPIBase  string `env:"MEDIA_API_BASE_URL"`
	MediaAPIToken string `env:"MEDIA_API_TOKEN"`
	MediaDir      string `env:"MEDIA_DIR, default=media"`
	OutputDir     string `env:"RENDER_OUTPUT_DIR, default=output"`
	FFmpegPath    string `env:"FFMPEG_PATH, default=ffmpeg"`
	FFprobePath   string `env:"FFPROBE_PATH, default=ffprobe"`
	AdminAddr     string `env:"ADMIN_ADDR, default=:9108"`

	Clip RenderClip
}

var validate = validator.New()

// Validate checks the numeric ranges of a RenderClip.
func (c *RenderClip) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ValidateAssets additionally requires the placeholder asset to exist on disk.
// Separated from Validate so unit tests can exercise range checks without
// provisioning media files.
func (c *RenderClip) ValidateAssets() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(c.PlaceholderAssetPath); err != nil {
		return fmt.Errorf("config: placeholder asset %q: %w", c.PlaceholderAssetPath, err)
	}
	return nil
}

// FlushInterval returns the metrics flush interval as a duration.
func (c *RenderClip) FlushInterval() time.Duration {
	return time.Duration(c.MetricsFlushIntervalS) * time.Second
}

// RetryBackoffBase returns the retry backoff base as a duration.
func (c *RenderClip) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMS) * time.Millisecond
}

// FromEnv loads the worker bootstrap configuration from the environment.
func FromEnv(ctx context.Context) (*Worker, error) {
	w := &Worker{}
	if err := envconfig.Process(ctx, w); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := w.Clip.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// Store publishes the current RenderClip. Readers call Current on every
// admission decision; the watcher replaces the pointer atomically so a reader
// sees either the old or the new config, never a mix.
type Store struct {
	cur atomic.Pointer[RenderClip]
}

// NewStore creates a store seeded with the given config.
func NewStore(initial RenderClip) *Store {
	s := &Store{}
	s.cur.Store(&initial)
	return s
}

// Current returns the active config. The returned value must not be mutated.
func (s *Store) Current() *RenderClip {
	return s.cur.Load()
}

// Replace swaps in a new config.
func (s *Store) Replace(next RenderClip) {
	s.cur.Store(&next)
}
