// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ManuGH/lyra/internal/log"
)

// patch is the wire format of a config message. Every field is optional;
// unknown keys are ignored for forward compatibility.
type patch struct {
	MaxParallelism        *int    `json:"max_parallelism"`
	PerVideoLimit         *int    `json:"per_video_limit"`
	MaxRetry              *int    `json:"max_retry"`
	RetryBackoffBaseMS    *int    `json:"retry_backoff_base_ms"`
	PlaceholderAssetPath  *string `json:"placeholder_asset_path"`
	MetricsFlushIntervalS *int    `json:"metrics_flush_interval_s"`
}

// Watcher subscribes to the render config channel and applies validated
// patches to the Store. It runs for the process lifetime and survives broker
// disconnects via reconnect with bounded backoff.
type Watcher struct {
	Client  *redis.Client
	Channel string
	Store   *Store

	// CheckAssets controls whether a patched placeholder path must exist
	// on disk. Disabled only in tests.
	CheckAssets bool
}

const (
	reconnectBase = time.Second
	reconnectMax  = 30 * time.Second
)

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	logger := log.WithComponent("config-watcher")
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		sub := w.Client.Subscribe(ctx, w.Channel)
		// Wait for the subscription to be confirmed before consuming.
		if _, err := sub.Receive(ctx); err != nil {
			_ = sub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Dur("backoff", backoff).Msg("subscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectBase
		logger.Info().Str("channel", w.Channel).Msg("subscribed to config channel")

		ch := sub.Channel()
	consume:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					_ = sub.Close()
					break consume
				}
				w.Apply(logger, []byte(msg.Payload))
			}
		}
	}
}

// Apply parses and validates one patch payload, then swaps the store.
// Malformed or out-of-range payloads are rejected without mutating state.
func (w *Watcher) Apply(logger zerolog.Logger, payload []byte) {
	var p patch
	if err := json.Unmarshal(payload, &p); err != nil {
		logger.Warn().Err(err).Msg("rejecting malformed config payload")
		return
	}

	next := *w.Store.Current()
	if p.MaxParallelism != nil {
		next.MaxParallelism = *p.MaxParallelism
	}
	if p.PerVideoLimit != nil {
		next.PerVideoLimit = *p.PerVideoLimit
	}
	if p.MaxRetry != nil {
		next.MaxRetry = *p.MaxRetry
	}
	if p.RetryBackoffBaseMS != nil {
		next.RetryBackoffBaseMS = *p.RetryBackoffBaseMS
	}
	if p.PlaceholderAssetPath != nil {
		next.PlaceholderAssetPath = *p.PlaceholderAssetPath
	}
	if p.MetricsFlushIntervalS != nil {
		next.MetricsFlushIntervalS = *p.MetricsFlushIntervalS
	}

	var err error
	if w.CheckAssets {
		err = next.ValidateAssets()
	} else {
		err = next.Validate()
	}
	if err != nil {
		logger.Warn().Err(err).Msg("rejecting invalid config payload")
		return
	}

	w.Store.Replace(next)
	logger.Info().
		Int("max_parallelism", next.MaxParallelism).
		Int("per_video_limit", next.PerVideoLimit).
		Int("max_retry", next.MaxRetry).
		Msg("render config updated")
}
