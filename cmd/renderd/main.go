// SPDX-License-Identifier: MIT

// Command renderd is the karaoke render worker: it pops render jobs from the
// redis queue, produces one clip per lyric line from the external video
// library, and assembles the final karaoke video.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/lyra/internal/config"
	"github.com/ManuGH/lyra/internal/ffmpeg"
	lyralog "github.com/ManuGH/lyra/internal/log"
	"github.com/ManuGH/lyra/internal/mediasvc"
	"github.com/ManuGH/lyra/internal/persistence"
	"github.com/ManuGH/lyra/internal/queue"
	"github.com/ManuGH/lyra/internal/render"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Printf("renderd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	lyralog.Configure(lyralog.Config{Service: "lyra-renderd"})
	logger := lyralog.WithComponent("renderd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.FromEnv(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}
	if err := cfg.Clip.ValidateAssets(); err != nil {
		logger.Fatal().Err(err).Msg("placeholder asset unavailable")
	}

	db, err := persistence.Open(cfg.DBPath, persistence.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("db_path", cfg.DBPath).Msg("database open failed")
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	defer func() { _ = rdb.Close() }()

	store := config.NewStore(cfg.Clip)
	watcher := &config.Watcher{
		Client:      rdb,
		Channel:     cfg.ConfigChannel,
		Store:       store,
		CheckAssets: true,
	}
	go watcher.Run(ctx)

	driver := &render.Driver{
		Jobs:      persistence.NewJobStore(db),
		Timelines: persistence.NewTimelineStore(db),
		Queue:     queue.New(rdb, cfg.QueueKey),
		Media:     mediasvc.New(cfg.MediaAPIBase, cfg.MediaAPIToken),
		Config:    store,
		Cutter:    ffmpeg.NewCutter(cfg.FFmpegPath),
		Prober:    ffmpeg.NewProber(cfg.FFprobePath),
		MediaDir:  cfg.MediaDir,
		OutputDir: cfg.OutputDir,
		Logger:    lyralog.WithComponent("driver"),
	}

	admin := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           adminRouter(rdb),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", cfg.AdminAddr).Msg("admin listener started")
		if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("admin listener failed")
		}
	}()

	logger.Info().
		Str("queue_key", cfg.QueueKey).
		Str("config_channel", cfg.ConfigChannel).
		Int("max_parallelism", cfg.Clip.MaxParallelism).
		Msg("render worker started")

	runErr := driver.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("admin shutdown failed")
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error().Err(runErr).Msg("worker stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("worker stopped")
}

// adminRouter serves health and metrics on the operational listener.
func adminRouter(rdb *redis.Client) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := rdb.Ping(req.Context()).Err(); err != nil {
			http.Error(w, "redis unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}
