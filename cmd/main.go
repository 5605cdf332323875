package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"echovault/server/internal/config"
	"echovault/server/internal/logger"
	"echovault/server/internal/memory"
	"echovault/server/internal/observability"
	"echovault/server/internal/rag"
	"echovault/server/internal/storage"
	"echovault/server/internal/web"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging)

	// The durable store is the source of truth; without it there is nothing
	// to serve.
	pgStore, err := storage.NewPostgresStore(cfg.Database.Postgres, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pgStore.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := pgStore.EnsureSchema(ctx, cfg.AI.Embedding.Dimension); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}
	cancel()
	log.Info().Msg("postgres connected")

	// Blob store and fast index are accelerators; a failed connection only
	// degrades the corresponding path.
	var blobs memory.BlobStore
	blobStore, err := storage.NewBlobStore(cfg.Database.Redis, log)
	if err != nil {
		log.Warn().Err(err).Msg("blob store unavailable, oversized content stays inline")
	} else {
		defer blobStore.Close()
		blobs = blobStore
		log.Info().Msg("redis connected")
	}

	var index memory.VectorIndex
	if cfg.Database.Qdrant.Enabled {
		vectorIndex, err := rag.NewVectorIndex(cfg.Database.Qdrant, log)
		if err != nil {
			log.Warn().Err(err).Msg("vector index unavailable, similarity search served by postgres")
		} else {
			defer vectorIndex.Close()
			index = vectorIndex
			log.Info().Msg("qdrant connected")
		}
	}

	embedder := rag.NewEmbeddingService(cfg.AI.Embedding, log)
	summarizer := rag.NewChatSummarizer(cfg.AI.Summarizer, log)

	metrics := observability.NewMetrics()
	hub := observability.NewEventHub(log)
	go hub.Run()

	coord := memory.NewCoordinator(pgStore, index, blobs, embedder, memory.Options{
		InlineThreshold: cfg.Memory.InlineThreshold,
		FingerprintSalt: cfg.Memory.FingerprintSalt,
		HealthWindow:    cfg.Memory.HealthWindow,
		DefaultLimit:    cfg.Memory.SearchLimit,
	}, metrics, hub, log)

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Init(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("failed to initialize coordinator")
	}
	cancel()

	lifecycle := memory.NewLifecycle(coord, pgStore, blobs, summarizer, cfg.Lifecycle, metrics, hub, log)

	scheduler := cron.New()
	if err := lifecycle.Schedule(scheduler); err != nil {
		log.Fatal().Err(err).Msg("failed to schedule lifecycle jobs")
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := web.NewRouter(cfg, coord, lifecycle, hub, metrics, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}

	log.Info().Msg("server stopped")
}
