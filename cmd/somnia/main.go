package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/somnia/internal/api"
	"github.com/nidhogg/somnia/internal/capture"
	"github.com/nidhogg/somnia/internal/config"
	"github.com/nidhogg/somnia/internal/dream"
	"github.com/nidhogg/somnia/internal/embedding"
	"github.com/nidhogg/somnia/internal/pattern"
	"github.com/nidhogg/somnia/internal/sleep"
	"github.com/nidhogg/somnia/internal/store"
	"github.com/nidhogg/somnia/internal/transfer"
	"github.com/nidhogg/somnia/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/somnia.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		cfg = config.Default()
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Somnia...")
	if err != nil {
		logger.Warn("config not loaded, using defaults", zap.String("path", cfgPath), zap.Error(err))
	} else {
		logger.Info("Config loaded", zap.String("path", cfgPath))
	}

	ctx := context.Background()

	// Embedding provider; degrades to the deterministic hash embedder when
	// no API is configured.
	embedder := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})

	// Qdrant vector index; optional, ranking falls back to in-process
	// cosine without it.
	var vectors *vectorstore.Index
	if cfg.Database.Qdrant.Host != "" {
		ix, qErr := vectorstore.New(vectorstore.Config{
			Host: cfg.Database.Qdrant.Host,
			Port: cfg.Database.Qdrant.Port,
		})
		if qErr != nil {
			logger.Warn("Qdrant unavailable, running without vector index", zap.Error(qErr))
		} else if qErr := ix.EnsureCollections(ctx, uint64(embedder.Dimension())); qErr != nil {
			logger.Warn("Qdrant collections unavailable", zap.Error(qErr))
			ix.Close()
		} else {
			vectors = ix
			logger.Info("Qdrant connected", zap.String("host", cfg.Database.Qdrant.Host))
		}
	}

	// Pattern store
	st, err := store.New(ctx, cfg.Database.Postgres.DSN, embedder, vectors, store.Options{
		Weights:       pattern.RankWeights{Vector: cfg.Store.VectorWeight, Rule: cfg.Store.RuleWeight},
		MinQuality:    cfg.Store.MinQuality,
		CacheBudget:   cfg.Store.CacheBudget,
		QueryCacheTTL: store.QueryCacheTTL(cfg.Store.QueryCacheTTL),
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect store", zap.Error(err))
	}
	if err := st.Migrate(ctx, "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Redis backs the fleet cycle lock and the cycle event stream; both
	// degrade gracefully without it.
	var rdb *redis.Client
	if cfg.Database.Redis.URL != "" {
		opts, rErr := redis.ParseURL(cfg.Database.Redis.URL)
		if rErr == nil {
			client := redis.NewClient(opts)
			if pErr := client.Ping(ctx).Err(); pErr != nil {
				logger.Warn("Redis unavailable, running single-node", zap.Error(pErr))
				client.Close()
			} else {
				rdb = client
				logger.Info("Redis connected")
			}
		} else {
			logger.Warn("bad redis url", zap.Error(rErr))
		}
	}

	// Experience capture
	buffer := capture.NewBuffer(capture.Config{
		FlushSize:     cfg.Capture.FlushSize,
		FlushInterval: time.Duration(cfg.Capture.FlushInterval),
		ChannelDepth:  cfg.Capture.QueueDepth,
	}, st, logger)

	// Dream engine
	dreamer := dream.New(dream.Config{
		SeedLimit:           cfg.Dream.SeedLimit,
		SimilarityThreshold: cfg.Dream.SimilarityThreshold,
		MaxOutDegree:        cfg.Dream.MaxOutDegree,
		NoiseFactor:         cfg.Dream.NoiseFactor,
		SpreadFactor:        cfg.Dream.SpreadFactor,
		DecayRate:           cfg.Dream.DecayRate,
		MaxIterations:       cfg.Dream.MaxIterations,
		CoActivation:        cfg.Dream.CoActivation,
		NoveltyThreshold:    cfg.Dream.NoveltyThreshold,
		MinConfidence:       cfg.Dream.MinConfidence,
		MaxInsights:         cfg.Dream.MaxInsights,
	}, st, logger)

	// Transfer protocol
	proto := transfer.New(transfer.Config{
		Threshold:         cfg.Transfer.CompatibilityThreshold,
		MaxBatch:          cfg.Transfer.MaxPatternsPerTransfer,
		MinConfidence:     cfg.Transfer.MinBroadcastConfidence,
		MinCopyConfidence: cfg.Transfer.MinCopyConfidence,
		Validate:          cfg.Transfer.ValidateEnabled(),
		Weights:           transfer.DefaultWeights(),
	}, st, logger)

	// Sleep-cycle scheduler
	lock := sleep.NewCycleLock(rdb, time.Duration(cfg.Sleep.MaxCycleDuration), logger)
	notifier := sleep.NewNotifier(rdb, logger)
	scheduler := sleep.New(sleep.Config{
		Trigger: sleep.TriggerConfig{
			Mode:            cfg.Sleep.Mode,
			CPUThreshold:    cfg.Sleep.CPUThreshold,
			MemoryThreshold: cfg.Sleep.MemoryThreshold,
			MinIdle:         time.Duration(cfg.Sleep.MinIdle),
			StartHour:       cfg.Sleep.StartHour,
			WindowHours:     cfg.Sleep.WindowHours,
			Weekdays:        cfg.Sleep.Weekdays,
		},
		PollInterval:     time.Duration(cfg.Sleep.PollInterval),
		MinCycleInterval: time.Duration(cfg.Sleep.MinCycleInterval),
		MaxCycleDuration: time.Duration(cfg.Sleep.MaxCycleDuration),
		Budgets: sleep.Budgets{
			Capture:     time.Duration(cfg.Sleep.PhaseBudgets.Capture),
			Process:     time.Duration(cfg.Sleep.PhaseBudgets.Process),
			Consolidate: time.Duration(cfg.Sleep.PhaseBudgets.Consolidate),
			Dream:       time.Duration(cfg.Sleep.PhaseBudgets.Dream),
		},
		MaxPatterns: cfg.Sleep.MaxPatterns,
		MaxAgents:   cfg.Sleep.MaxAgents,
	}, st, buffer, dreamer, proto, sleep.NewLoadSampler(buffer.Pending), lock, notifier, logger)

	schedCtx, stopScheduler := context.WithCancel(ctx)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		scheduler.Run(schedCtx)
	}()

	// HTTP server
	handler := api.NewHandler(st, scheduler, proto, buffer, logger)
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Somnia listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown: stop intake, let a running cycle finish, flush
	// what remains.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Somnia...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	stopScheduler()
	<-schedDone
	if err := buffer.Close(shutdownCtx); err != nil {
		logger.Warn("capture buffer drain incomplete", zap.Error(err))
	}
	if rdb != nil {
		rdb.Close()
	}
	st.Close()
}

func newLogger(level string) *zap.Logger {
	var logger *zap.Logger
	var err error
	switch level {
	case "debug":
		logger, err = zap.NewDevelopment()
	default:
		logger, err = zap.NewProduction()
	}
	if err != nil {
		logger = zap.NewNop()
	}
	return logger
}
