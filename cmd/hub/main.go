package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coedit/hub/internal/admission"
	"github.com/coedit/hub/internal/api"
	"github.com/coedit/hub/internal/archive"
	"github.com/coedit/hub/internal/config"
	"github.com/coedit/hub/internal/hub"
	"github.com/coedit/hub/internal/metrics"
	"github.com/coedit/hub/internal/middleware"
	"github.com/coedit/hub/internal/presence"
	"github.com/coedit/hub/internal/pubsub"
	"github.com/coedit/hub/internal/server"
	"github.com/coedit/hub/internal/store"
	"github.com/coedit/hub/internal/ws"
)

const (
	exitConfig = 1
	exitStore  = 2
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(exitConfig)
	}

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to the document store. Unreachable store at startup is fatal
	// with its own exit code so supervisors can tell the failures apart.
	db, err := store.New(ctx, cfg.DocStoreURL)
	if err != nil {
		slog.Error("failed to connect to document store", "error", err)
		os.Exit(exitStore)
	}
	defer db.Close()
	slog.Info("connected to document store")

	if err := store.EnsureSchema(ctx, db, "migrations"); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(exitStore)
	}

	rooms := store.NewRoomStore(db)
	members := store.NewMemberStore(db)

	// Token service (use a default key for dev if not set)
	signingKey := cfg.TokenSigningKey
	if signingKey == "" {
		if cfg.IsDevelopment() {
			signingKey = "dev-signing-key-do-not-use-in-production!!" // 44 chars
			slog.Warn("using default token signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("TOKEN_SIGNING_KEY is required in production")
			os.Exit(exitConfig)
		}
	}
	tokens, err := admission.NewTokenService(signingKey)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(exitConfig)
	}

	// Pub/sub for cross-node room control events
	var ps pubsub.PubSub
	if cfg.PubSubType == "redis" {
		redisPS, err := pubsub.NewRedisPubSub(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to connect redis pub/sub", "error", err)
			os.Exit(exitConfig)
		}
		ps = redisPS
		slog.Info("redis pub/sub initialized")
	} else {
		ps = pubsub.NewMemoryPubSub()
	}
	defer ps.Close()

	// Guest occupancy registry (optional, needs Redis)
	var guests *presence.GuestRegistry
	if cfg.RedisURL != "" {
		guests, err = presence.NewGuestRegistry(cfg.RedisURL)
		if err != nil {
			slog.Warn("guest registry unavailable, guest occupancy not enforced across nodes", "error", err)
			guests = nil
		}
	}
	if guests != nil {
		defer guests.Close()
	}

	// Snapshot archive (optional)
	var snapshots *archive.SnapshotArchive
	if cfg.ArchiveEnabled() {
		snapshots, err = archive.New(cfg.ArchiveAccountID, cfg.ArchiveAccessKeyID, cfg.ArchiveSecretAccessKey, cfg.ArchiveBucket)
		if err != nil {
			slog.Error("failed to initialize snapshot archive", "error", err)
			os.Exit(exitConfig)
		}
		slog.Info("snapshot archive initialized", "bucket", cfg.ArchiveBucket)
	} else {
		slog.Warn("snapshot archive not configured - final snapshots stay in the document store only")
	}

	m := metrics.New()

	var guestCounter admission.GuestCounter
	var guestTracker hub.GuestTracker
	if guests != nil {
		guestCounter = guests
		guestTracker = guests
	}
	adm := admission.NewService(rooms, members, guestCounter, tokens, logger)

	var archiver hub.Archiver
	var purger api.SnapshotPurger
	if snapshots != nil {
		archiver = snapshots
		purger = snapshots
	}

	registry := hub.NewRegistry(hub.Deps{
		Store:    rooms,
		Members:  members,
		Guests:   guestTracker,
		Archiver: archiver,
		PubSub:   ps,
		Metrics:  m,
		Logger:   logger,
	}, hub.Options{
		DebouncePeriod:  cfg.DebouncePeriod,
		MaxStaleness:    cfg.MaxStaleness,
		IdleGracePeriod: cfg.IdleGracePeriod,
		TypingTTL:       cfg.TypingTTL,
		SaveRetryBudget: cfg.SaveRetryBudget,
		SaveBackoff:     cfg.SaveRetryBackoff,
		SaveBackoffCap:  cfg.SaveRetryCap,
	})

	roomHandler := api.NewRoomHandler(rooms, adm, ps, purger, logger)
	memberHandler := api.NewMemberHandler(rooms, members, adm, logger)
	wsHandler := ws.NewHandler(adm, registry, m, cfg.CORSOrigin, cfg.HeartbeatInterval, cfg.HeartbeatTimeout, logger)

	deps := &server.Dependencies{
		DB:            db,
		RoomHandler:   roomHandler,
		MemberHandler: memberHandler,
		WSHandler:     wsHandler,
		Metrics:       m,
		RateLimiter:   middleware.NewRateLimiter(cfg.CreateRoomPerMin),
		Logger:        logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(exitConfig)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer timeoutCancel()

	// Stop accepting connections, then drain the room actors so every live
	// document gets its final save.
	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced http shutdown", "error", err)
	}
	if err := registry.Shutdown(timeoutCtx); err != nil {
		slog.Error("room actors did not drain in time", "error", err)
	}

	slog.Info("server stopped")
}
