package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codesync/syncserver/internal/app"
	"codesync/syncserver/internal/config"
	"codesync/syncserver/internal/logging"
	"codesync/syncserver/internal/notify"
	"codesync/syncserver/internal/objectstore"
	"codesync/syncserver/internal/persistence"
	"codesync/syncserver/internal/registry"
	"codesync/syncserver/internal/session"
	"codesync/syncserver/internal/store"

	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("sync server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir, logger); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	dataStore := store.NewPostgresStore(db)
	engine := persistence.NewEngine(dataStore, cfg.StoreTimeout, logger)

	if cfg.ObjectStoreEndpoint != "" {
		mirror, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.ObjectStoreEndpoint,
			AccessKey: cfg.ObjectStoreAccessKey,
			SecretKey: cfg.ObjectStoreSecretKey,
			Bucket:    cfg.ObjectStoreBucket,
			UseSSL:    cfg.ObjectStoreUseSSL,
		})
		if err != nil {
			return fmt.Errorf("object store setup failed: %w", err)
		}
		engine.SetMirror(mirror)
		logger.Info("mirroring file content to object storage",
			zap.String("endpoint", cfg.ObjectStoreEndpoint),
			zap.String("bucket", cfg.ObjectStoreBucket))
	}

	docs := registry.New(engine, registry.Options{
		FlushInterval:  cfg.FlushInterval,
		FlushThreshold: cfg.FlushThreshold,
		Logger:         logger,
	})
	sockets := session.NewManager(docs, session.Options{
		DefaultDocument:  cfg.DefaultDocument,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		CheckOrigin:      session.AllowOrigin(cfg.CORSOrigin),
		Logger:           logger,
	})

	bridge := notify.NewBridge(docs, cfg.StoreTimeout*3, logger)
	if cfg.RedisURL != "" {
		relay, err := notify.NewRedisRelay(cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer relay.Close()
		bridge.SetRelay(relay)
		go func() {
			if err := relay.Run(ctx, bridge.Deliver); err != nil {
				logger.Error("notify relay stopped", zap.Error(err))
			}
		}()
		logger.Info("relaying notify events through redis")
	}

	httpServer := app.NewHTTPServer(bridge, dataStore, sockets, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("sync server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", zap.Error(err))
	}
	if err := sockets.Close(shutdownCtx); err != nil {
		logger.Error("closing connections", zap.Error(err))
	}
	if err := docs.Close(shutdownCtx); err != nil {
		logger.Error("final flush of loaded documents", zap.Error(err))
	}
	return nil
}
