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

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"example.com/moderationbridge/internal/bridge"
	"example.com/moderationbridge/internal/broadcast"
	"example.com/moderationbridge/internal/config"
	"example.com/moderationbridge/internal/detector"
	"example.com/moderationbridge/internal/dispatch"
	"example.com/moderationbridge/internal/domain"
	"example.com/moderationbridge/internal/logger"
	"example.com/moderationbridge/internal/metrics"
	"example.com/moderationbridge/internal/registry"
	"example.com/moderationbridge/internal/replay"
	"example.com/moderationbridge/internal/signing"
	"example.com/moderationbridge/internal/storage/memory"
	spg "example.com/moderationbridge/internal/storage/postgres"
	transport "example.com/moderationbridge/internal/transport/http"
)

// contentStore is what main needs from either storage driver.
type contentStore interface {
	bridge.Store
	transport.Store
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n\n", err)
		config.OutputUsage()
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{
		Environment: cfg.AppEnv,
		Level:       cfg.LogLevel,
		Service:     "moderation-bridge",
		System:      cfg.SystemID,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("moderation bridge stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store contentStore
		feed  detector.Feed
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := spg.Connect(ctx, cfg.PostgresDSN, cfg.ConnectTimeout, log)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		log.Info("db: connected")

		if err := db.RunMigration(ctx, cfg.MigrationsPath); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
		log.Info("db: migration applied", zap.String("path", cfg.MigrationsPath))

		store = spg.NewContentStore(db)
		feed = spg.NewListener(db, log)
	default:
		mem := memory.New().WithLogger(log)
		store = mem
		feed = mem
		log.Warn("using in-memory content store; data is lost on restart")
	}

	targets, err := cfg.Targets()
	if err != nil {
		return err
	}
	reg, err := registry.New(targets...)
	if err != nil {
		return fmt.Errorf("sync targets: %w", err)
	}
	log.Info("sync targets loaded", zap.Int("total", len(targets)), zap.Int("active", reg.ActiveCount()))

	signer := signing.NewSigner(cfg.Secret)
	broadcaster := broadcast.New(reg, signer, log, broadcast.Options{
		System:             cfg.System(),
		Timeout:            cfg.DeliveryTimeout,
		BreakerMaxFailures: cfg.BreakerMaxFailures,
		BreakerOpenTimeout: cfg.BreakerOpenTimeout,
	})

	var guard replay.Guard
	if cfg.ReplayWindow > 0 && cfg.RedisURL != "" {
		client, err := replay.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = client.Close() }()
		guard = replay.NewRedisGuard(client, "moderation-bridge:"+cfg.SystemID+":")
		log.Info("replay guard: redis")
	}

	br := bridge.New(store, broadcaster, signer, log, bridge.Options{
		System:       cfg.System(),
		ReplayWindow: cfg.ReplayWindow,
		ClockSkew:    cfg.ClockSkew,
		Guard:        guard,
	})

	var dispatcher *dispatch.Dispatcher
	if cfg.WatchChanges {
		dispatcher = dispatch.New(broadcaster, cfg.DispatchQueueSize, cfg.DispatchWorkers, log)
		dispatcher.Start(ctx)
		go func() {
			sink := func(a domain.ModerationAction) { dispatcher.Enqueue(a) }
			if err := detector.Watch(ctx, feed, detector.New(cfg.System()), sink, log.Named("detector")); err != nil {
				log.Error("change detector stopped", zap.Error(err))
			}
		}()
		log.Info("change detector: started",
			zap.Int("queue", cfg.DispatchQueueSize),
			zap.Int("workers", cfg.DispatchWorkers),
		)
	}

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Bridge:   br,
		Registry: reg,
		Store:    store,
		Log:      log.Named("http"),
		Now:      func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.DeliveryTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr), zap.String("system", cfg.SystemID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	_ = srv.Shutdown(shutdownCtx)
	if dispatcher != nil {
		dispatcher.Wait()
	}
	log.Info("shutdown complete")
	return nil
}
