package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"webhook-relay/internal/archive"
	"webhook-relay/internal/config"
	"webhook-relay/internal/ingress"
	"webhook-relay/internal/jobs"
	"webhook-relay/internal/leader"
	"webhook-relay/internal/messenger"
	"webhook-relay/internal/models"
	"webhook-relay/internal/provider"
	"webhook-relay/internal/queue"
	"webhook-relay/internal/store"
)

const menuText = "Available commands: ping, menu, or send a generation request."

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("run migrations", zap.Error(err))
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = redisClient.Close() }()

	msgr := messenger.New(cfg.MessengerBaseURL, cfg.MessengerToken, cfg.MessengerTimeout)

	lockStore := st.Lock(cfg.LockNamespace)
	throttle := leader.NewThrottle(redisClient, cfg.NoticeCooldown)
	ctrl := leader.New(lockStore, throttle, msgr, leader.Config{
		StaleThreshold:    cfg.LockStaleThreshold,
		HeartbeatInterval: cfg.HeartbeatInterval,
		BackoffMin:        cfg.WatcherBackoffMin,
		BackoffMax:        cfg.WatcherBackoffMax,
	}, logger)
	if err := ctrl.Start(ctx); err != nil {
		logger.Fatal("start lock controller", zap.Error(err))
	}
	logger.Info("instance started", zap.String("role", ctrl.Role()), zap.String("instance_id", ctrl.InstanceID()))

	prov := provider.New(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout, cfg.ProviderMaxRetries, logger)

	var archiver jobs.Archiver
	if cfg.ArchiveEnabled() {
		a, err := archive.New(ctx, cfg, logger)
		if err != nil {
			logger.Fatal("init archiver", zap.Error(err))
		}
		archiver = a
	}

	coordinator := jobs.NewCoordinator(st, msgr, archiver, cfg.DeliveryLockStale, logger)
	svc := jobs.NewService(st, prov, coordinator, nil, logger)
	poller := jobs.NewPoller(st, prov, svc, coordinator, cfg.PollInterval, cfg.PollBatch, cfg.DeliveryLockStale, logger)
	reconciler := jobs.NewReconciler(st, svc, cfg.OrphanSweepInterval, cfg.OrphanGrace, cfg.OrphanCeiling, cfg.PollBatch, logger)

	q := queue.New(cfg.QueueSize)
	pool := queue.NewPool(q, st, ctrl, dispatcher(svc, msgr), queue.PoolConfig{
		Workers:          cfg.WorkerCount,
		MaxAttempts:      cfg.EventMaxAttempts,
		RetryDelay:       cfg.EventRetryDelay,
		DispatchDeadline: cfg.DispatchDeadline,
		AllowList:        cfg.PassiveAllowList,
	}, logger)

	srv := ingress.NewServer(q, ctrl, lockStore, svc, cfg.DispatchDeadline, logger)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop accepting traffic first, then let in-flight work drain bounded.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	srv.Wait()
	wg.Wait()
	ctrl.Wait()
	logger.Info("shutdown complete")
}

// dispatcher routes a deduplicated event: cheap commands answer inline, every
// other kind becomes a provider job submission.
func dispatcher(svc *jobs.Service, msgr *messenger.Client) queue.Dispatcher {
	return func(ctx context.Context, ev models.InboundEvent) error {
		switch ev.Kind {
		case "ping":
			if ev.Recipient == "" {
				return nil
			}
			return msgr.Deliver(ctx, ev.Recipient, "pong")
		case "menu":
			if ev.Recipient == "" {
				return nil
			}
			return msgr.Deliver(ctx, ev.Recipient, menuText)
		default:
			_, err := svc.Submit(ctx, ev.Recipient, ev.Kind, ev.Payload)
			return err
		}
	}
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "dev" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
