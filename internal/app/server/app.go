// Package server сборка демона синхронизации
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	gosync "sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"

	"controlsync/internal/app/server/api"
	"controlsync/internal/config"
	"controlsync/internal/domain/gateway"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/session"
	"controlsync/internal/domain/sync"
	"controlsync/internal/infrastructure/controlid"
	"controlsync/internal/infrastructure/lock"
	"controlsync/internal/infrastructure/queue"
	"controlsync/internal/infrastructure/storage"
	"controlsync/internal/utils/logger"
)

const shutdownTimeout = 15 * time.Second

type App struct {
	cfg *config.Config
	log *slog.Logger

	storage   storage.Storage
	sessions  *session.Service
	engine    *sync.Service
	photos    *photo.Service
	redis     *redis.Client
	publisher *queue.Publisher
	consumer  *queue.Consumer
	server    *http.Server
}

// New собирает зависимости: хранилище, сессии, шлюз, движок, API
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log}

	store, err := openStorage(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.storage = store

	for _, tc := range cfg.Terminals {
		t := tc.Terminal()
		if err := store.Terminals().Upsert(ctx, &t); err != nil {
			a.closeStorage()
			return nil, fmt.Errorf("register terminal %s: %w", t.ID, err)
		}
		log.Info("terminal registered", "terminal", t.ID, "address", t.Address, "mode", t.Mode)
	}

	client := controlid.NewClient(log, controlid.WithTimeout(cfg.Gateway.CallTimeout))
	a.sessions = session.NewService(client, log, session.Config{ProbeInterval: cfg.Session.ProbeInterval})
	gw := gateway.NewService(client, a.sessions, log, gateway.Config{
		MaxAttempts: cfg.Gateway.MaxAttempts,
		BaseDelay:   cfg.Gateway.BaseDelay,
		MaxDelay:    cfg.Gateway.MaxDelay,
		CallTimeout: cfg.Gateway.CallTimeout,
		PageSize:    cfg.Sync.PageSize,
	})

	mappings := mapping.NewService(store.Mappings(), log)
	a.photos = photo.NewService(store.Photos(), mappings, gw, store.Terminals(), log, photo.Config{
		MaxBatchItems: cfg.Photo.MaxBatchItems,
		MaxBatchBytes: cfg.Photo.MaxBatchBytes,
		MaxAttempts:   cfg.Photo.MaxAttempts,
		Match:         cfg.Photo.Match,
	})

	locker, err := a.locker(ctx)
	if err != nil {
		a.closeStorage()
		return nil, err
	}

	a.engine = sync.NewService(store.Terminals(), mappings, gw, store.Directory(), store.Runs(), locker, a.photos, log, sync.Config{
		DeleteConfirmations: cfg.Sync.DeleteConfirmations,
		PruneUnmanaged:      cfg.Sync.PruneUnmanaged,
		DeleteOrphanPhotos:  cfg.Sync.DeleteOrphanPhotos,
		PageSize:            cfg.Sync.PageSize,
	})

	deps := api.Deps{
		Engine:    a.engine,
		Mappings:  mappings,
		Photos:    a.photos,
		Terminals: store.Terminals(),
		APIToken:  cfg.HTTP.APIToken,
	}
	if cfg.AMQP.URL != "" {
		a.publisher = queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue, log)
		a.consumer = queue.NewConsumer(cfg.AMQP.URL, cfg.AMQP.Queue, cfg.AMQP.Prefetch, a.engine, log)
		deps.Publisher = a.publisher
	}
	if cfg.HTTP.APIToken == "" {
		log.Warn("api token is not set, HTTP API is unauthenticated")
	}

	a.server = &http.Server{
		Addr:              cfg.HTTP.Address,
		Handler:           api.New(deps, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// locker Redis при заданном адресе, иначе блокировки внутри процесса
func (a *App) locker(ctx context.Context) (sync.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return lock.NewMemory(), nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		_ = a.redis.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.log.Info("using redis identity locks", "addr", a.cfg.Redis.Addr)
	return lock.NewRedis(a.redis, a.cfg.Redis.LockTTL, a.log), nil
}

// Run запускает HTTP API, планировщики и потребителя очереди до отмены ctx
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg gosync.WaitGroup
	start := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	start(func() { every(ctx, a.cfg.Sync.Interval, true, reconcileJob(a.engine, a.log)) })
	start(func() { every(ctx, a.cfg.Photo.DrainInterval, false, drainJob(a.storage.Terminals(), a.photos, a.log)) })
	if a.consumer != nil {
		start(func() {
			if err := a.consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("amqp consumer stopped", logger.Err(err))
			}
		})
	}

	serveErr := make(chan error, 1)
	go func() {
		a.log.Info("starting HTTP server", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	a.log.Info("shutting down")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer stop()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http shutdown failed", logger.Err(err))
	}
	wg.Wait()

	a.sessions.Close(shutdownCtx)
	a.close()
	return runErr
}

func (a *App) close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.log.Warn("failed to close amqp publisher", logger.Err(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("failed to close redis client", logger.Err(err))
		}
	}
	a.closeStorage()
}

func (a *App) closeStorage() {
	if err := a.storage.Close(); err != nil {
		a.log.Warn("failed to close storage", logger.Err(err))
	}
}
