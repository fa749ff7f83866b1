package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"taskboard/api"
	"taskboard/broadcast"
	"taskboard/config"
	"taskboard/domain"
	"taskboard/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	}

	store, closeStore := openStore(ctx, cfg, rc)
	defer closeStore()
	if rc != nil && cfg.TasksCacheTTL > 0 && cfg.Backend != config.BackendRedis {
		store = storage.NewCache(store, rc, cfg.BoardID, cfg.TasksCacheTTL)
	}

	var exporter *api.Exporter
	if cfg.EventsQueue != "" {
		queue, err := storage.NewEventQueue(cfg.StorageConnectionString, cfg.EventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		exporter = api.NewExporter(queue, logger)
		defer exporter.Close()
	}

	var (
		hub     *api.Hub
		deduper api.Deduper
	)
	if rc != nil {
		relay := broadcast.NewRelay(rc, cfg.BroadcastChannel, logger)
		hub = api.NewHub(logger, relay, exporter)
		go relay.Run(ctx, hub.Deliver, nil)
		deduper = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set: single instance broadcast, no command deduplication")
		hub = api.NewHub(logger, nil, exporter)
	}

	var jwks *keyfunc.JWKS
	if !cfg.Auth.Disabled && !cfg.Auth.TestMode {
		jwks, err = keyfunc.Get(cfg.Auth.JWKSURL(), keyfunc.Options{
			RefreshInterval: cfg.Auth.JWKSCacheTTL,
			RefreshErrorHandler: func(err error) {
				log.WithError(err).Warn("jwks refresh failed")
			},
		})
		if err != nil {
			log.Fatalf("jwks: %v", err)
		}
		defer jwks.EndBackground()
	}
	auth := api.NewAuth(cfg.Auth, jwks)

	svc := domain.NewTaskService(store, domain.WithMaxRetries(cfg.CASMaxRetries))
	d := api.NewDispatcher(svc, hub, deduper, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding},
	}))
	api.Register(e, d, auth, cfg.SessionSendBuffer)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("shutdown")
		}
	}()

	log.WithFields(log.Fields{"addr": cfg.ListenAddr, "backend": cfg.Backend}).Info("board server starting")
	if err := e.Start(cfg.ListenAddr); err != nil && ctx.Err() == nil {
		log.Fatalf("server: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, rc *redis.Client) (domain.TaskRepository, func()) {
	switch cfg.Backend {
	case config.BackendRedis:
		return storage.NewRedisRepository(rc, cfg.BoardID), func() {}
	case config.BackendAzure:
		table, err := storage.NewTableClient(cfg.StorageConnectionString, cfg.TasksTable)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return storage.NewTableRepository(table, cfg.BoardID), func() {}
	default:
		repo, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		return repo, func() { _ = repo.Close() }
	}
}
