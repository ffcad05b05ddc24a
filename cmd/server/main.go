package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/koopa0/system-design/14-lobby-server/internal/autohost"
	"github.com/koopa0/system-design/14-lobby-server/internal/config"
	"github.com/koopa0/system-design/14-lobby-server/internal/delay"
	"github.com/koopa0/system-design/14-lobby-server/internal/dispatch"
	"github.com/koopa0/system-design/14-lobby-server/internal/gateway"
	"github.com/koopa0/system-design/14-lobby-server/internal/history"
	"github.com/koopa0/system-design/14-lobby-server/internal/kv"
	"github.com/koopa0/system-design/14-lobby-server/internal/lobby"
	"github.com/koopa0/system-design/14-lobby-server/internal/lock"
	"github.com/koopa0/system-design/14-lobby-server/internal/session"
	"github.com/koopa0/system-design/14-lobby-server/pkg/logger"
	"github.com/koopa0/system-design/14-lobby-server/pkg/snowflake"
)

func main() {
	configPath := flag.String("config", "", "config file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer backend.Close()

	repo, closeRepo, err := openHistory(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRepo()

	ids, err := snowflake.New(cfg.Server.NodeID)
	if err != nil {
		return fmt.Errorf("snowflake: %w", err)
	}

	locks := lock.NewManager(backend, lock.Options{
		TTL:             cfg.Lock.TTL,
		AcquireTimeout:  cfg.Lock.AcquireTimeout,
		InitialInterval: cfg.Lock.InitialInterval,
		MaxInterval:     cfg.Lock.MaxInterval,
	}, log)
	store := session.New(kv.NewStore(backend, log), locks, log)

	wheel := delay.New(delay.Options{Tick: time.Second, Slots: 512}, log)
	wheel.Start()

	manager := autohost.NewManager(repo, log)

	hubOpts := gateway.DefaultOptions()
	hubOpts.PublicActions = lobby.PublicActions
	hub := gateway.NewHub(hubOpts, log)

	service := lobby.New(lobby.Deps{
		Store:    store,
		Launcher: manager,
		IDs:      ids,
		Wheel:    wheel,
		Sink:     hub,
		Logger:   log,
	}, lobby.Options{
		MaxFloors:    cfg.Adventure.MaxFloors,
		FloorSize:    cfg.Adventure.FloorSize,
		ReadyRecheck: cfg.Adventure.ReadyRecheck,
	})

	router := dispatch.NewRouter(context.WithoutCancel(ctx), service, hub, dispatch.Options{
		Workers:   cfg.Dispatch.Workers,
		QueueSize: cfg.Dispatch.QueueSize,
	}, log)
	hub.Attach(router)

	sinks := autohost.MultiSink{service}
	if cfg.NATS.URL != "" {
		nc, err := autohost.ConnectNATS(cfg.NATS.URL, log)
		if err != nil {
			return err
		}
		defer nc.Drain() //nolint:errcheck
		sinks = append(sinks, autohost.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, log))
		log.Info("publishing autohost events", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	hosts := autohost.NewServer(manager, sinks, autohost.DefaultServerOptions(), log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", hub.ServeWS)
	mux.Handle("GET /autohost", hosts)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := backend.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"clients":   hub.Stats(),
			"router":    router.Stats(),
			"locks":     locks.Held(),
			"autohosts": manager.Hosts(),
			"delayed":   wheel.Pending(),
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", "port", cfg.Server.Port, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// 先停止接收新連線，再排空 worker，最後釋放仍持有的鎖
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to shutdown server", "error", err)
			_ = srv.Close()
		}
		hub.Stop()
		router.Close()
		if err := locks.Close(shutdownCtx); err != nil {
			log.Warn("release locks failed", "error", err)
		}
		wheel.Stop()
		return nil
	})
	return g.Wait()
}

// openBackend 依 driver 建立 KV 後端；啟動時以 backoff 重試直到可用
func openBackend(ctx context.Context, cfg *config.Config, log *slog.Logger) (kv.Backend, error) {
	var backend kv.Backend
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory store, state is lost on restart")
		return kv.NewMemoryBackend(), nil
	case "redis":
		backend = kv.NewRedisBackend(redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		}))
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}

	// StartupTimeout 為 0 時不限時間
	if _, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, backend.Ping(ctx)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(cfg.Store.StartupTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("store not ready, retrying", "error", err, "next", next)
		}),
	); err != nil {
		backend.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	log.Info("connected to redis", "addr", cfg.Redis.Addr)
	return backend, nil
}

// openHistory DSN 為空時用記憶體儲存對局紀錄
func openHistory(ctx context.Context, cfg *config.Config, log *slog.Logger) (history.Repository, func(), error) {
	if cfg.Postgres.DSN == "" {
		log.Warn("postgres not configured, match history is kept in memory")
		return history.NewMemoryRepository(), func() {}, nil
	}

	if err := history.Migrate(cfg.Postgres.DSN, log); err != nil {
		return nil, nil, err
	}

	pgConfig, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("parse postgres config: %w", err)
	}
	pgConfig.MaxConns = cfg.Postgres.MaxConns
	pgConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}
	return history.NewPostgresRepository(pool, log), pool.Close, nil
}
