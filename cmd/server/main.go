package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"

	"triage-chatbot/internal/config"
	"triage-chatbot/internal/core"
	"triage-chatbot/internal/db"
	httpserver "triage-chatbot/internal/http"
	"triage-chatbot/internal/llm"
	"triage-chatbot/internal/lock"
	"triage-chatbot/internal/logger"
)

type alertBus interface {
	core.AlertPublisher
	httpserver.AlertSubscriber
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		// logger is not configured yet
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	if cfg.LogMode == "prod" || cfg.LogMode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, alerts, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("open store", "driver", cfg.StoreDriver, "error", err)
	}
	defer store.Close()

	if cfg.SeedReference {
		ref, err := db.LoadReferenceSeed()
		if err != nil {
			log.Fatal("load reference seed", "error", err)
		}
		if err := store.SeedReference(ctx, ref); err != nil {
			log.Fatal("seed reference data", "error", err)
		}
	}

	engine := core.NewEngine(store, store, log.With("component", "engine"))
	engine.Alerts = alerts
	engine.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		rl, err := lock.NewRedis(ctx, cfg.RedisAddr, log)
		if err != nil {
			log.Fatal("connect redis", "error", err)
		}
		defer rl.Close()
		engine.Locker = rl
		log.Info("using redis session lock")
	}
	if client := llm.NewOpenAIClient(); client != nil {
		engine.Summarizer = core.NewSummarizer(client)
		engine.Summaries = store
		log.Info("handoff summaries enabled")
	}

	srv := httpserver.NewServer(engine, store, alerts, log.With("component", "http"))
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           httpserver.NewRouter(srv, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	log.Info("listening", "addr", httpSrv.Addr, "store", cfg.StoreDriver)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("server error", "error", err)
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (db.Store, alertBus, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		s, err := db.OpenSQLite(cfg.SQLitePath, log)
		if err != nil {
			return nil, nil, err
		}
		return s, db.NewLocalBroker(), nil
	case config.DriverMemory:
		return db.NewMemoryStore(), db.NewLocalBroker(), nil
	default:
		conn, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.PingContext(pingCtx); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		if err := db.Migrate(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		notifier := db.NewNotifier(conn, cfg.DatabaseURL, cfg.NotifyChannel, log)
		return db.NewRepository(conn, log), notifier, nil
	}
}
