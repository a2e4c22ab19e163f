package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"floodguard/internal/database/boltstore"
	"floodguard/internal/database/sqlitestore"
	"floodguard/internal/feed"
	"floodguard/internal/flood"
	"floodguard/internal/handlers"
	"floodguard/internal/metrics"
	"floodguard/internal/reddit"
	"floodguard/internal/routing"
	"floodguard/internal/scheduler"
	"floodguard/internal/settings"
	"floodguard/internal/tracing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// stores bundles the backend-specific implementations behind the engine
// interfaces so both database backends plug in the same way.
type stores struct {
	counters flood.CounterStore
	state    flood.StateStore
	dedup    flood.DedupStore
	audit    interface {
		flood.AuditLog
		handlers.AuditLister
	}
	jobs    scheduler.JobStore
	cursors feed.CursorStore
	close   func() error
}

func main() {
	// Configure zerolog
	// Set log level from environment (default: info)
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	// Use pretty console logging in development, JSON in production
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}

	log.Info().Msg("Starting Floodguard")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.Init(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to shut down tracer provider")
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "18910"
	}

	st, err := openStores(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer st.close()

	// Policy file; empty path runs on built-in defaults
	policy, err := settings.NewService(os.Getenv("FLOODGUARD_POLICY_PATH"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load policy")
	}

	actor := reddit.NewClient(reddit.Config{
		Subreddit: os.Getenv("REDDIT_SUBREDDIT"),
		Token:     os.Getenv("REDDIT_TOKEN"),
		UserAgent: os.Getenv("REDDIT_USER_AGENT"),
	})

	// The engine and the scheduler reference each other: the engine
	// registers deferred unmutes, the scheduler fires them back into
	// the engine.
	var engine *flood.Engine
	sched := scheduler.New(st.jobs, func(ctx context.Context, subject, conversation string) error {
		return engine.HandleUnmute(ctx, subject, conversation)
	}, time.Second)

	engine = flood.NewEngine(flood.Deps{
		Counters:  st.counters,
		State:     st.state,
		Dedup:     st.dedup,
		Audit:     st.audit,
		Actor:     actor,
		Scheduler: sched,
		Settings:  policy,
	})

	sched.Start(ctx)
	defer sched.Stop()

	feedCfg := feed.DefaultConfig()
	if endpoint := os.Getenv("FEED_ENDPOINT"); endpoint != "" {
		feedCfg.Endpoints = []string{endpoint}
	}
	consumer := feed.NewConsumer(feedCfg, engine, st.cursors)
	consumer.Start(ctx)
	defer consumer.Stop()

	metrics.StartCollector(ctx, metrics.StatsSource{
		OutstandingDeferred: sched.Outstanding,
		FeedConnected:       consumer.IsConnected,
	}, 15*time.Second)

	h := handlers.New(engine, st.audit, actor, consumer)
	handler := routing.SetupRouter(routing.Config{
		Handlers: h,
		Logger:   log.Logger,
	})

	server := &http.Server{
		Addr:    "0.0.0.0:" + port,
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", server.Addr).Msg("Starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
	log.Info().Msg("Floodguard stopped")
}

// openStores opens the configured database backend. BoltDB is the
// default; FLOODGUARD_DB_BACKEND=sqlite selects SQLite.
func openStores(ctx context.Context) (*stores, error) {
	dbPath := os.Getenv("FLOODGUARD_DB_PATH")

	if os.Getenv("FLOODGUARD_DB_BACKEND") == "sqlite" {
		if dbPath == "" {
			dbPath = filepath.Join(defaultDataDir(), "floodguard.sqlite")
		}
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
		store, err := sqlitestore.Open(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		fs := store.FloodStore()
		return &stores{
			counters: fs,
			state:    fs,
			dedup:    store.DedupStore(),
			audit:    store.AuditStore(),
			jobs:     store.JobStore(),
			cursors:  store,
			close:    store.Close,
		}, nil
	}

	if dbPath == "" {
		dbPath = filepath.Join(defaultDataDir(), "floodguard.db")
	}
	store, err := boltstore.Open(boltstore.Options{Path: dbPath})
	if err != nil {
		return nil, err
	}
	fs := store.FloodStore()
	return &stores{
		counters: fs,
		state:    fs,
		dedup:    store.DedupStore(),
		audit:    store.AuditStore(),
		jobs:     store.JobStore(),
		cursors:  store,
		close:    store.Close,
	}, nil
}

func defaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to get home directory")
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "floodguard")
}
