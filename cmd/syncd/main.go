package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/perpdex/syncd/internal/config"
	"github.com/perpdex/syncd/internal/hub"
	"github.com/perpdex/syncd/internal/keeper"
	"github.com/perpdex/syncd/internal/ledger"
	"github.com/perpdex/syncd/internal/logging"
	"github.com/perpdex/syncd/internal/marketdata"
	"github.com/perpdex/syncd/internal/metrics"
	"github.com/perpdex/syncd/internal/query"
	"github.com/perpdex/syncd/internal/store"
	syncengine "github.com/perpdex/syncd/internal/sync"
)

// oracleOff reports a permanently disconnected oracle when no stream is
// configured.
type oracleOff struct{}

func (oracleOff) Connected() bool { return false }

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	_ = godotenv.Load() // optional .env for local development

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log, err := logging.New("syncd", cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	program, err := solana.PublicKeyFromBase58(cfg.Ledger.ProgramID)
	if err != nil {
		log.Error("invalid program id", "error", err)
		os.Exit(1)
	}

	// --- Store ---
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := store.Migrate(ctx, pool); err != nil {
		log.Error("migration failed", "error", err)
		os.Exit(1)
	}

	var st store.Store = store.NewPostgresStore(pool)
	log.Info("connected to PostgreSQL")

	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		st = store.NewCachedStore(st, rdb, cfg.Redis.TTL.Std())
		log.Info("redis read cache enabled", "ttl", cfg.Redis.TTL.Std())
	}

	// --- Realtime hub ---
	h := hub.New(cfg.Hub.SendBuffer, log)
	go h.Run()

	// --- Ledger sync engine ---
	reader, err := ledger.NewClient(cfg.Ledger.RPCURL, cfg.Ledger.Commitment)
	if err != nil {
		log.Error("ledger client", "error", err)
		os.Exit(1)
	}
	engine := syncengine.NewEngine(reader, st, h, log, program, cfg.Ledger.PollInterval.Std())
	go engine.Run(ctx)

	// --- Market data ---
	last := marketdata.NewLastPrice()

	if len(cfg.Orderbook.Targets) > 0 {
		collector := marketdata.NewCollector(cfg, st, h, log)
		go collector.Run(ctx)
	}

	var oracleStatus query.OracleStatus = oracleOff{}
	if cfg.Oracle.StreamURL != "" {
		oracle := marketdata.NewOracleStream(cfg, st, last, h, log)
		go oracle.Run(ctx)
		oracleStatus = oracle
	}

	// --- Keeper ---
	if cfg.Keeper.Enabled {
		sender, err := ledger.NewTxSender(cfg.Ledger.RPCURL, cfg.Ledger.Commitment, cfg.Keeper.KeypairPath, ledger.SubmitterConfig{
			SkipPreflight:    cfg.Keeper.SkipPreflight,
			ComputeUnitLimit: cfg.Keeper.ComputeUnitLimit,
			ComputeUnitPrice: cfg.Keeper.ComputeUnitPrice,
			ConfirmTimeout:   cfg.Keeper.TxTimeout.Std(),
		})
		if err != nil {
			log.Error("keeper setup", "error", err)
			os.Exit(1)
		}
		k := keeper.New(cfg, st, last, sender, program, log)
		go k.Run(ctx)
		log.Info("keeper enabled", "identity", sender.Identity())
	}

	// --- Read API and periodic broadcasts ---
	service := query.NewService(st, engine, oracleStatus, h, log)
	broadcaster := query.NewBroadcaster(service, h, cfg.Hub.StatusInterval.Std(), cfg.Hub.LeaderboardInterval.Std())
	go broadcaster.Run(ctx)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"syncd"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Get("/ws", h.HandleWS)
	r.Route("/api/v1", service.Routes)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("syncd listening", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	log.Info("shutting down syncd")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
}
