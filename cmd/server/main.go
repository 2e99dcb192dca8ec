package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/api"
	"github.com/atmx/lending-engine/internal/asset"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/config"
	"github.com/atmx/lending-engine/internal/engine"
	"github.com/atmx/lending-engine/internal/fixedpoint"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/logging"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/oracle"
	"github.com/atmx/lending-engine/internal/risk"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/valuation"
)

const service = "lending-engine"

// custody is the bank holder id of the pool's own inventory.
const custody = "pool"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logging.Setup(service, cfg.Env, cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (shared by the cache and the redis oracle) ---
	var rdb *redis.Client
	if cfg.Store.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Store.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		slog.Error("store init failed", "err", err)
		os.Exit(1)
	}
	cleanup = append(cleanup, closeStore)

	// --- Tokens ---
	specs := make([]asset.Spec, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		specs = append(specs, asset.Spec{ID: t.ID, Decimals: t.Decimals, Synthetic: t.Synthetic})
	}
	tokens, err := asset.NewRegistry(cfg.Ledger.NativeToken, cfg.Ledger.ReferenceToken, specs)
	if err != nil {
		slog.Error("token registry invalid", "err", err)
		os.Exit(1)
	}

	// --- Oracle ---
	source, setter, err := openOracle(ctx, cfg, rdb)
	if err != nil {
		slog.Error("oracle init failed", "err", err)
		os.Exit(1)
	}
	val, err := valuation.NewEngine(source, cfg.Ledger.PriceDecimals)
	if err != nil {
		slog.Error("valuation init failed", "err", err)
		os.Exit(1)
	}

	l := cfg.Ledger
	policy, err := risk.NewPolicy(l.RatioScale, l.MinBorrowRatio, l.LiquidationRatio, l.WarningRatio)
	if err != nil {
		slog.Error("risk policy invalid", "err", err)
		os.Exit(1)
	}

	// --- Bank ---
	var mintable []string
	for _, t := range tokens.List() {
		if t.Mintable() {
			mintable = append(mintable, t.ID)
		}
	}
	bk := bank.NewMemoryBank(custody, mintable)

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	// --- Engine ---
	eng, err := engine.New(engine.Deps{
		Ledger:    ledger.New(),
		Tokens:    tokens,
		Valuation: val,
		Policy:    policy,
		Bank:      bk,
		Store:     st,
		Publisher: wsHub,
	}, engine.Config{
		TradeFeeRate:    l.TradeFeeRate,
		LoanFeeRate:     l.LoanFeeRate,
		FeeScale:        l.FeeScale,
		LiquidationMode: l.LiquidationMode,
	})
	if err != nil {
		slog.Error("engine init failed", "err", err)
		os.Exit(1)
	}
	if err := eng.Restore(ctx); err != nil {
		slog.Error("ledger restore failed", "err", err)
		os.Exit(1)
	}

	h := api.NewHandler(eng, st, bk)
	if cfg.IsDev() {
		var faucet api.Faucet
		if cfg.Dev.Faucet {
			faucet = bk
		}
		h.EnableDev(setter, faucet)
		slog.Warn("development endpoints enabled", "faucet", cfg.Dev.Faucet)
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q,"oracle":%q}`, service, oracleState(source))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket feed of committed records. Mounted outside the timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.Server.RequestTimeout))
			h.Routes(r)
		})
	})

	// --- Server ---
	port := strconv.Itoa(cfg.Server.Port)
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("lending-engine listening", "port", port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down lending-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("lending-engine stopped")
}

// openStore returns PostgreSQL (optionally behind the Redis cache) when a
// database URL is configured, otherwise the in-memory store.
func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, func(), error) {
	if cfg.Store.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if rdb != nil {
		st = store.NewCachedStore(pg, rdb, cfg.Store.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Store.CacheTTL)
	}
	return st, pool.Close, nil
}

// openOracle builds the configured price source behind a circuit breaker.
// The returned setter backs the development price endpoint.
func openOracle(ctx context.Context, cfg *config.Config, rdb *redis.Client) (oracle.Oracle, oracle.Setter, error) {
	seed := make(map[string]*uint256.Int, len(cfg.Oracle.Prices))
	for _, p := range cfg.Oracle.Prices {
		v, err := fixedpoint.Parse(p.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("price for %s: %w", p.Token, err)
		}
		seed[p.Token] = v
	}

	var (
		src    oracle.Oracle
		setter oracle.Setter
	)
	switch cfg.Oracle.Source {
	case "redis":
		if rdb == nil {
			return nil, nil, fmt.Errorf("oracle source redis requires REDIS_URL")
		}
		ro := oracle.NewRedisOracle(rdb, cfg.Oracle.KeyPrefix)
		// Seed only in development so a live feed is never overwritten.
		if cfg.IsDev() {
			for token, price := range seed {
				if err := ro.SetPrice(ctx, token, price); err != nil {
					return nil, nil, fmt.Errorf("seed %s: %w", token, err)
				}
			}
		}
		src, setter = ro, ro
		slog.Info("redis oracle enabled", "prefix", cfg.Oracle.KeyPrefix)
	default:
		s := oracle.NewStatic(seed)
		src, setter = s, s
		slog.Info("static oracle enabled", "tokens", len(seed))
	}

	b := cfg.Oracle.Breaker
	breaker := oracle.NewBreaker(src, oracle.BreakerSettings{
		Name:         "oracle-" + cfg.Oracle.Source,
		MaxRequests:  b.MaxRequests,
		Interval:     b.Interval,
		Timeout:      b.Timeout,
		FailureRatio: b.FailureRatio,
		MinRequests:  b.MinRequests,
	})
	return breaker, setter, nil
}

func oracleState(o oracle.Oracle) string {
	if b, ok := o.(*oracle.Breaker); ok {
		return b.State()
	}
	return "n/a"
}
