package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/brojonat/tokenswap/service/authority"
	"github.com/brojonat/tokenswap/service/balance"
	"github.com/brojonat/tokenswap/service/config"
	"github.com/brojonat/tokenswap/service/db"
	"github.com/brojonat/tokenswap/service/exchange"
	"github.com/brojonat/tokenswap/service/metrics"
	natspkg "github.com/brojonat/tokenswap/service/nats"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/server"
	"github.com/brojonat/tokenswap/service/solana"
)

func main() {
	// A .env file in the working directory is optional; real env vars take precedence.
	_ = godotenv.Load()

	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	if err := program.Validate(); err != nil {
		logger.Error("program interface does not match the IDL", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	pool, err := program.NewPool(cfg.Pool)
	if err != nil {
		logger.Error("invalid pool configuration", "error", err)
		os.Exit(1)
	}

	key, err := authority.LoadKey(cfg.AuthorityKeypairPath, cfg.AuthoritySecretKey)
	if err != nil {
		logger.Error("failed to load authority key", "error", err)
		os.Exit(1)
	}
	signer := authority.NewLocal(key, authority.Policy{
		Pool:            pool,
		MaxFaucetAmount: cfg.MaxFaucetAmount,
	}, metricsCollector, logger)
	logger.Info("authority key loaded", "authority", signer.PublicKey().String())

	// Note: For premium RPC endpoints, include API key in the URL
	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL, cfg.RPCRequestsPerSecond)
	solanaClient := solana.NewClient(solanaRPC, endpointLabel(cfg.SolanaRPCURL), metricsCollector, logger)
	logger.Info("initialized solana RPC client",
		"endpoint", endpointLabel(cfg.SolanaRPCURL),
		"requests_per_second", cfg.RPCRequestsPerSecond,
	)

	reader := balance.NewReader(solanaClient, balance.DefaultConcurrency, metricsCollector, logger)
	pools := exchange.NewService(pool, solanaClient, nil, nil, reader, nil, logger)

	// Optional audit store
	var store *db.Store
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		if err := dbPool.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}

		store = db.NewStore(dbPool, metricsCollector)
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, co-sign decisions will not be audited")
	}

	// Optional event stream
	var (
		publisher    natspkg.Publisher
		ssePublisher *server.SSEPublisher
	)
	if cfg.NATSURL != "" {
		jsPublisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to initialize NATS publisher", "error", err)
			os.Exit(1)
		}
		defer jsPublisher.Close()
		publisher = jsPublisher

		ssePublisher, err = server.NewSSEPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to initialize SSE publisher", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("NATS_URL not set, co-sign events will not be published")
	}

	httpServer := server.New(cfg.ServerAddr, signer, pools, solanaClient, store, publisher, ssePublisher, metricsCollector, logger)

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", endpointLabel(cfg.SolanaRPCURL),
		"program_id", pool.ProgramID.String(),
		"pool", pool.State.String(),
		"audit", store != nil,
		"events", publisher != nil,
	)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// endpointLabel reduces an RPC URL to its host so API keys in the path or query stay out of metrics.
func endpointLabel(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
