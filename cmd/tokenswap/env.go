package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokenswap/client"
	"github.com/brojonat/tokenswap/service/authority"
	"github.com/brojonat/tokenswap/service/balance"
	"github.com/brojonat/tokenswap/service/config"
	"github.com/brojonat/tokenswap/service/exchange"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/provision"
	"github.com/brojonat/tokenswap/service/retry"
	"github.com/brojonat/tokenswap/service/solana"
	"github.com/brojonat/tokenswap/service/submit"
	"github.com/brojonat/tokenswap/service/txn"
	"github.com/brojonat/tokenswap/service/wallet"
)

// env is everything a chain-facing command needs, built from the environment.
type env struct {
	cfg      *config.Config
	logger   *slog.Logger
	pool     program.Pool
	exchange *exchange.Service
	cosigner authority.CoSigner
}

// loadEnv reads the client configuration and wires the exchange service.
// The co-signer is local when AUTHORITY_KEYPAIR_PATH is set, otherwise the service at --server-url.
func loadEnv(c *cli.Context) (*env, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	if c.IsSet("server-url") || cfg.ServerURL == "" {
		cfg.ServerURL = c.String("server-url")
	}
	if c.IsSet("keypair") {
		cfg.WalletKeypairPath = c.String("keypair")
	}

	logger := setupLogger(cfg.LogLevel)

	if err := program.Validate(); err != nil {
		return nil, fmt.Errorf("program interface: %w", err)
	}

	pool, err := program.NewPool(cfg.Pool)
	if err != nil {
		return nil, err
	}

	rpc := solana.NewClient(
		solana.NewRPCClient(cfg.SolanaRPCURL, cfg.RPCRequestsPerSecond),
		endpointLabel(cfg.SolanaRPCURL), nil, logger,
	)

	cosigner, err := newCosigner(c.Context, cfg, pool, logger)
	if err != nil {
		return nil, err
	}

	sender := txn.NewSender(rpc, txn.Options{
		Broadcast: retry.Policy{
			Name:     "broadcast",
			Attempts: cfg.Retry.BroadcastAttempts,
			Backoff:  cfg.Retry.BroadcastBackoff,
		},
		ConfirmTimeout: cfg.Retry.ConfirmTimeout,
		PollInterval:   cfg.Retry.ConfirmPollInterval,
	}, nil, logger)

	provisioner := provision.New(rpc, sender, pool, retry.Policy{
		Name:     "provision",
		Attempts: cfg.Retry.ProvisionAttempts,
		Backoff:  cfg.Retry.ProvisionBackoff,
	}, nil, logger)

	reader := balance.NewReader(rpc, balance.DefaultConcurrency, nil, logger)
	submitter := submit.New(sender, pool.ProgramID, cosigner, nil, logger)

	return &env{
		cfg:      cfg,
		logger:   logger,
		pool:     pool,
		exchange: exchange.NewService(pool, rpc, provisioner, submitter, reader, nil, logger),
		cosigner: cosigner,
	}, nil
}

func newCosigner(ctx context.Context, cfg *config.Config, pool program.Pool, logger *slog.Logger) (authority.CoSigner, error) {
	if cfg.AuthorityKeypairPath != "" {
		key, err := authority.LoadKey(cfg.AuthorityKeypairPath, "")
		if err != nil {
			return nil, err
		}
		return authority.NewLocal(key, authority.Policy{Pool: pool}, nil, logger), nil
	}
	remote, err := authority.NewRemote(ctx, client.NewClient(cfg.ServerURL, nil, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("co-signing service at %s: %w", cfg.ServerURL, err)
	}
	return remote, nil
}

// connect loads the wallet keypair and opens a session.
func (e *env) connect(ctx context.Context) (*exchange.Session, error) {
	if e.cfg.WalletKeypairPath == "" {
		return nil, fmt.Errorf("wallet keypair is required (set WALLET_KEYPAIR_PATH or use --keypair)")
	}
	provider, err := wallet.LoadKeypairProvider(e.cfg.WalletKeypairPath)
	if err != nil {
		return nil, err
	}
	w := wallet.NewAdapter(provider, e.logger)
	if _, err := w.Connect(ctx); err != nil {
		return nil, err
	}
	return exchange.NewSession(w), nil
}

// serviceClient builds a client for the co-signing service from the global flag.
func serviceClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, setupLogger(os.Getenv("LOG_LEVEL"))), nil
}

// endpointLabel reduces an RPC URL to its host so API keys stay out of logs.
func endpointLabel(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}

// setupLogger writes text logs to stderr. The CLI is quiet unless LOG_LEVEL asks otherwise.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
