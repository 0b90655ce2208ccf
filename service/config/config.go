package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Optional collaborators. Empty means disabled.
	DatabaseURL string
	NATSURL     string

	// Solana configuration
	SolanaRPCURL         string
	RPCRequestsPerSecond int

	// Pool holds the on-chain addresses of the swap program and its pool.
	Pool PoolConfig

	// Authority key material. Resolved at runtime, never compiled in.
	// Exactly one of the two must be set for the server.
	AuthorityKeypairPath string
	AuthoritySecretKey   string
	MaxFaucetAmount      uint64

	// Retry and confirmation tuning
	Retry RetryConfig

	// Client-side settings used by the CLI
	ServerURL         string
	WalletKeypairPath string
}

// PoolConfig holds the addresses that identify one deployed swap pool.
type PoolConfig struct {
	ProgramID    string
	PoolAddress  string
	TokenAMint   string
	TokenBMint   string
	PoolTokenA   string
	PoolTokenB   string
	TokenDecimal uint8
}

// RetryConfig controls the bounded retry policies and confirmation polling.
type RetryConfig struct {
	ProvisionAttempts   int
	ProvisionBackoff    time.Duration
	BroadcastAttempts   int
	BroadcastBackoff    time.Duration
	ConfirmTimeout      time.Duration
	ConfirmPollInterval time.Duration
}

// Load reads the server configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Server configuration
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	errs = append(errs, loadChain(cfg)...)

	// Authority key: exactly one source
	cfg.AuthorityKeypairPath = os.Getenv("AUTHORITY_KEYPAIR_PATH")
	cfg.AuthoritySecretKey = os.Getenv("AUTHORITY_SECRET_KEY")
	if cfg.AuthorityKeypairPath == "" && cfg.AuthoritySecretKey == "" {
		errs = append(errs, fmt.Errorf("one of AUTHORITY_KEYPAIR_PATH or AUTHORITY_SECRET_KEY is required"))
	}
	if cfg.AuthorityKeypairPath != "" && cfg.AuthoritySecretKey != "" {
		errs = append(errs, fmt.Errorf("AUTHORITY_KEYPAIR_PATH and AUTHORITY_SECRET_KEY are mutually exclusive"))
	}

	maxFaucet, err := parseUint("MAX_FAUCET_AMOUNT", 1_000_000_000)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxFaucetAmount = maxFaucet
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// LoadClient reads the configuration used by the CLI. The authority key is optional
// here: when AUTHORITY_KEYPAIR_PATH is absent the CLI asks the server at SERVER_URL to co-sign.
func LoadClient() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "error")
	cfg.ServerURL = getEnvOrDefault("SERVER_URL", "http://localhost:8080")
	cfg.WalletKeypairPath = os.Getenv("WALLET_KEYPAIR_PATH")
	cfg.AuthorityKeypairPath = os.Getenv("AUTHORITY_KEYPAIR_PATH")

	errs = append(errs, loadChain(cfg)...)

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// loadChain reads the settings shared by the server and the CLI.
func loadChain(cfg *Config) []error {
	var errs []error

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	rps, err := parseInt("RPC_REQUESTS_PER_SECOND", 10)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRequestsPerSecond = rps
	}

	cfg.Pool.ProgramID = os.Getenv("PROGRAM_ID")
	cfg.Pool.PoolAddress = os.Getenv("POOL_ADDRESS")
	cfg.Pool.TokenAMint = os.Getenv("TOKEN_A_MINT")
	cfg.Pool.TokenBMint = os.Getenv("TOKEN_B_MINT")
	cfg.Pool.PoolTokenA = os.Getenv("POOL_TOKEN_A_ACCOUNT")
	cfg.Pool.PoolTokenB = os.Getenv("POOL_TOKEN_B_ACCOUNT")

	required := []struct {
		key   string
		value string
	}{
		{"PROGRAM_ID", cfg.Pool.ProgramID},
		{"POOL_ADDRESS", cfg.Pool.PoolAddress},
		{"TOKEN_A_MINT", cfg.Pool.TokenAMint},
		{"TOKEN_B_MINT", cfg.Pool.TokenBMint},
		{"POOL_TOKEN_A_ACCOUNT", cfg.Pool.PoolTokenA},
		{"POOL_TOKEN_B_ACCOUNT", cfg.Pool.PoolTokenB},
	}
	for _, r := range required {
		if r.value == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
			continue
		}
		if _, err := solana.PublicKeyFromBase58(r.value); err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid public key %q: %w", r.key, r.value, err))
		}
	}

	if cfg.Pool.TokenAMint != "" && cfg.Pool.TokenAMint == cfg.Pool.TokenBMint {
		errs = append(errs, fmt.Errorf("TOKEN_A_MINT and TOKEN_B_MINT must be different"))
	}

	decimals, err := parseInt("TOKEN_DECIMALS", 6)
	if err != nil {
		errs = append(errs, err)
	} else if decimals < 0 || decimals > 18 {
		errs = append(errs, fmt.Errorf("TOKEN_DECIMALS must be between 0 and 18"))
	} else {
		cfg.Pool.TokenDecimal = uint8(decimals)
	}

	errs = append(errs, loadRetry(&cfg.Retry)...)
	return errs
}

func loadRetry(rc *RetryConfig) []error {
	var errs []error

	attempts, err := parseInt("PROVISION_ATTEMPTS", 3)
	if err != nil {
		errs = append(errs, err)
	}
	rc.ProvisionAttempts = attempts

	rc.ProvisionBackoff, err = parseDuration("PROVISION_BACKOFF", "1s")
	if err != nil {
		errs = append(errs, err)
	}

	attempts, err = parseInt("BROADCAST_ATTEMPTS", 5)
	if err != nil {
		errs = append(errs, err)
	}
	rc.BroadcastAttempts = attempts

	rc.BroadcastBackoff, err = parseDuration("BROADCAST_BACKOFF", "250ms")
	if err != nil {
		errs = append(errs, err)
	}

	rc.ConfirmTimeout, err = parseDuration("CONFIRM_TIMEOUT", "60s")
	if err != nil {
		errs = append(errs, err)
	}

	rc.ConfirmPollInterval, err = parseDuration("CONFIRM_POLL_INTERVAL", "500ms")
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		if err := rc.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.Pool.ProgramID == "" {
		errs = append(errs, fmt.Errorf("Pool.ProgramID is required"))
	}

	if c.Pool.PoolAddress == "" {
		errs = append(errs, fmt.Errorf("Pool.PoolAddress is required"))
	}

	if c.Pool.TokenAMint == "" || c.Pool.TokenBMint == "" {
		errs = append(errs, fmt.Errorf("both token mints are required"))
	}

	if c.Pool.PoolTokenA == "" || c.Pool.PoolTokenB == "" {
		errs = append(errs, fmt.Errorf("both pool token accounts are required"))
	}

	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// Validate checks the retry bounds. Retries must be bounded and positive.
func (r RetryConfig) Validate() error {
	switch {
	case r.ProvisionAttempts < 1 || r.ProvisionAttempts > 10:
		return fmt.Errorf("PROVISION_ATTEMPTS must be between 1 and 10")
	case r.BroadcastAttempts < 1 || r.BroadcastAttempts > 10:
		return fmt.Errorf("BROADCAST_ATTEMPTS must be between 1 and 10")
	case r.ConfirmTimeout <= 0:
		return fmt.Errorf("CONFIRM_TIMEOUT must be positive")
	case r.ConfirmPollInterval <= 0 || r.ConfirmPollInterval > r.ConfirmTimeout:
		return fmt.Errorf("CONFIRM_POLL_INTERVAL must be positive and not exceed CONFIRM_TIMEOUT")
	}
	return nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

// parseUint parses an unsigned 64-bit integer from an environment variable or uses a default.
func parseUint(key string, defaultValue uint64) (uint64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid unsigned integer %q: %w", key, value, err)
	}
	return result, nil
}
