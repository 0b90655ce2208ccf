package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brojonat/tokenswap/service/db"
)

// Applies the audit schema and, when COSIGN_RETENTION is set, prunes older decisions.
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	logger.Info("starting audit store migration")

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	var retention time.Duration
	if v := os.Getenv("COSIGN_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			logger.Error("invalid COSIGN_RETENTION", "value", v, "error", err)
			os.Exit(1)
		}
		retention = d
	}

	ctx := context.Background()
	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	store := db.NewStore(dbPool, nil)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("schema up to date")

	if retention == 0 {
		return
	}

	cutoff := time.Now().UTC().Add(-retention)
	deleted, err := store.DeleteCosignsOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error("failed to prune co-sign records", "error", err)
		os.Exit(1)
	}
	logger.Info("pruned co-sign records",
		"cutoff", cutoff.Format(time.RFC3339),
		"deleted", deleted,
	)
}
