// Command migrate-tokens encrypts OAuth tokens stored in plaintext.
//
// Rows with encryption_version=0 are sealed with AES-256-GCM and moved to
// version 1. The daemon reads both versions, so the tool can run while it is up.
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
//
// Example:
//
//	export ENCRYPTION_KEY="$(openssl rand -base64 32)"
//	./migrate-tokens --dry-run
//	./migrate-tokens
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/onnwee/tmilink/crypto"
	"github.com/onnwee/tmilink/db"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate the token of one provider only (default: all)")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("DB_DSN"), os.Getenv("ENCRYPTION_KEY"), *provider, *dryRun); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

func run(ctx context.Context, dsn, key, provider string, dryRun bool) error {
	if dsn == "" {
		return errors.New("DB_DSN environment variable is required")
	}
	if key == "" {
		return errors.New("ENCRYPTION_KEY environment variable is required for migration")
	}
	sealer, err := crypto.NewAESGCM(key, crypto.DefaultKeyID)
	if err != nil {
		return fmt.Errorf("initialize encryptor: %w", err)
	}
	database, err := db.Connect(dsn)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()
	if err := database.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := db.Migrate(ctx, database); err != nil {
		return err
	}
	return migrateTokens(ctx, database, sealer, provider, dryRun)
}

func migrateTokens(ctx context.Context, database *sql.DB, sealer crypto.Sealer, provider string, dryRun bool) error {
	done, err := db.SealPlaintextTokens(ctx, database, sealer, provider, dryRun)
	for _, p := range done {
		if dryRun {
			slog.Info("would migrate token (dry-run)", slog.String("provider", p))
		} else {
			slog.Info("migrated token", slog.String("provider", p))
		}
	}
	slog.Info("migration summary", slog.Int("migrated", len(done)), slog.Bool("dry_run", dryRun))
	return err
}
