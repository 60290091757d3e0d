// Package main runs the vaultmirror daemon: the background process that keeps
// a markdown vault and its SQLite mirror in agreement. It serves a local
// REST/WebSocket API, watches the journal folder for edits, and runs
// reconciliation passes on a timer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vaultmirror/vaultmirror/internal/db"
	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/journal"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/server"
	syncpkg "github.com/vaultmirror/vaultmirror/internal/sync"
	"github.com/vaultmirror/vaultmirror/internal/sync/scheduler"
	"github.com/vaultmirror/vaultmirror/internal/vault"
)

type config struct {
	vaultDir      string
	dataDir       string
	journalFolder string
	dateFormat    string
	listenAddr    string
	interval      time.Duration
	debounce      time.Duration
	logLevel      string
}

func loadConfig() *config {
	cfg := &config{}

	flag.StringVar(&cfg.vaultDir, "vault", envOr("VAULTMIRROR_VAULT", "./vault"), "vault root directory")
	flag.StringVar(&cfg.dataDir, "data", envOr("VAULTMIRROR_DATA", "./data"), "data directory for the SQLite mirror")
	flag.StringVar(&cfg.journalFolder, "journal-folder", envOr("VAULTMIRROR_JOURNAL_FOLDER", "journal"), "journal folder inside the vault")
	flag.StringVar(&cfg.dateFormat, "date-format", envOr("VAULTMIRROR_DATE_FORMAT", journal.DefaultDateFormat), "journal file name template (YYYY, MM, DD placeholders)")
	flag.StringVar(&cfg.listenAddr, "listen", envOr("VAULTMIRROR_LISTEN", "127.0.0.1:8490"), "API listen address")
	flag.DurationVar(&cfg.interval, "interval", envDurationOr("VAULTMIRROR_INTERVAL", 5*time.Minute), "scheduled pass interval")
	flag.DurationVar(&cfg.debounce, "debounce", envDurationOr("VAULTMIRROR_DEBOUNCE", 500*time.Millisecond), "watcher debounce window")
	flag.StringVar(&cfg.logLevel, "log-level", envOr("VAULTMIRROR_LOG_LEVEL", "INFO"), "minimum log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func main() {
	cfg := loadConfig()
	logging.Init(os.Stdout, logging.LogLevel(cfg.logLevel))

	if err := run(cfg); err != nil {
		logging.Error("Daemon exited with error", err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	database, err := db.Open(cfg.dataDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorageFailure, "failed to open mirror database", err)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to initialize migrations", err)
	}
	if err := migrator.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to apply migrations", err)
	}

	store := db.NewStore(database, nil)

	dirVault, err := vault.NewDirVault(cfg.vaultDir)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to open vault", err)
	}

	resolver, err := journal.NewResolver(cfg.journalFolder, cfg.dateFormat)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid journal date format", err)
	}

	orch := syncpkg.NewOrchestrator(store, dirVault, resolver, nil)

	ingestor, err := syncpkg.NewIngestor(store)
	if err != nil {
		return err
	}

	hub := server.NewWSHub()
	orch.SetEventHandler(hub)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(orch, &scheduler.Config{Interval: cfg.interval})
	sched.Start(ctx)
	defer sched.Stop()

	journalDir := filepath.Join(cfg.vaultDir, filepath.FromSlash(resolver.Folder()))
	if err := os.MkdirAll(journalDir, 0755); err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to create journal folder", err)
	}
	watcher, err := vault.NewWatcher(journalDir, cfg.debounce, func() {
		if _, err := orch.RunPass(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
			logging.ErrorWithCode("File-triggered pass failed", string(apperrors.ErrSyncFailed), err)
		}
	})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrVaultIO, "failed to start vault watcher", err)
	}
	watcher.Start()
	defer watcher.Stop()

	srv := server.New(cfg.listenAddr, orch, ingestor, hub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Startup pass so the mirror is fresh before the first tick.
	if _, err := orch.RunPass(ctx); err != nil && !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		logging.ErrorWithCode("Startup pass failed", string(apperrors.ErrSyncFailed), err)
	}

	select {
	case <-ctx.Done():
		logging.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("API server shutdown failed", err)
	}

	logging.Info("Daemon stopped")
	return nil
}
