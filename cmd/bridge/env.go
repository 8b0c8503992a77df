package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	"github.com/giovanni-agra/TelegramObsidianBridge/internal/config"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/db"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/logging"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/sink"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/store"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/transcribe"
	"github.com/giovanni-agra/TelegramObsidianBridge/internal/watcher"
)

// appEnv is everything a command needs, opened once per process.
type appEnv struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB
	st     *store.Store

	// sink is nil when no vault is configured or the vault could not be
	// opened; vaultErr tells the two apart.
	sink     sink.Sink
	vaultErr error

	// transcriber is nil when whisper is not configured.
	transcriber watcher.VoiceTranscriber

	closeOnce sync.Once
	closers   []func() error
}

// openEnv loads config from baseDir and opens the logger, index and store.
func openEnv(baseDir string) (*appEnv, error) {
	cfg, err := config.Load(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	env, err := newEnv(cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	env.closers = append(env.closers, closeLog)
	return env, nil
}

// newEnv opens the index and store for an already loaded config.
func newEnv(cfg *config.Config, logger *slog.Logger) (*appEnv, error) {
	database, err := db.Init(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	db.ConfigurePool(database, cfg)

	st, err := store.New(database, cfg, logger.With("component", "store"))
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	env := &appEnv{
		cfg:     cfg,
		logger:  logger,
		db:      database,
		st:      st,
		closers: []func() error{st.Close, database.Close},
	}

	if cfg.VaultPath != "" {
		vault, err := sink.NewVault(cfg.VaultPath, logger.With("component", "vault"))
		if err != nil {
			env.vaultErr = err
			logger.Warn("vault unavailable, documents will not be delivered", "err", err)
		} else {
			env.sink = vault
		}
	}

	if cfg.Transcription.WhisperPath != "" {
		tool := transcribe.NewWhisperCLI(cfg.Transcription, logger.With("component", "whisper"))
		env.transcriber = transcribe.NewAdapter(tool, cfg.Transcription.Timeout.Std(), logger)
	}

	return env, nil
}

// requireVault fails when a vault is configured but could not be opened.
// The archiver must not archive undelivered documents in that case.
func (e *appEnv) requireVault() error {
	if e.vaultErr != nil {
		return fmt.Errorf("vault_path is set but unusable: %w", e.vaultErr)
	}
	return nil
}

// Close releases the store, the index and the log file. Safe to call more
// than once.
func (e *appEnv) Close() {
	e.closeOnce.Do(func() {
		for _, c := range e.closers {
			_ = c()
		}
	})
}
