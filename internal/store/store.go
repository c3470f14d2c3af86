package store

import (
	"log/slog"

	"github.com/convoyhq/convoy/internal/config"
)

// Open connects to the configured Postgres database and, if that fails and
// a fallback path is configured, degrades to a local SQLite store instead
// of failing startup outright.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (Store, error) {
	pgCfg := PostgresConfig{
		MaxOpenConns:    cfg.MaxConnections,
		MaxIdleConns:    cfg.MaxConnections / 2,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectTimeout:  DefaultPostgresConfig().ConnectTimeout,
	}
	if pgCfg.MaxOpenConns <= 0 {
		pgCfg = DefaultPostgresConfig()
	}

	store, err := NewPostgresStore(cfg.URL, pgCfg)
	if err == nil {
		return store, nil
	}

	if cfg.FallbackPath == "" {
		return nil, err
	}

	logger.Warn("postgres unreachable, falling back to embedded sqlite store",
		"error", err, "fallback_path", cfg.FallbackPath)
	return NewSQLiteStore(cfg.FallbackPath)
}
