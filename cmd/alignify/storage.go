package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alignify/alignify/pkg/calibration"
	"github.com/alignify/alignify/pkg/calibration/filestore"
	"github.com/alignify/alignify/pkg/calibration/sqlstore"
	"github.com/alignify/alignify/pkg/gateway/config"
)

func noopClose() error { return nil }

// openRepository builds the calibration backend named by cfg. SQL backends are
// migrated first when cfg.AutoMigrate is set.
func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger) (calibration.Repository, func() error, error) {
	switch cfg.CalibrationBackend {
	case "", config.BackendMemory:
		return calibration.NewMemoryRepository(), noopClose, nil
	case config.BackendFile:
		return filestore.New(cfg.CalibrationDir, cfg.CalibrationCompress), noopClose, nil
	case config.BackendSQLite, config.BackendPostgres:
		store, err := openSQLStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			n, err := store.Migrate(ctx)
			if err != nil {
				_ = store.Close()
				return nil, nil, err
			}
			logger.Info("calibration schema migrated", "backend", cfg.CalibrationBackend, "applied", n)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported calibration backend %q", cfg.CalibrationBackend)
	}
}

func openSQLStore(cfg config.Config) (*sqlstore.Store, error) {
	dialect, err := sqlstore.ParseDialect(string(cfg.CalibrationBackend))
	if err != nil {
		return nil, err
	}
	store, err := sqlstore.Open(dialect, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open calibration database: %w", err)
	}
	return store, nil
}
