package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open establishes the local cache database and performs schema migrations.
// It is safe to call on every app start: migration is idempotent and existing
// rows survive schema upgrades for unchanged tables.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrStorageUnavailable, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrStorageUnavailable, err)
	}
	sqlDB.SetMaxOpenConns(1)

	models := append(cache.AllRecords(), &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrStorageUnavailable, err)
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("%w: %w", cache.ErrStorageUnavailable, err)
	}

	if logger != nil {
		logger.Info("cache database initialized", zap.String("path", path))
	}

	return db, nil
}
