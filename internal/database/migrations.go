package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRequestStatus = "2026-04-18_normalize_request_status"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeRequestStatus, apply: normalizeRequestStatus},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("cache migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeRequestStatus rewrites legacy tenant-request status encodings that
// predate the canonical enum: boolean-ish strings meant approved or pending.
func normalizeRequestStatus(db *gorm.DB) error {
	if err := db.Model(&cache.TenantRequest{}).
		Where("status IN ?", []string{"true", "TRUE", "True"}).
		Update("status", string(cache.RequestStatusApproved)).Error; err != nil {
		return err
	}
	return db.Model(&cache.TenantRequest{}).
		Where("status IN ?", []string{"false", "FALSE", "False", "pending", ""}).
		Update("status", string(cache.RequestStatusPending)).Error
}
