package sync

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "sync_test.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(cache.AllRecords()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func newTestMerger(t *testing.T, store *cache.Store) *Merger {
	t.Helper()
	merger, err := NewMerger(MergerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct merger: %v", err)
	}
	return merger
}

func mustApply(t *testing.T, merger *Merger, event Event) bool {
	t.Helper()
	applied, err := merger.Apply(context.Background(), event)
	if err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}
	return applied
}
