package channels

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/currents/clientcore/internal/cache"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *cache.Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "channels_test.db")
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

// newBrokenStore returns a store whose storage engine is already gone, for
// asserting that mutations continue network-only when the cache cannot serve.
func newBrokenStore(t *testing.T) *cache.Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "channels_broken.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.AutoMigrate(cache.AllRecords()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := cache.NewStore(cache.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access database handle: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database handle: %v", err)
	}
	return store
}

type staticIDProvider struct {
	ids  []string
	next int
}

func (p *staticIDProvider) NewID() (string, error) {
	if p.next >= len(p.ids) {
		return "", nil
	}
	id := p.ids[p.next]
	p.next++
	return id, nil
}
