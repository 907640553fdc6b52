package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/pkg/metrics"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.System.Workdir = t.TempDir()
	cfg.Logger.FileEnable = false
	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestApplicationInit(t *testing.T) {
	cfg := testConfig(t)
	a := NewApplication(cfg)
	if err := a.Init(cfg); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer a.Release()

	if a.DB() == nil || a.Scheduler() == nil {
		t.Fatal("database and scheduler must be initialized")
	}
	for _, table := range domain.Tables {
		if !a.DB().Migrator().HasTable(table) {
			t.Fatalf("table for %T not migrated", table)
		}
	}

	a.SchedProcessMonitorTask()
	if _, ok := metrics.GetLatest(MetricGoroutines); !ok {
		t.Fatal("process monitor did not record goroutines")
	}
	if _, ok := metrics.GetLatest(MetricDBOpenConns); !ok {
		t.Fatal("process monitor did not record db connections")
	}

	a.InitDb()
	if !a.DB().Migrator().HasTable(&domain.WhatsAppUser{}) {
		t.Fatal("InitDb must recreate tables")
	}
}

func TestGetDatabaseRejectsUnknownType(t *testing.T) {
	if _, err := getDatabase(config.DBConfig{Type: "oracle"}, t.TempDir()); err == nil {
		t.Fatal("expected error for unsupported database type")
	}
}

func TestApplicationInitFailsOnMigration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Type = "sqlite"
	cfg.Database.Name = "broken"

	// a view occupying a table name makes CREATE TABLE fail
	db, err := gorm.Open(sqlite.Open(filepath.Join(cfg.GetDataDir(), "broken.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec("CREATE VIEW " + (domain.WhatsAppUser{}).TableName() + " AS SELECT 1 AS id").Error; err != nil {
		t.Fatalf("create view: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}

	a := NewApplication(cfg)
	err = a.Init(cfg)
	defer metrics.Close()
	if err == nil {
		a.Release()
		t.Fatal("Init must fail when migration fails")
	}
	if a.DB() != nil {
		t.Fatal("failed Init must not keep the database handle")
	}
}

func TestRegisteredGaugesAreSampled(t *testing.T) {
	a := NewApplication(testConfig(t))
	pending := int64(3)
	a.RegisterGauge("test_pending", func() int64 { return pending })
	a.RegisterGauge("test_broken", func() int64 { panic("sampler failed") })
	a.SchedGaugeTask()

	if v, ok := metrics.GetLatest("test_pending"); !ok || v != 3 {
		t.Fatalf("expected gauge 3, got %v %v", v, ok)
	}

	pending = 5
	a.RegisterGauge("test_pending", func() int64 { return pending * 2 })
	a.SchedGaugeTask()
	if v, _ := metrics.GetLatest("test_pending"); v != 10 {
		t.Fatalf("re-registered sampler must replace the old one, got %v", v)
	}
}
