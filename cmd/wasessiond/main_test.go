package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/repository"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"github.com/talkincode/wasessiond/internal/whatsapp/watest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newService(t *testing.T) (*whatsapp.Service, *gorm.DB) {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "test.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	creds := whatsapp.NewFileCredentialStore(filepath.Join(dir, "auth"))
	svc, err := whatsapp.NewService(whatsapp.Options{
		Repo:        repository.NewGormWhatsAppRepository(db),
		Connector:   watest.NewConnector(creds),
		Credentials: creds,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc, db
}

func TestRecoverOnStartup(t *testing.T) {
	svc, _ := newService(t)
	if err := recoverOnStartup(context.Background(), svc); err != nil {
		t.Fatalf("recovery of an empty store: %v", err)
	}
}

func TestRecoverOnStartupStoreUnavailableIsFatal(t *testing.T) {
	svc, db := newService(t)
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("DB: %v", err)
	}
	_ = sqlDB.Close()

	if err := recoverOnStartup(context.Background(), svc); !errors.Is(err, domain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}
