package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/internal/adminapi"
	"github.com/talkincode/wasessiond/internal/app"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/webserver"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"go.uber.org/zap"
)

var (
	configFile  string
	initDB      bool
	migrateOnly bool
)

func main() {
	root := &cobra.Command{
		Use:          "wasessiond",
		Short:        "Multi-tenant WhatsApp session orchestrator",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&configFile, "config", "c", "", "config file (default wasessiond.yml, then /etc/wasessiond.yml)")
	root.Flags().BoolVar(&initDB, "initdb", false, "drop and recreate all tables, then exit")
	root.Flags().BoolVar(&migrateOnly, "migrate-only", false, "run database migrations, then exit")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	application := app.NewApplication(cfg)
	if err := application.Init(cfg); err != nil {
		zap.S().Errorf("application init failed: %v", err)
		return err
	}
	defer application.Release()

	switch {
	case initDB:
		application.InitDb()
		zap.S().Info("database initialized")
		return nil
	case migrateOnly:
		return application.MigrateDB(true)
	}

	svc, err := whatsapp.New(application)
	if err != nil {
		return err
	}

	webserver.Init(cfg)
	adminapi.Init(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := recoverOnStartup(ctx, svc); err != nil {
		zap.S().Errorf("startup recovery failed: %v", err)
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = svc.Shutdown(stopCtx)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- webserver.Start()
	}()

	select {
	case <-ctx.Done():
		zap.S().Info("shutting down")
	case err = <-errCh:
		if err != nil {
			zap.S().Errorf("control api stopped: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := webserver.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("control api shutdown: %v", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnf("whatsapp shutdown: %v", err)
	}
	return err
}

// recoverOnStartup reopens the sessions persisted as logged in before the
// Control API accepts requests. Only an unreadable store is fatal.
func recoverOnStartup(ctx context.Context, svc *whatsapp.Service) error {
	_, err := svc.RecoverSessions(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return err
	}
	zap.L().Error("whatsapp: session recovery failed", zap.Error(err))
	return nil
}
