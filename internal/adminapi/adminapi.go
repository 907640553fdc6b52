// Package adminapi exposes the session orchestrator over HTTP.
package adminapi

import (
	"github.com/go-playground/validator/v10"
	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"github.com/talkincode/wasessiond/internal/webserver"
	"go.uber.org/zap"
)

// Init registers every Control API route. webserver.Init must have run.
func Init(cfg *config.AppConfig) {
	if err := webserver.RegisterValidation("phone", validPhone); err != nil {
		zap.L().Error("adminapi: register phone validation", zap.Error(err))
	}
	registerWhatsAppRoutes()
	registerMonitorRoutes()
	registerSystemRoutes(cfg)
}

func validPhone(fl validator.FieldLevel) bool {
	return whatsapp.NormalizePhone(fl.Field().String()) != ""
}
