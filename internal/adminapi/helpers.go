package adminapi

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"go.uber.org/zap"
)

// getService is swapped in tests.
var getService = whatsapp.Get

type failResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

// fail writes a failure body. details are logged, never returned.
func fail(c echo.Context, status int, code, message string, details interface{}) error {
	if details != nil {
		zap.L().Warn("adminapi: request failed",
			zap.String("path", c.Path()),
			zap.String("code", code),
			zap.Any("details", details))
	}
	return c.JSON(status, failResponse{Success: false, Code: code, Message: message})
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fail(c, http.StatusBadRequest, "INVALID_FIELD", fieldMessage(fe), err.Error())
	}
	return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request", err.Error())
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required."
	case "phone":
		return "Valid " + fe.Field() + " is required."
	default:
		return fe.Field() + " is invalid."
	}
}

// failFor maps a service error onto a status code. fallback is the message for
// errors without a more specific one.
func failFor(c echo.Context, err error, fallback string) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request.", err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fail(c, http.StatusConflict, "CONFLICT", "Phone number is already linked to another device.", err.Error())
	case errors.Is(err, domain.ErrContactNotFound):
		return fail(c, http.StatusNotFound, "CONTACT_NOT_FOUND", "Number is not on WhatsApp or could not be verified.", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Record not found.", err.Error())
	case errors.Is(err, domain.ErrInvalidTargetKind):
		return fail(c, http.StatusBadRequest, "INVALID_TARGET", "Only individual user numbers can be monitored.", err.Error())
	case errors.Is(err, domain.ErrSessionInactive):
		return fail(c, http.StatusForbidden, "SESSION_INACTIVE", "Owner session not active or JID mismatch. Please log in again.", err.Error())
	case errors.Is(err, domain.ErrPairingRequestFailed):
		return fail(c, http.StatusInternalServerError, "PAIRING_FAILED", "Failed to request pairing code.", err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fail(c, http.StatusInternalServerError, "STORE_UNAVAILABLE", fallback, err.Error())
	}
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", fallback, err.Error())
}

func notInitialized(c echo.Context) error {
	return fail(c, http.StatusServiceUnavailable, "WA_NOT_INITIALIZED", "WhatsApp service not initialized", nil)
}
