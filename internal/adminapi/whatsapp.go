package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"github.com/talkincode/wasessiond/internal/webserver"
	"go.uber.org/zap"
)

type pairingPayload struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,phone"`
	DeviceID    string `json:"deviceId" validate:"required,max=191"`
}

type pairingResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	PairingCode       string `json:"pairingCode"`
	PhoneNumberPaired string `json:"phoneNumberPaired"`
}

type loginStatusResponse struct {
	Success         bool    `json:"success"`
	IsLoggedIn      bool    `json:"isLoggedIn"`
	IsActiveSession bool    `json:"isActiveSession"`
	Jid             *string `json:"jid"`
	DeviceID        string  `json:"deviceId"`
	Message         string  `json:"message"`
}

type deviceSessionResponse struct {
	Success     bool   `json:"success"`
	IsLoggedIn  bool   `json:"isLoggedIn"`
	Jid         string `json:"jid,omitempty"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	DeviceID    string `json:"deviceId,omitempty"`
	Message     string `json:"message"`
}

type pairingStateResponse struct {
	Success     bool                    `json:"success"`
	PhoneNumber string                  `json:"phoneNumber"`
	State       whatsapp.PairingState   `json:"state"`
	Terminal    bool                    `json:"terminal"`
	History     []whatsapp.PairingState `json:"history"`
}

func registerWhatsAppRoutes() {
	webserver.ApiPOST("/request-pairing-code", postRequestPairingCode)
	webserver.ApiGET("/check-login-status/:phoneNumber", getLoginStatus)
	webserver.ApiGET("/check-session-by-device/:deviceId", getSessionByDevice)
	webserver.ApiGET("/pairing-state/:phoneNumber", getPairingState)
}

// postRequestPairingCode starts pairing phoneNumber to deviceId and returns the
// code the user enters on their primary device.
func postRequestPairingCode(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	var payload pairingPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	res, err := svc.BeginPairing(c.Request().Context(), payload.PhoneNumber, payload.DeviceID)
	if err != nil {
		return failFor(c, err, "Failed to request pairing code.")
	}
	zap.L().Info("adminapi: pairing code issued",
		zap.String("phone", res.PhoneNumberPaired),
		zap.String("device_id", payload.DeviceID))
	return ok(c, pairingResponse{
		Success:           true,
		Message:           "Pairing code requested. Enter this code on your primary WhatsApp device.",
		PairingCode:       res.PairingCode,
		PhoneNumberPaired: res.PhoneNumberPaired,
	})
}

func getLoginStatus(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	st, err := svc.LoginStatus(c.Request().Context(), c.Param("phoneNumber"))
	if err != nil {
		return failFor(c, err, "Error checking login status.")
	}
	resp := loginStatusResponse{
		Success:         true,
		IsLoggedIn:      st.IsLoggedIn,
		IsActiveSession: st.IsActiveSession,
		DeviceID:        st.DeviceID,
		Message:         "User is not logged in or session not active.",
	}
	if st.Jid != "" {
		resp.Jid = &st.Jid
	}
	if st.IsLoggedIn {
		resp.Message = "User is logged in."
	}
	return ok(c, resp)
}

func getSessionByDevice(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	ds, err := svc.SessionByDevice(c.Request().Context(), c.Param("deviceId"))
	if err != nil {
		return failFor(c, err, "Error checking device session.")
	}
	if !ds.IsLoggedIn {
		msg := "No active session found for this device."
		if ds.PhoneNumber == "" {
			msg = "Device not registered or no active session."
		}
		return ok(c, deviceSessionResponse{Success: true, Message: msg})
	}
	return ok(c, deviceSessionResponse{
		Success:     true,
		IsLoggedIn:  true,
		Jid:         ds.Jid,
		PhoneNumber: ds.PhoneNumber,
		DeviceID:    ds.DeviceID,
		Message:     "Active session found for this device.",
	})
}

// getPairingState reports the latest pairing flow state of a phone number.
func getPairingState(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	phone := whatsapp.NormalizePhone(c.Param("phoneNumber"))
	state, found := svc.PairingState(phone)
	if !found {
		return fail(c, http.StatusNotFound, "NOT_FOUND", "No pairing attempt for this number.", nil)
	}
	return ok(c, pairingStateResponse{
		Success:     true,
		PhoneNumber: phone,
		State:       state,
		Terminal:    state.Terminal(),
		History:     svc.PairingHistory(phone),
	})
}
