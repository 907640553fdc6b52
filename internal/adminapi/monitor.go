package adminapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"github.com/talkincode/wasessiond/internal/webserver"
)

type monitorPayload struct {
	OwnerPhoneNumber string  `json:"ownerPhoneNumber" validate:"required"`
	NumberToMonitor  string  `json:"numberToMonitor" validate:"required"`
	DisplayName      *string `json:"displayName" validate:"omitempty,max=191"`
}

type monitorResponse struct {
	Success    bool   `json:"success"`
	Subscribed bool   `json:"subscribed"`
	Message    string `json:"message"`
}

type monitoredListResponse struct {
	Success bool                     `json:"success"`
	Data    []whatsapp.MonitoredView `json:"data"`
}

func registerMonitorRoutes() {
	webserver.ApiPOST("/monitor-number", postMonitorNumber)
	webserver.ApiGET("/monitored-numbers/:ownerUserJid", listMonitoredNumbers)
}

// postMonitorNumber subscribes the owner's live session to a contact's presence.
// A failed subscription still stores the row and answers 200 with subscribed=false;
// the next reconcile of the owner's session retries it.
func postMonitorNumber(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	var payload monitorPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request", err.Error())
	}
	if err := c.Validate(&payload); err != nil {
		return handleValidationError(c, err)
	}

	res, err := svc.AddMonitor(c.Request().Context(), payload.OwnerPhoneNumber, payload.NumberToMonitor, payload.DisplayName)
	if err != nil {
		return failFor(c, err, "Failed to monitor number.")
	}
	name := res.Number.MonitoredJid
	if payload.DisplayName != nil && strings.TrimSpace(*payload.DisplayName) != "" {
		name = strings.TrimSpace(*payload.DisplayName)
	}
	msg := fmt.Sprintf("Successfully added %s for monitoring and subscribed to presence.", name)
	if !res.Subscribed {
		msg = fmt.Sprintf("Added %s for monitoring; presence subscription failed and will be retried when the session reconnects.", name)
	}
	return ok(c, monitorResponse{Success: true, Subscribed: res.Subscribed, Message: msg})
}

func listMonitoredNumbers(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	views, err := svc.ListMonitored(c.Request().Context(), c.Param("ownerUserJid"))
	if err != nil {
		return failFor(c, err, "Failed to fetch monitored numbers.")
	}
	return ok(c, monitoredListResponse{Success: true, Data: views})
}
