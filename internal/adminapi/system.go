package adminapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/internal/webserver"
	"github.com/talkincode/wasessiond/pkg/metrics"
)

const serverName = "wasessiond"

type statusResponse struct {
	Server            string   `json:"server"`
	ActiveSessions    int      `json:"activeSessions"`
	ActiveSessionKeys []string `json:"activeSessionKeys"`
	PendingPairings   int      `json:"pendingPairings"`
}

func registerSystemRoutes(cfg *config.AppConfig) {
	webserver.ApiGET("/status", getStatus)
	webserver.ApiGET("/metrics/summary", getMetricsSummary)
	webserver.ApiGET("/metrics/:name", getMetricSeries)
	if cfg.System.Debug {
		webserver.ApiGET("/debug/data", getDebugData)
	}
}

func getStatus(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	st := svc.Status()
	keys := st.ActiveSessionKeys
	if keys == nil {
		keys = []string{}
	}
	return ok(c, statusResponse{
		Server:            serverName,
		ActiveSessions:    st.ActiveSessions,
		ActiveSessionKeys: keys,
		PendingPairings:   st.PendingPairings,
	})
}

func getMetricsSummary(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"success": true,
		"data":    metrics.Snapshot(),
	})
}

// getMetricSeries returns the samples of one gauge over the last ?minutes (default 60).
func getMetricSeries(c echo.Context) error {
	minutes := 60
	if raw := c.QueryParam("minutes"); raw != "" {
		v, err := cast.ToIntE(raw)
		if err != nil || v <= 0 || v > 7*24*60 {
			return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "minutes must be a positive number of minutes up to one week", raw)
		}
		minutes = v
	}
	end := time.Now()
	points, err := metrics.Query(c.Param("name"), end.Add(-time.Duration(minutes)*time.Minute), end)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_UNAVAILABLE", "Failed to query metrics.", err.Error())
	}
	if points == nil {
		points = []metrics.Point{}
	}
	return ok(c, map[string]interface{}{
		"success": true,
		"name":    c.Param("name"),
		"data":    points,
	})
}

func getDebugData(c echo.Context) error {
	svc := getService()
	if svc == nil {
		return notInitialized(c)
	}
	snap, err := svc.Snapshot(c.Request().Context())
	if err != nil {
		return failFor(c, err, "Failed to load debug data.")
	}
	return ok(c, map[string]interface{}{
		"success": true,
		"data":    snap,
	})
}
