package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/repository"
	"github.com/talkincode/wasessiond/internal/webserver"
	"github.com/talkincode/wasessiond/internal/whatsapp"
	"github.com/talkincode/wasessiond/internal/whatsapp/watest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type apiEnv struct {
	e    *echo.Echo
	svc  *whatsapp.Service
	repo *repository.GormWhatsAppRepository
	fake *watest.Connector
}

func newAPIEnv(t *testing.T, debug bool) *apiEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := gorm.Open(sqlite.Open(filepath.Join(dir, "api.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	repo := repository.NewGormWhatsAppRepository(db)
	creds := whatsapp.NewFileCredentialStore(filepath.Join(dir, "auth"))
	fake := watest.NewConnector(creds)
	svc, err := whatsapp.NewService(whatsapp.Options{Repo: repo, Connector: fake, Credentials: creds})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	cfg := config.DefaultAppConfig()
	cfg.System.Debug = debug
	webserver.Init(cfg)
	Init(cfg)

	prev := getService
	getService = func() *whatsapp.Service { return svc }
	t.Cleanup(func() {
		getService = prev
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return &apiEnv{e: webserver.Echo(), svc: svc, repo: repo, fake: fake}
}

func (a *apiEnv) do(t *testing.T, method, target, body string) (int, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	out := map[string]interface{}{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, target, rec.Body.String(), err)
	}
	return rec.Code, out
}

// pairAndOpen drives a full pairing through the HTTP API and the fake client.
func (a *apiEnv) pairAndOpen(t *testing.T, phone, deviceID string) *watest.Conn {
	t.Helper()
	code, body := a.do(t, http.MethodPost, "/request-pairing-code",
		`{"phoneNumber":"`+phone+`","deviceId":"`+deviceID+`"}`)
	if code != http.StatusOK {
		t.Fatalf("request-pairing-code: %d %v", code, body)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conns := a.fake.Conns(phone)
	pairing := conns[len(conns)-1]
	pairing.SimulateOpen()
	if err := pairing.SimulatePairSuccess(phone + "@s.whatsapp.net"); err != nil {
		t.Fatalf("SimulatePairSuccess: %v", err)
	}
	if st, err := a.svc.WaitPairing(ctx, phone); err != nil || st != whatsapp.PairingFinalActive {
		t.Fatalf("pairing ended in %s (%v)", st, err)
	}
	final, err := a.fake.WaitConn(ctx, phone, len(conns)+1)
	if err != nil {
		t.Fatalf("final connection: %v", err)
	}
	final.SimulateOpen()
	if err := a.svc.WaitIdle(ctx); err != nil {
		t.Fatalf("WaitIdle: %v", err)
	}
	return final
}

func TestRequestPairingCodeValidation(t *testing.T) {
	api := newAPIEnv(t, false)

	tests := []struct {
		name    string
		body    string
		status  int
		message string
	}{
		{"missing phone", `{"deviceId":"dev-A"}`, http.StatusBadRequest, "phoneNumber is required."},
		{"missing device", `{"phoneNumber":"15551234567"}`, http.StatusBadRequest, "deviceId is required."},
		{"no digits", `{"phoneNumber":"abc","deviceId":"dev-A"}`, http.StatusBadRequest, "Valid phoneNumber is required."},
		{"malformed", `{"phoneNumber":`, http.StatusBadRequest, "Unable to parse request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := api.do(t, http.MethodPost, "/request-pairing-code", tt.body)
			if code != tt.status {
				t.Fatalf("status = %d, want %d (%v)", code, tt.status, body)
			}
			if body["success"] != false || body["message"] != tt.message {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestRequestPairingCode(t *testing.T) {
	api := newAPIEnv(t, false)

	code, body := api.do(t, http.MethodPost, "/request-pairing-code", `{"phoneNumber":"+1 555 123 4567","deviceId":"dev-A"}`)
	if code != http.StatusOK {
		t.Fatalf("status = %d (%v)", code, body)
	}
	if body["success"] != true || body["pairingCode"] != "ABCD-1234" || body["phoneNumberPaired"] != "15551234567" {
		t.Fatalf("unexpected body %v", body)
	}

	code, body = api.do(t, http.MethodGet, "/check-login-status/15551234567", "")
	if code != http.StatusOK {
		t.Fatalf("check-login-status: %d (%v)", code, body)
	}
	if body["isLoggedIn"] != false || body["isActiveSession"] != false || body["deviceId"] != "dev-A" || body["jid"] != nil {
		t.Fatalf("unexpected login status %v", body)
	}

	code, body = api.do(t, http.MethodGet, "/pairing-state/15551234567", "")
	if code != http.StatusOK || body["state"] != string(whatsapp.PairingRequested) {
		t.Fatalf("pairing-state: %d %v", code, body)
	}

	code, body = api.do(t, http.MethodPost, "/request-pairing-code", `{"phoneNumber":"15551234567","deviceId":"dev-B"}`)
	if code != http.StatusConflict || body["code"] != "CONFLICT" {
		t.Fatalf("expected conflict, got %d %v", code, body)
	}
}

func TestRequestPairingCodeFailure(t *testing.T) {
	api := newAPIEnv(t, false)
	api.fake.SetPairingCode("", nil)

	code, body := api.do(t, http.MethodPost, "/request-pairing-code", `{"phoneNumber":"15551234567","deviceId":"dev-A"}`)
	if code != http.StatusInternalServerError || body["code"] != "PAIRING_FAILED" {
		t.Fatalf("expected pairing failure, got %d %v", code, body)
	}
	if msg, _ := body["message"].(string); strings.Contains(msg, "pairing code request failed") {
		t.Fatalf("raw error leaked: %q", msg)
	}
}

func TestLoginStatusUnknownNumber(t *testing.T) {
	api := newAPIEnv(t, false)

	code, body := api.do(t, http.MethodGet, "/check-login-status/15550000000", "")
	if code != http.StatusNotFound || body["success"] != false {
		t.Fatalf("expected 404, got %d %v", code, body)
	}
	code, _ = api.do(t, http.MethodGet, "/check-login-status/abc", "")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid number, got %d", code)
	}
}

func TestSessionEndpointsAfterPairing(t *testing.T) {
	api := newAPIEnv(t, false)

	code, body := api.do(t, http.MethodGet, "/check-session-by-device/dev-A", "")
	if code != http.StatusOK || body["isLoggedIn"] != false {
		t.Fatalf("unregistered device: %d %v", code, body)
	}

	api.pairAndOpen(t, "15551234567", "dev-A")

	code, body = api.do(t, http.MethodGet, "/check-session-by-device/dev-A", "")
	if code != http.StatusOK {
		t.Fatalf("check-session-by-device: %d %v", code, body)
	}
	if body["isLoggedIn"] != true || body["jid"] != "15551234567@s.whatsapp.net" || body["phoneNumber"] != "15551234567" {
		t.Fatalf("unexpected device session %v", body)
	}

	code, body = api.do(t, http.MethodGet, "/check-login-status/15551234567", "")
	if code != http.StatusOK || body["isLoggedIn"] != true || body["isActiveSession"] != true {
		t.Fatalf("unexpected login status %d %v", code, body)
	}

	code, body = api.do(t, http.MethodGet, "/status", "")
	if code != http.StatusOK || body["activeSessions"] != float64(1) || body["server"] != serverName {
		t.Fatalf("unexpected status %d %v", code, body)
	}
	keys, _ := body["activeSessionKeys"].([]interface{})
	if len(keys) != 1 || keys[0] != "15551234567" {
		t.Fatalf("unexpected session keys %v", body["activeSessionKeys"])
	}

	code, body = api.do(t, http.MethodGet, "/pairing-state/15551234567", "")
	if code != http.StatusOK || body["state"] != string(whatsapp.PairingFinalActive) || body["terminal"] != true {
		t.Fatalf("pairing-state: %d %v", code, body)
	}
	history, _ := body["history"].([]interface{})
	if len(history) < 2 || history[0] != string(whatsapp.PairingIdle) || history[len(history)-1] != string(whatsapp.PairingFinalActive) {
		t.Fatalf("unexpected pairing history %v", body["history"])
	}
}

func TestMonitorNumber(t *testing.T) {
	api := newAPIEnv(t, false)
	owner := "15551234567"
	target := "15559876543@s.whatsapp.net"

	code, body := api.do(t, http.MethodPost, "/monitor-number", `{"ownerPhoneNumber":"`+owner+`","numberToMonitor":"15559876543"}`)
	if code != http.StatusForbidden || body["code"] != "SESSION_INACTIVE" {
		t.Fatalf("expected inactive owner, got %d %v", code, body)
	}

	api.pairAndOpen(t, owner, "dev-A")
	api.fake.AddContact("15559876543", target)
	api.fake.AddContact("120363000000000000@g.us", "120363000000000000@g.us")

	code, body = api.do(t, http.MethodPost, "/monitor-number", `{"ownerPhoneNumber":"`+owner+`","numberToMonitor":"0000000000"}`)
	if code != http.StatusNotFound || body["code"] != "CONTACT_NOT_FOUND" {
		t.Fatalf("expected contact not found, got %d %v", code, body)
	}
	code, body = api.do(t, http.MethodPost, "/monitor-number", `{"ownerPhoneNumber":"`+owner+`","numberToMonitor":"120363000000000000@g.us"}`)
	if code != http.StatusBadRequest || body["code"] != "INVALID_TARGET" {
		t.Fatalf("expected invalid target, got %d %v", code, body)
	}
	code, body = api.do(t, http.MethodPost, "/monitor-number", `{"ownerPhoneNumber":"`+owner+`"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("expected missing field, got %d %v", code, body)
	}

	for i := 0; i < 2; i++ {
		code, body = api.do(t, http.MethodPost, "/monitor-number",
			`{"ownerPhoneNumber":"`+owner+`@s.whatsapp.net","numberToMonitor":"15559876543","displayName":"Alice"}`)
		if code != http.StatusOK || body["success"] != true || body["subscribed"] != true {
			t.Fatalf("monitor-number #%d: %d %v", i+1, code, body)
		}
	}

	code, body = api.do(t, http.MethodGet, "/monitored-numbers/"+owner+"@s.whatsapp.net", "")
	if code != http.StatusOK {
		t.Fatalf("monitored-numbers: %d %v", code, body)
	}
	data, _ := body["data"].([]interface{})
	if len(data) != 1 {
		t.Fatalf("expected one monitored number, got %v", body["data"])
	}
	row := data[0].(map[string]interface{})
	if row["displayNumber"] != "Alice" || row["jid"] != target || row["isOnline"] != false || row["id"] == "" {
		t.Fatalf("unexpected row %v", row)
	}
}

func TestMonitorNumberSubscribeFailure(t *testing.T) {
	api := newAPIEnv(t, false)
	owner := "15551234567"
	target := "15559876543@s.whatsapp.net"
	api.pairAndOpen(t, owner, "dev-A")
	api.fake.AddContact("15559876543", target)
	api.fake.FailSubscribe(target, context.DeadlineExceeded)

	code, body := api.do(t, http.MethodPost, "/monitor-number", `{"ownerPhoneNumber":"`+owner+`","numberToMonitor":"15559876543"}`)
	if code != http.StatusOK || body["subscribed"] != false {
		t.Fatalf("expected stored but unsubscribed, got %d %v", code, body)
	}
	row, err := api.repo.GetMonitoredNumber(context.Background(), owner+"@s.whatsapp.net", target)
	if err != nil {
		t.Fatalf("GetMonitoredNumber: %v", err)
	}
	if row.IsSubscribed {
		t.Fatal("row must not be marked subscribed")
	}
}

func TestDebugRouteRequiresDebugMode(t *testing.T) {
	api := newAPIEnv(t, false)
	rec := httptest.NewRecorder()
	api.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/data", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("debug route without debug mode: %d", rec.Code)
	}

	api = newAPIEnv(t, true)
	code, body := api.do(t, http.MethodPost, "/request-pairing-code", `{"phoneNumber":"15551234567","deviceId":"dev-A"}`)
	if code != http.StatusOK {
		t.Fatalf("request-pairing-code: %d %v", code, body)
	}
	code, body = api.do(t, http.MethodGet, "/debug/data", "")
	if code != http.StatusOK {
		t.Fatalf("debug data: %d %v", code, body)
	}
	data := body["data"].(map[string]interface{})
	if users, _ := data["users"].([]interface{}); len(users) != 1 {
		t.Fatalf("expected one user, got %v", data["users"])
	}
}

func TestServiceNotInitialized(t *testing.T) {
	api := newAPIEnv(t, false)
	getService = func() *whatsapp.Service { return nil }

	code, body := api.do(t, http.MethodGet, "/status", "")
	if code != http.StatusServiceUnavailable || body["code"] != "WA_NOT_INITIALIZED" {
		t.Fatalf("expected 503, got %d %v", code, body)
	}
}

func TestMetricsSummary(t *testing.T) {
	api := newAPIEnv(t, false)
	code, body := api.do(t, http.MethodGet, "/metrics/summary", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("metrics summary: %d %v", code, body)
	}
	code, _ = api.do(t, http.MethodGet, "/metrics/wasessiond_goroutines?minutes=abc", "")
	if code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad minutes, got %d", code)
	}
}
