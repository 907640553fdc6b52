package webserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/talkincode/wasessiond/config"
)

type echoPayload struct {
	Name string `json:"name" validate:"required"`
}

func newTestServer(t *testing.T, prefix string) *echo.Echo {
	t.Helper()
	cfg := config.DefaultAppConfig()
	cfg.Web.ApiPrefix = prefix
	Init(cfg)
	ApiPOST("/echo", func(c echo.Context) error {
		var p echoPayload
		if err := c.Bind(&p); err != nil {
			return err
		}
		if err := c.Validate(&p); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, p)
	})
	return Echo()
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func post(e *echo.Echo, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestApiPrefixAndRequestID(t *testing.T) {
	e := newTestServer(t, "/api/")

	rec := post(e, "/api/echo", `{"name":"alice"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["name"] != "alice" {
		t.Fatalf("unexpected body %v", body)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatal("missing request id header")
	}

	rec = post(e, "/echo", `{"name":"alice"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed route: status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["success"] != false || body["code"] != "NOT_FOUND" {
		t.Fatalf("unexpected error body %v", body)
	}
}

func TestDecodeAndValidationErrors(t *testing.T) {
	e := newTestServer(t, "")

	rec := post(e, "/echo", `{"name":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: status = %d", rec.Code)
	}
	if body := decode(t, rec); body["code"] != "BAD_REQUEST" {
		t.Fatalf("unexpected error body %v", body)
	}

	rec = post(e, "/echo", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing field: status = %d", rec.Code)
	}
	if msg, _ := decode(t, rec)["message"].(string); !strings.Contains(msg, "'name'") {
		t.Fatalf("validation message should use the json field name, got %q", msg)
	}
}
