package webserver

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/config"
	"github.com/talkincode/wasessiond/pkg/common"
	"go.uber.org/zap"
)

// AdminServer hosts the Control API.
type AdminServer struct {
	root *echo.Echo
	api  *echo.Group
	addr string
}

var (
	server   *AdminServer
	serverMu sync.RWMutex
)

// NewAdminServer builds an echo instance with the shared middleware chain.
// Routes registered through the Api* helpers land under web.api_prefix.
func NewAdminServer(cfg *config.AppConfig) *AdminServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if cfg.System.Debug {
		e.Logger.SetLevel(log.DEBUG)
	} else {
		e.Logger.SetLevel(log.ERROR)
	}
	e.Validator = NewValidator()
	e.JSONSerializer = &JSONSerializer{}
	e.HTTPErrorHandler = errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: common.UUID,
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}))
	e.Use(ZapLogger())

	prefix := strings.TrimRight(cfg.Web.ApiPrefix, "/")
	return &AdminServer{
		root: e,
		api:  e.Group(prefix),
		addr: fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port),
	}
}

// Init creates the process-wide server. It must run before any route is registered.
func Init(cfg *config.AppConfig) {
	serverMu.Lock()
	defer serverMu.Unlock()
	server = NewAdminServer(cfg)
}

func current() *AdminServer {
	serverMu.RLock()
	defer serverMu.RUnlock()
	if server == nil {
		panic("webserver: Init not called")
	}
	return server
}

// Echo exposes the underlying router, mainly for httptest.
func Echo() *echo.Echo {
	return current().root
}

func ApiGET(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	current().api.GET(path, h, m...)
}

func ApiPOST(path string, h echo.HandlerFunc, m ...echo.MiddlewareFunc) {
	current().api.POST(path, h, m...)
}

// Start blocks serving HTTP until Shutdown is called.
func Start() error {
	s := current()
	zap.S().Infof("Control API listening on %s", s.addr)
	err := s.root.Start(s.addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func Shutdown(ctx context.Context) error {
	return current().root.Shutdown(ctx)
}

// ZapLogger writes one access log line per request to the global zap logger.
func ZapLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}
			req := c.Request()
			res := c.Response()
			fields := []zap.Field{
				zap.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", res.Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			switch {
			case res.Status >= http.StatusInternalServerError:
				zap.L().Error("http request", fields...)
			case res.Status >= http.StatusBadRequest:
				zap.L().Warn("http request", fields...)
			default:
				zap.L().Debug("http request", fields...)
			}
			return nil
		}
	}
}

func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = fmt.Sprint(he.Message)
	} else {
		zap.L().Error("unhandled http error", zap.Error(err))
	}
	code := strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	if code == "" {
		code = "ERROR"
	}
	body := map[string]interface{}{
		"success": false,
		"code":    code,
		"message": message,
	}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		zap.L().Error("write error response", zap.Error(err))
	}
}
