// Package httpapi is the REST + WebSocket surface of the control
// plane: run/subtask CRUD, a polling-or-SSE event stream, and the
// collaboration gateway's upgrade endpoint, all behind bearer-token
// auth. One Echo construction serves every service binary.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"forge.control/internal/logging"
	"forge.control/internal/metrics"
)

// Config holds the HTTP server settings shared by every service binary.
type Config struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64
}

func DefaultConfig() Config {
	return Config{
		Port:            8082,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // streaming endpoints (SSE/websocket) must not hit a fixed write deadline
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// PortFrom extracts the port from a ":8082"-style listen address,
// falling back to def when the address doesn't parse.
func PortFrom(addr string, def int) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return def
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return def
	}
	return port
}

// NewEchoServer builds an Echo instance with the standard middleware
// chain.
func NewEchoServer(cfg Config, log *logging.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = cfg.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}
	if len(cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
	e.Use(middleware.RequestID())
	e.Use(securityHeadersMiddleware())
	if cfg.RateLimit > 0 {
		e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))
	}

	e.HTTPErrorHandler = customHTTPErrorHandler(log)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	return e
}

func securityHeadersMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			return next(c)
		}
	}
}

// ErrorResponse is the standard JSON error body every handler below
// returns through the error handler.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func customHTTPErrorHandler(log *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		message := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}
		if c.Response().Committed {
			return
		}
		if code >= http.StatusInternalServerError {
			log.WithContext(c.Request().Context()).WithError(err).Error("request failed")
		}
		if werr := c.JSON(code, ErrorResponse{Error: http.StatusText(code), Message: message}); werr != nil {
			log.WithError(werr).Warn("writing error response")
		}
	}
}

// HealthResponse reports liveness plus the fields a readiness probe
// needs: dependency status and, for the billing ledger, its current
// mode.
type HealthResponse struct {
	Status  string         `json:"status"`
	Service string         `json:"service"`
	Version string         `json:"version"`
	Details map[string]any `json:"details,omitempty"`
}

func HealthCheckHandler(service, version string, details func() map[string]any) echo.HandlerFunc {
	return func(c echo.Context) error {
		var d map[string]any
		if details != nil {
			d = details()
		}
		return c.JSON(http.StatusOK, HealthResponse{Status: "healthy", Service: service, Version: version, Details: d})
	}
}

// StartServer starts e on cfg.Port with explicit read/write timeouts.
func StartServer(e *echo.Echo, cfg Config) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return e.StartServer(s)
}

// GracefulShutdown drains in-flight requests within cfg.ShutdownTimeout.
func GracefulShutdown(ctx context.Context, e *echo.Echo, timeout time.Duration) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
