// Package httpserver owns the echo instance of the orchestrator: middleware,
// health endpoints and the listen/shutdown lifecycle.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/animus-labs/cineforge/internal/platform/logging"
	"github.com/animus-labs/cineforge/internal/platform/requestid"
)

type Config struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ShutdownTimeout: 10 * time.Second,
		ReadTimeout:     30 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("http addr is required")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("http shutdown_timeout must be > 0")
	}
	return nil
}

// New returns an echo instance with request id, request logging and panic
// recovery installed, and /healthz mounted.
func New(service string, logger *zap.Logger) *echo.Echo {
	logger = logging.OrNop(logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered",
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.Error(err),
				zap.ByteString("stack", stack),
			)
			return err
		},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: requestid.New,
	}))
	e.Use(requestLog(logger))

	e.GET("/healthz", Healthz(service))
	return e
}

func requestLog(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := []zap.Field{
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
				zap.String("method", c.Request().Method),
				zap.String("path", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			if c.Response().Status >= http.StatusInternalServerError {
				logger.Error("http request", append(fields, zap.Error(err))...)
				return nil
			}
			logger.Info("http request", fields...)
			return nil
		}
	}
}

// RequestID returns the id assigned to the request by the middleware.
func RequestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// Run serves e until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, logger *zap.Logger, service string, cfg Config, e *echo.Echo) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger = logging.OrNop(logger)
	e.Server.ReadHeaderTimeout = 5 * time.Second
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.IdleTimeout = 60 * time.Second

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("service", service), zap.String("addr", cfg.Addr))
		errCh <- e.Start(cfg.Addr)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func Healthz(service string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"service": service,
			"status":  "ok",
		})
	}
}

type ReadinessCheck struct {
	Name  string
	Check func(context.Context) error
}

// Readyz reports 200 when every check passes and 503 otherwise.
func Readyz(service string, checks ...ReadinessCheck) echo.HandlerFunc {
	type checkResult struct {
		Name       string `json:"name"`
		Status     string `json:"status"`
		DurationMs int64  `json:"duration_ms"`
		Error      string `json:"error,omitempty"`
	}

	return func(c echo.Context) error {
		results := make([]checkResult, 0, len(checks))
		overallOK := true

		for _, check := range checks {
			start := time.Now()
			err := check.Check(c.Request().Context())
			status := "ok"
			var errMsg string
			if err != nil {
				overallOK = false
				status = "fail"
				errMsg = err.Error()
			}
			results = append(results, checkResult{
				Name:       check.Name,
				Status:     status,
				DurationMs: time.Since(start).Milliseconds(),
				Error:      errMsg,
			})
		}

		if overallOK {
			return c.JSON(http.StatusOK, map[string]any{
				"service": service,
				"status":  "ready",
				"checks":  results,
			})
		}
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"service": service,
			"status":  "not_ready",
			"checks":  results,
		})
	}
}
