package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// errorEnvelope renders handler errors as `{"error": ...}` JSON so every
// client sees one error shape regardless of which handler failed.
func errorEnvelope() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			err := next(c)
			if err == nil {
				return nil
			}
			var he *echo.HTTPError
			if !errors.As(err, &he) {
				slog.Error("Unhandled request error", "path", c.Request().URL.Path, "error", err)
				he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}
			if r, _ := echo.UnwrapResponse(c.Response()); r != nil && r.Committed {
				return nil
			}
			return c.JSON(he.Code, map[string]any{"error": fmt.Sprint(he.Message)})
		}
	}
}

// requestLogger logs one line per request at debug, errors at warn.
func requestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			attrs := []any{
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				logger.Warn("Request failed", append(attrs, "error", err)...)
			} else {
				logger.Debug("Request handled", attrs...)
			}
			return err
		}
	}
}
