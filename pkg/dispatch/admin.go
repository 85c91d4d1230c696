package dispatch

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/emberworks/fabric/pkg/models"
)

// NewAdminServer builds the dispatcher's admin HTTP surface: status,
// health, and the optional replay endpoint.
func NewAdminServer(d *Dispatcher) *echo.Echo {
	e := echo.New()

	e.GET("/healthz", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/status", func(c *echo.Context) error {
		return c.JSON(http.StatusOK, d.Status())
	})
	e.POST("/replay", func(c *echo.Context) error {
		if !d.ReplayEnabled() {
			return echo.NewHTTPError(http.StatusNotFound, "replay is disabled")
		}
		var ev models.SessionClosed
		if err := c.Bind(&ev); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "body is not valid JSON")
		}
		mission, created, err := d.Replay(c.Request().Context(), &ev)
		if err != nil {
			if errors.Is(err, models.ErrInvalidEvent) {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
			return echo.NewHTTPError(http.StatusBadGateway, "kernel submission failed: "+err.Error())
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		return c.JSON(status, map[string]any{"mission": mission, "created": created})
	})

	return e
}
