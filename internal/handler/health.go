package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Health answers liveness probes with a plain "ok". It deliberately touches
// no backend: a degraded Redis or MySQL must not take the process out of
// the load balancer while the tiered store still serves.
func Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}
