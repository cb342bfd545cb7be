package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/festiq/festiq/pkg/models"
)

// CronSecretHeader carries the shared secret on scheduler-triggered requests.
const CronSecretHeader = "X-Cron-Secret"

// CronSecret rejects scheduler endpoints called without the shared secret.
// Unauthorized calls are turned away before any data is touched.
func CronSecret(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if secret == "" {
				return c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{
					Error:   "cron_disabled",
					Message: "Scheduler endpoint is not configured",
				})
			}
			provided := c.Request().Header.Get(CronSecretHeader)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
				return c.JSON(http.StatusUnauthorized, models.ErrorResponse{
					Error:   "unauthorized",
					Message: "Invalid or missing cron secret",
				})
			}
			return next(c)
		}
	}
}
