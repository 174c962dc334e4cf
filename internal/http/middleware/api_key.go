package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// ServiceKeyMiddleware guards internal endpoints with the shared X-Service-Key
// header. An empty configured key disables the internal routes entirely.
func ServiceKeyMiddleware(key string) echo.MiddlewareFunc {
	want := []byte(key)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(want) == 0 {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "internal api disabled"})
			}
			got := strings.TrimSpace(c.Request().Header.Get("X-Service-Key"))
			if got == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing service key"})
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid service key"})
			}
			return next(c)
		}
	}
}
