package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	echo "github.com/labstack/echo/v4"
)

const (
	ctxUserID    = "user_id"
	ctxSessionID = "session_id"
)

// SessionChecker reports whether a session id has been revoked.
type SessionChecker interface {
	IsSessionRevoked(ctx context.Context, sessionID string) (bool, error)
}

// Claims is the access token body: sub carries the user id, sid the session.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// UserIDFromCtx extracts the user id set by JWTMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	id, ok := c.Get(ctxUserID).(int64)
	return id, ok && id > 0
}

// SessionIDFromCtx extracts the session id set by JWTMiddleware.
func SessionIDFromCtx(c echo.Context) (string, bool) {
	sid, ok := c.Get(ctxSessionID).(string)
	return sid, ok && sid != ""
}

// bearer reads the token from the Authorization header, falling back to the
// access_token query parameter which browsers use for websocket upgrades.
func bearer(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(c.QueryParam("access_token"))
}

// JWTMiddleware verifies HS256 access tokens and rejects tokens whose session
// has been revoked. On success it stores user_id and session_id in context.
func JWTMiddleware(secret []byte, sessions SessionChecker) echo.MiddlewareFunc {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	keyFunc := func(*jwt.Token) (any, error) { return secret, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearer(c)
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing token"})
			}

			var claims Claims
			if _, err := parser.ParseWithClaims(raw, &claims, keyFunc); err != nil {
				msg := "invalid token"
				if errors.Is(err, jwt.ErrTokenExpired) {
					msg = "token expired"
				}
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": msg})
			}
			userID, err := strconv.ParseInt(claims.Subject, 10, 64)
			if err != nil || userID <= 0 || claims.SessionID == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			}

			revoked, err := sessions.IsSessionRevoked(c.Request().Context(), claims.SessionID)
			if err != nil {
				c.Logger().Errorf("session check failed: %v", err)
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
			}
			if revoked {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "session revoked"})
			}

			c.Set(ctxUserID, userID)
			c.Set(ctxSessionID, claims.SessionID)
			return next(c)
		}
	}
}
