package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/helpdesk/internal/http/middleware"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/session"
)

// SessionStore is the session surface the API exposes.
type SessionStore interface {
	middleware.SessionChecker
	CreateSession(ctx context.Context, userID int64, deviceInfo, ipAddress string, expiresAt time.Time) (string, error)
	GetActiveSessions(ctx context.Context, userID int64) ([]model.Session, error)
	RevokeUserSession(ctx context.Context, userID int64, sessionID string) error
	RevokeAllUserSessions(ctx context.Context, userID int64) (int, error)
}

func listSessionsHandler(store SessionStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		sessions, err := store.GetActiveSessions(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Errorf("list sessions: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		}
		current, _ := middleware.SessionIDFromCtx(c)
		return c.JSON(http.StatusOK, map[string]any{
			"current": current,
			"count":   len(sessions),
			"results": sessions,
		})
	}
}

func revokeSessionHandler(store SessionStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		sid := strings.TrimSpace(c.Param("id"))
		if sid == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		err := store.RevokeUserSession(c.Request().Context(), userID, sid)
		switch {
		case errors.Is(err, session.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		case err != nil:
			c.Logger().Errorf("revoke session: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func revokeAllSessionsHandler(store SessionStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		n, err := store.RevokeAllUserSessions(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Errorf("revoke all sessions: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]int{"revoked": n})
	}
}

type createSessionReq struct {
	UserID     int64     `json:"userId"`
	DeviceInfo string    `json:"deviceInfo"`
	IPAddress  string    `json:"ipAddress"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// createSessionHandler is called by the identity service after a login.
func createSessionHandler(store SessionStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createSessionReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if req.UserID <= 0 || req.ExpiresAt.IsZero() {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "userId and expiresAt are required"})
		}
		if req.IPAddress == "" {
			req.IPAddress = c.RealIP()
		}
		sid, err := store.CreateSession(c.Request().Context(), req.UserID, strings.TrimSpace(req.DeviceInfo), req.IPAddress, req.ExpiresAt)
		switch {
		case errors.Is(err, session.ErrInvalidExpiry):
			return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			c.Logger().Errorf("create session: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "session store unavailable"})
		}
		return c.JSON(http.StatusCreated, map[string]string{"sessionId": sid})
	}
}
