package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/helpdesk/internal/http/middleware"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/notification"
)

// NotificationStore is the read side of the notification queue.
type NotificationStore interface {
	GetPending(ctx context.Context, userID int64) ([]model.Notification, error)
	UnreadCount(ctx context.Context, userID int64) (int64, error)
	MarkDelivered(ctx context.Context, userID int64, notificationID string) error
	ClearAll(ctx context.Context, userID int64) error
}

func listNotificationsHandler(store NotificationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		items, err := store.GetPending(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Errorf("get pending notifications: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification store unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"count":   len(items),
			"results": items,
		})
	}
}

func unreadCountHandler(store NotificationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		n, err := store.UnreadCount(c.Request().Context(), userID)
		if err != nil {
			c.Logger().Errorf("unread count: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification store unavailable"})
		}
		return c.JSON(http.StatusOK, map[string]int64{"unread": n})
	}
}

func markDeliveredHandler(store NotificationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		err := store.MarkDelivered(c.Request().Context(), userID, id)
		switch {
		case errors.Is(err, notification.ErrNotFound):
			return c.JSON(http.StatusNotFound, map[string]string{"error": "notification not found"})
		case err != nil:
			c.Logger().Errorf("mark delivered: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification store unavailable"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func clearNotificationsHandler(store NotificationStore) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		if err := store.ClearAll(c.Request().Context(), userID); err != nil {
			c.Logger().Errorf("clear notifications: %v", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "notification store unavailable"})
		}
		return c.NoContent(http.StatusNoContent)
	}
}
