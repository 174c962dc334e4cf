package push

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Handler upgrades authenticated requests to websocket connections.
type Handler struct {
	hub      *Hub
	log      *zap.Logger
	upgrader websocket.Upgrader
	// UserID resolves the authenticated user from the request context.
	UserID func(c echo.Context) (int64, bool)
}

func NewHandler(hub *Hub, log *zap.Logger, userID func(c echo.Context) (int64, bool)) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		hub:    hub,
		log:    log,
		UserID: userID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Connect joins the caller to group user_{id} until the socket closes.
func (h *Handler) Connect(c echo.Context) error {
	userID, ok := h.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response
		return nil
	}

	client := NewClient(conn, userID)
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	h.hub.Join(client)
	h.log.Debug("client connected", zap.Int64("user_id", userID))
	go client.WriteLoop(ctx)

	client.ReadLoop()

	h.hub.Leave(client)
	h.log.Debug("client disconnected", zap.Int64("user_id", userID))
	return nil
}
