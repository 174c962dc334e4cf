package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	echo "github.com/labstack/echo/v4"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

// listEventsHandler returns the archived events of one aggregate.
func listEventsHandler(repo repository.EventLogRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		aggregateID := strings.TrimSpace(c.QueryParam("aggregate_id"))
		if aggregateID == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "aggregate_id is required"})
		}

		limit := 100
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		var since time.Time
		if v := c.QueryParam("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			}
			since = t
		}

		rows, err := repo.ListByAggregate(c.Request().Context(), aggregateID, since, limit)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}
		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"count":   len(rows),
			"results": rows,
		})
	}
}

// EventStager stages an event through the outbox.
type EventStager interface {
	Stage(ctx context.Context, tx *sqlx.Tx, e event.Event, aggregateID string) error
}

type stageEventReq struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// stageEventHandler lets other services emit events without a broker client.
func stageEventHandler(outbox EventStager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req stageEventReq
		if err := c.Bind(&req); err != nil || len(req.Payload) == 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		e, err := event.Decode(event.Type(strings.TrimSpace(req.Type)), req.Payload)
		if err != nil {
			if errors.Is(err, event.ErrUnknownType) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown event type"})
			}
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}
		if err := outbox.Stage(c.Request().Context(), nil, e, e.AggregateID()); err != nil {
			c.Logger().Errorf("stage event: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "stage failed"})
		}
		return c.JSON(http.StatusAccepted, map[string]string{"eventId": e.Base().EventID})
	}
}
