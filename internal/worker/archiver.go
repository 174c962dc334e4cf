package worker

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

const archiveQueuePrefix = "archive."

// Archiver copies every event into the ClickHouse event log. It reads its own
// queues so archiving never competes with notification delivery.
type Archiver struct {
	Events repository.EventLogRepository
	Dedup  Deduper
	Log    *zap.Logger
	Now    func() time.Time
}

func NewArchiver(events repository.EventLogRepository, dedup Deduper, log *zap.Logger) *Archiver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Archiver{Events: events, Dedup: dedup, Log: log, Now: func() time.Time { return time.Now().UTC() }}
}

// Bindings returns archive.<type> queues bound to each event type.
func (a *Archiver) Bindings() []Binding {
	out := make([]Binding, 0, len(event.Types()))
	for _, t := range event.Types() {
		q := archiveQueuePrefix + t.String()
		out = append(out, Binding{
			Queue:      q,
			RoutingKey: t.String(),
			Handler:    eventHandler(q, t, a.Dedup, a.Log, a.archive),
		})
	}
	return out
}

func (a *Archiver) archive(ctx context.Context, e event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return permanent(err)
	}
	meta := e.Base()
	return a.Events.Insert(ctx, []model.EventLogEntry{{
		EventID:     meta.EventID,
		Type:        e.EventType().String(),
		AggregateID: e.AggregateID(),
		Payload:     string(payload),
		OccurredAt:  meta.OccurredAt,
		ReceivedAt:  a.Now(),
	}})
}
