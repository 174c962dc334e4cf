package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
)

type fakeEventLog struct {
	rows []model.EventLogEntry
	err  error
}

func (f *fakeEventLog) Insert(_ context.Context, entries []model.EventLogEntry) error {
	if f.err != nil {
		return f.err
	}
	f.rows = append(f.rows, entries...)
	return nil
}

func (f *fakeEventLog) ListByAggregate(context.Context, string, time.Time, int) ([]model.EventLogEntry, error) {
	return f.rows, nil
}

func TestArchiverBindings(t *testing.T) {
	a := NewArchiver(&fakeEventLog{}, nil, zap.NewNop())
	bs := a.Bindings()
	if len(bs) != len(event.Types()) {
		t.Fatalf("bindings = %d", len(bs))
	}
	for _, b := range bs {
		if b.Queue != "archive."+b.RoutingKey {
			t.Fatalf("queue %q bound to %q", b.Queue, b.RoutingKey)
		}
	}
}

func TestArchiverInsertsEntry(t *testing.T) {
	log := &fakeEventLog{}
	a := NewArchiver(log, newMemDeduper(), zap.NewNop())
	received := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	a.Now = func() time.Time { return received }

	e := &event.SlaBreached{Meta: event.Meta{EventID: "01S", OccurredAt: occurred}, TicketID: 5, OldPriority: model.PriorityHigh, NewPriority: model.PriorityCritical, HoursOpen: 49}
	var h broker.Handler
	for _, b := range a.Bindings() {
		if b.RoutingKey == e.EventType().String() {
			h = b.Handler
		}
	}
	if out := h(context.Background(), delivery(t, e)); out != broker.Ack {
		t.Fatalf("outcome %v", out)
	}
	// redelivery is absorbed by the processed mark
	if out := h(context.Background(), delivery(t, e)); out != broker.Ack {
		t.Fatalf("outcome %v", out)
	}
	if len(log.rows) != 1 {
		t.Fatalf("rows %+v", log.rows)
	}
	row := log.rows[0]
	if row.EventID != "01S" || row.Type != "ticket.sla_breached" || row.AggregateID != "5" || !row.ReceivedAt.Equal(received) || !row.OccurredAt.Equal(occurred) {
		t.Fatalf("row %+v", row)
	}
}

func TestArchiverInsertFailureRequeues(t *testing.T) {
	a := NewArchiver(&fakeEventLog{err: errors.New("clickhouse down")}, newMemDeduper(), zap.NewNop())
	h := a.Bindings()[0].Handler
	e := &event.TicketCreated{Meta: event.Meta{EventID: "01C"}, TicketID: 1, Priority: model.PriorityLow, Category: model.CategoryGeneral}
	if out := h(context.Background(), delivery(t, e)); out != broker.Requeue {
		t.Fatalf("outcome %v", out)
	}
}
