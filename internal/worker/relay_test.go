package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
)

var relayNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func stagedRecord(t *testing.T, id string, e event.Event, createdAt time.Time) model.OutboxRecord {
	t.Helper()
	e.Base().EventID = id
	e.Base().OccurredAt = createdAt
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return model.OutboxRecord{ID: id, AggregateID: e.AggregateID(), Type: e.EventType().String(), Payload: raw, CreatedAt: createdAt}
}

func newTestRelay(ob *fakeOutbox, pub *fakePublisher) *Relay {
	r := NewRelay(ob, pub, nil, 100, 3)
	r.Now = func() time.Time { return relayNow }
	return r
}

func TestRelayPublishesAndMarksProcessed(t *testing.T) {
	ob := &fakeOutbox{records: []model.OutboxRecord{
		stagedRecord(t, "01A", &event.TicketCreated{TicketID: 1, Title: "a", Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-time.Minute)),
		stagedRecord(t, "01B", &event.Reminder{TicketID: 2, Priority: model.PriorityHigh, HoursSinceCreated: 25}, relayNow.Add(-30*time.Second)),
	}}
	pub := &fakePublisher{}
	r := newTestRelay(ob, pub)

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || ob.saves != 1 {
		t.Fatalf("expected 2 published in one batch, got n=%d saves=%d", n, ob.saves)
	}
	for _, id := range []string{"01A", "01B"} {
		rec := ob.get(id)
		if rec.ProcessedAt == nil || !rec.ProcessedAt.Equal(relayNow) || rec.Error != nil {
			t.Fatalf("%s not marked processed: %+v", id, rec)
		}
		if pub.count(id) != 1 {
			t.Fatalf("%s: expected exactly one publish, got %d", id, pub.count(id))
		}
	}
	if pub.sent[0].key != "ticket.created" || pub.sent[1].key != "ticket.reminder" {
		t.Fatalf("routing keys must follow createdAt order and equal the type: %+v", pub.sent)
	}

	// a second cycle finds nothing to do
	n, err = r.RunOnce(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected idle cycle, got n=%d err=%v", n, err)
	}
}

func TestRelayIsolatesPublishFailures(t *testing.T) {
	ob := &fakeOutbox{records: []model.OutboxRecord{
		stagedRecord(t, "01A", &event.TicketCreated{TicketID: 1, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-2*time.Minute)),
		stagedRecord(t, "01B", &event.TicketCreated{TicketID: 2, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-time.Minute)),
	}}
	pub := &fakePublisher{failOn: map[string]error{
		"01A": &broker.TransportError{Op: "confirm", Err: errors.New("message nacked by broker")},
	}}
	r := newTestRelay(ob, pub)

	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one publish, got %d", n)
	}
	failed := ob.get("01A")
	if failed.ProcessedAt != nil || failed.RetryCount != 1 || failed.Error == nil {
		t.Fatalf("failed record must stay pending with error: %+v", failed)
	}
	if ok := ob.get("01B"); ok.ProcessedAt == nil {
		t.Fatal("second record must still be published")
	}
}

func TestRelayRetryCapExcludesRecord(t *testing.T) {
	rec := stagedRecord(t, "01A", &event.TicketCreated{TicketID: 1, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-time.Hour))
	rec.RetryCount = 2
	ob := &fakeOutbox{records: []model.OutboxRecord{rec}}
	pub := &fakePublisher{failOn: map[string]error{"01A": errors.New("unroutable")}}
	r := newTestRelay(ob, pub)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := ob.get("01A").RetryCount; got != 3 {
		t.Fatalf("expected retry count at cap, got %d", got)
	}

	pub.failOn = nil
	n, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 || pub.count("01A") != 0 {
		t.Fatal("a record at the retry cap must not be selected again")
	}
}

func TestRelayUnknownTypeCountsAsFailure(t *testing.T) {
	ob := &fakeOutbox{records: []model.OutboxRecord{
		{ID: "01X", Type: "ticket.deleted", Payload: []byte(`{}`), CreatedAt: relayNow},
	}}
	pub := &fakePublisher{}
	r := newTestRelay(ob, pub)

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	rec := ob.get("01X")
	if rec.RetryCount != 1 || rec.Error == nil || rec.ProcessedAt != nil {
		t.Fatalf("unexpected record state %+v", rec)
	}
	if len(pub.sent) != 0 {
		t.Fatal("undecodable record must not be published")
	}
}

func TestRelaySaveBatchErrorSurfaces(t *testing.T) {
	ob := &fakeOutbox{
		records: []model.OutboxRecord{stagedRecord(t, "01A", &event.TicketCreated{TicketID: 1, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow)},
		saveErr: errors.New("connection reset"),
	}
	r := newTestRelay(ob, &fakePublisher{})
	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected save error")
	}
	if ob.get("01A").ProcessedAt != nil {
		t.Fatal("nothing may be marked processed when the batch commit fails")
	}
}

func TestRelayBrokerOutageKeepsRetryBudget(t *testing.T) {
	ob := &fakeOutbox{records: []model.OutboxRecord{
		stagedRecord(t, "01A", &event.TicketCreated{TicketID: 1, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-3*time.Minute)),
		stagedRecord(t, "01B", &event.TicketCreated{TicketID: 2, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-2*time.Minute)),
		stagedRecord(t, "01C", &event.TicketCreated{TicketID: 3, Priority: model.PriorityLow, Category: model.CategoryGeneral}, relayNow.Add(-time.Minute)),
	}}
	open := &broker.TransportError{Op: "publish", Err: broker.ErrCircuitOpen}
	pub := &fakePublisher{failOn: map[string]error{"01B": open, "01C": open}}
	r := newTestRelay(ob, pub)

	// more outage cycles than the retry cap allows
	for i := 0; i < r.MaxRetries+2; i++ {
		n, err := r.RunOnce(context.Background())
		if !errors.Is(err, broker.ErrCircuitOpen) {
			t.Fatalf("cycle %d: err = %v", i, err)
		}
		if i == 0 && n != 1 {
			t.Fatalf("records before the outage must be published, got %d", n)
		}
	}
	if rec := ob.get("01A"); rec.ProcessedAt == nil {
		t.Fatal("01A was published before the outage and must be saved")
	}
	for _, id := range []string{"01B", "01C"} {
		rec := ob.get(id)
		if rec.RetryCount != 0 || rec.Error != nil || rec.ProcessedAt != nil {
			t.Fatalf("%s must be untouched by the outage: %+v", id, rec)
		}
	}

	pub.failOn = nil
	n, err := r.RunOnce(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("after recovery: n=%d err=%v", n, err)
	}
}
