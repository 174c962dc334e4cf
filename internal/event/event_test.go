package event

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/helpdesk/internal/model"
)

func TestDecodeResolvesEveryType(t *testing.T) {
	for _, typ := range Types() {
		e, err := New(typ)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if e.EventType() != typ {
			t.Fatalf("expected %s, got %s", typ, e.EventType())
		}
		raw, err := json.Marshal(e)
		if err != nil {
			// zero-valued enums are rejected by MarshalText, which is fine here
			continue
		}
		if _, err := Decode(typ, raw); err != nil {
			t.Fatalf("%s: decode: %v", typ, err)
		}
	}
}

func TestDecodeIsCaseInsensitive(t *testing.T) {
	payload := []byte(`{"EVENTID":"01J0","TicketId":42,"OldPriority":"high","newpriority":"Critical","HOURSOPEN":49.5}`)
	e, err := Decode(TypeSlaBreached, payload)
	if err != nil {
		t.Fatal(err)
	}
	sla, ok := e.(*SlaBreached)
	if !ok {
		t.Fatalf("expected *SlaBreached, got %T", e)
	}
	if sla.TicketID != 42 || sla.EventID != "01J0" || sla.OldPriority != model.PriorityHigh || sla.NewPriority != model.PriorityCritical {
		t.Fatalf("unexpected decode result: %+v", sla)
	}
	if sla.AggregateID() != "42" {
		t.Fatalf("unexpected aggregate id %q", sla.AggregateID())
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode("ticket.deleted", []byte(`{}`))
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	if _, err := Decode(TypeReminder, []byte(`{not-json`)); err == nil {
		t.Fatal("expected error")
	}
}

func TestMetaFlattensIntoPayload(t *testing.T) {
	e := &Reminder{
		Meta:              Meta{EventID: "e1", OccurredAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)},
		TicketID:          7,
		Priority:          model.PriorityLow,
		HoursSinceCreated: 25,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["eventId"] != "e1" || m["hoursSinceCreated"] != float64(25) {
		t.Fatalf("unexpected payload %s", raw)
	}
	if _, ok := m["actorId"]; ok {
		t.Fatalf("system events must omit actorId: %s", raw)
	}
}
