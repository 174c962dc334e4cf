package model

import (
	"encoding/json"
	"testing"
)

func TestParseTicketStatusCaseInsensitive(t *testing.T) {
	got, err := ParseTicketStatus(" resolved ")
	if err != nil {
		t.Fatal(err)
	}
	if got != StatusResolved {
		t.Fatalf("expected %q, got %q", StatusResolved, got)
	}
	if _, err := ParseTicketStatus("deleted"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestTicketPriorityJSONRejectsUnknown(t *testing.T) {
	var v struct {
		Priority TicketPriority `json:"priority"`
	}
	if err := json.Unmarshal([]byte(`{"priority":"critical"}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.Priority != PriorityCritical {
		t.Fatalf("expected Critical, got %q", v.Priority)
	}
	if err := json.Unmarshal([]byte(`{"priority":"blocker"}`), &v); err == nil {
		t.Fatal("expected error for unknown priority")
	}
	if _, err := json.Marshal(struct{ P TicketPriority }{P: "nope"}); err == nil {
		t.Fatal("expected marshal error for invalid priority")
	}
}

func TestTicketCategoryScanAndValue(t *testing.T) {
	var c TicketCategory
	if err := c.Scan([]byte("billing")); err != nil {
		t.Fatal(err)
	}
	if c != CategoryBilling {
		t.Fatalf("expected Billing, got %q", c)
	}
	if err := c.Scan(nil); err == nil {
		t.Fatal("expected error scanning NULL")
	}
	v, err := CategoryTechnical.Value()
	if err != nil || v != "Technical" {
		t.Fatalf("unexpected value %v err=%v", v, err)
	}
	if _, err := TicketCategory("x").Value(); err == nil {
		t.Fatal("expected error for invalid category value")
	}
}

func TestOutboxRecordPending(t *testing.T) {
	r := OutboxRecord{RetryCount: 4}
	if !r.Pending(5) {
		t.Fatal("expected pending below cap")
	}
	r.RetryCount = 5
	if r.Pending(5) {
		t.Fatal("expected not pending at cap")
	}
}
