package push

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func drain(c *Client) []Frame {
	var out []Frame
	for {
		select {
		case raw, ok := <-c.send:
			if !ok {
				return out
			}
			var f Frame
			_ = json.Unmarshal(raw, &f)
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestPushToUserTargetsGroup(t *testing.T) {
	h := NewHub(nil)
	a1 := NewClient(nil, 1)
	a2 := NewClient(nil, 1)
	b := NewClient(nil, 2)
	h.Join(a1)
	h.Join(a2)
	h.Join(b)

	if h.GroupSize("user_1") != 2 || h.Count() != 3 {
		t.Fatalf("unexpected membership: group=%d total=%d", h.GroupSize("user_1"), h.Count())
	}

	p := Payload{TicketID: 5, OldStatus: "Open", NewStatus: "Resolved", Message: "resolved", Timestamp: time.Now(), Priority: "High", ActionURL: "/tickets/5", ShowToast: true}
	if err := h.PushToUser(context.Background(), 1, EventTicketUpdated, p); err != nil {
		t.Fatal(err)
	}

	for _, c := range []*Client{a1, a2} {
		frames := drain(c)
		if len(frames) != 1 || frames[0].Event != EventTicketUpdated || frames[0].Data.TicketID != 5 {
			t.Fatalf("expected one TicketUpdated frame, got %+v", frames)
		}
	}
	if got := drain(b); len(got) != 0 {
		t.Fatalf("other users must not receive the frame, got %+v", got)
	}
}

func TestPushToAllReachesEveryone(t *testing.T) {
	h := NewHub(nil)
	a := NewClient(nil, 1)
	b := NewClient(nil, 2)
	h.Join(a)
	h.Join(b)

	if err := h.PushToAll(context.Background(), EventReceiveNotification, Payload{Message: "maintenance"}); err != nil {
		t.Fatal(err)
	}
	if len(drain(a)) != 1 || len(drain(b)) != 1 {
		t.Fatal("broadcast must reach every connection")
	}
}

func TestPushDropsWhenQueueFull(t *testing.T) {
	h := NewHub(nil)
	c := NewClient(nil, 1)
	h.Join(c)

	for i := 0; i < sendBuffer+10; i++ {
		if err := h.PushToUser(context.Background(), 1, EventReceiveNotification, Payload{Message: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(drain(c)); got != sendBuffer {
		t.Fatalf("expected %d queued frames, got %d", sendBuffer, got)
	}
}

func TestLeaveRemovesMembershipAndClosesQueue(t *testing.T) {
	h := NewHub(nil)
	c := NewClient(nil, 1)
	h.Join(c)
	h.Leave(c)
	h.Leave(c) // idempotent

	if h.GroupSize("user_1") != 0 || h.Count() != 0 {
		t.Fatal("client must leave its group")
	}
	if _, ok := <-c.send; ok {
		t.Fatal("send queue must be closed")
	}
	if err := h.PushToUser(context.Background(), 1, EventReceiveNotification, Payload{}); err != nil {
		t.Fatal(err)
	}
}

func TestFrameOmitsOptionalFields(t *testing.T) {
	raw, err := json.Marshal(Frame{Event: EventReceiveNotification, Data: Payload{TicketID: 1, Message: "m", Priority: "Low", ActionURL: "/tickets/1"}})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	data := m["data"]
	for _, k := range []string{"oldStatus", "newStatus", "metadata"} {
		if _, ok := data[k]; ok {
			t.Fatalf("%s must be omitted when empty: %s", k, raw)
		}
	}
	for _, k := range []string{"ticketId", "message", "timestamp", "priority", "actionUrl", "showToast"} {
		if _, ok := data[k]; !ok {
			t.Fatalf("%s must always be present: %s", k, raw)
		}
	}
}
