package notification

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/jmehdipour/helpdesk/internal/model"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, 0, 0, nil), mr
}

func TestEnqueueOverflowKeepsNewestAndOvercounts(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 101; i++ {
		if _, err := q.Enqueue(ctx, 1, model.Notification{ID: fmt.Sprintf("n%03d", i), Type: "reminder", Title: "t"}); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := q.GetPending(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 100 {
		t.Fatalf("expected 100 pending, got %d", len(pending))
	}
	if pending[0].ID != "n001" || pending[99].ID != "n100" {
		t.Fatalf("oldest entry must be dropped, got first=%s last=%s", pending[0].ID, pending[99].ID)
	}

	count, err := q.UnreadCount(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if count != 101 {
		t.Fatalf("counter is not reduced by trimming, expected 101 got %d", count)
	}
}

func TestEnqueueSetsTTLAndDefaults(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	n, err := q.Enqueue(ctx, 2, model.Notification{Type: "ticket_assigned", Title: "Assigned"})
	if err != nil {
		t.Fatal(err)
	}
	if n.ID == "" || n.CreatedAt.IsZero() {
		t.Fatalf("expected id and createdAt defaults, got %+v", n)
	}
	if ttl := mr.TTL(pendingKey(2)); ttl != DefaultTTL {
		t.Fatalf("expected 7d ttl on list, got %s", ttl)
	}
	if ttl := mr.TTL(unreadKey(2)); ttl != DefaultTTL {
		t.Fatalf("expected 7d ttl on counter, got %s", ttl)
	}

	mr.FastForward(DefaultTTL + time.Second)
	pending, err := q.GetPending(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected expiry, got %d", len(pending))
	}
}

func TestMarkDeliveredFloorsCounter(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, 3, model.Notification{ID: "a", Type: "x"})
	b, _ := q.Enqueue(ctx, 3, model.Notification{ID: "b", Type: "x", Metadata: map[string]string{"ticketId": "9"}})

	if err := q.MarkDelivered(ctx, 3, a.ID); err != nil {
		t.Fatal(err)
	}
	pending, _ := q.GetPending(ctx, 3)
	if len(pending) != 1 || pending[0].ID != "b" || pending[0].Metadata["ticketId"] != "9" {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if c, _ := q.UnreadCount(ctx, 3); c != 1 {
		t.Fatalf("expected 1 unread, got %d", c)
	}

	if err := q.MarkDelivered(ctx, 3, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// counter already drifted to zero; removing the last entry must not go negative
	if err := mr.Set(unreadKey(3), "0"); err != nil {
		t.Fatal(err)
	}
	if err := q.MarkDelivered(ctx, 3, b.ID); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(pendingKey(3)) {
		t.Fatal("empty list key must be removed")
	}
	if mr.Exists(unreadKey(3)) {
		t.Fatal("counter key must be deleted at zero")
	}
	if c, _ := q.UnreadCount(ctx, 3); c != 0 {
		t.Fatalf("expected 0, got %d", c)
	}
}

func TestClearAll(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, 4, model.Notification{Type: "x"})
	if err := q.ClearAll(ctx, 4); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(pendingKey(4)) || mr.Exists(unreadKey(4)) {
		t.Fatal("both keys must be removed")
	}
	pending, err := q.GetPending(ctx, 4)
	if err != nil || len(pending) != 0 {
		t.Fatalf("expected empty, got %v err=%v", pending, err)
	}
}
