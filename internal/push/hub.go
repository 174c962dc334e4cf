// Package push delivers best-effort real-time frames to connected browsers.
// It is not a durability mechanism: clients reconcile by reading their
// pending notifications after reconnecting.
package push

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/metrics"
)

const (
	EventReceiveNotification = "ReceiveNotification"
	EventTicketUpdated       = "TicketUpdated"
)

// Payload is the data part of every frame.
type Payload struct {
	TicketID  int64             `json:"ticketId"`
	OldStatus string            `json:"oldStatus,omitempty"`
	NewStatus string            `json:"newStatus,omitempty"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Priority  string            `json:"priority"`
	ActionURL string            `json:"actionUrl"`
	ShowToast bool              `json:"showToast"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Frame is what a client receives: a named event and its payload.
type Frame struct {
	Event string  `json:"event"`
	Data  Payload `json:"data"`
}

// Group is the server-side group a user's connections join.
func Group(userID int64) string { return "user_" + strconv.FormatInt(userID, 10) }

// Pusher sends frames to a user's connections or to everyone.
type Pusher interface {
	PushToUser(ctx context.Context, userID int64, event string, p Payload) error
	PushToAll(ctx context.Context, event string, p Payload) error
}

// Hub tracks local connections by group.
type Hub struct {
	mu      sync.RWMutex
	groups  map[string]map[*Client]struct{}
	clients map[*Client]struct{}
	log     *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		groups:  make(map[string]map[*Client]struct{}),
		clients: make(map[*Client]struct{}),
		log:     log,
	}
}

// Join registers c under its user's group.
func (h *Hub) Join(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	g := h.groups[c.group]
	if g == nil {
		g = make(map[*Client]struct{})
		h.groups[c.group] = g
	}
	g[c] = struct{}{}
	h.clients[c] = struct{}{}
	metrics.PushConnections.Inc()
}

// Leave removes c from its group and closes its send queue.
func (h *Hub) Leave(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		if g := h.groups[c.group]; g != nil {
			delete(g, c)
			if len(g) == 0 {
				delete(h.groups, c.group)
			}
		}
		metrics.PushConnections.Dec()
	}
	h.mu.Unlock()
	c.closeSend()
}

// GroupSize reports how many local connections belong to group.
func (h *Hub) GroupSize(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) PushToUser(_ context.Context, userID int64, event string, p Payload) error {
	raw, err := json.Marshal(Frame{Event: event, Data: p})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[Group(userID)] {
		h.deliver(c, event, raw)
	}
	return nil
}

func (h *Hub) PushToAll(_ context.Context, event string, p Payload) error {
	raw, err := json.Marshal(Frame{Event: event, Data: p})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.deliver(c, event, raw)
	}
	return nil
}

func (h *Hub) deliver(c *Client, event string, raw []byte) {
	if c.enqueue(raw) {
		metrics.PushSent.WithLabelValues(event, "sent").Inc()
		return
	}
	metrics.PushSent.WithLabelValues(event, "dropped").Inc()
	h.log.Debug("push queue full, frame dropped", zap.String("group", c.group))
}
