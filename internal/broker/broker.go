// Package broker carries domain events over a topic-routed message broker.
// The queue name doubles as the routing key unless a subscription overrides it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// Outcome tells the transport how to settle a delivery.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Requeue returns the message for another attempt.
	Requeue
	// Drop discards a message that can never be processed.
	Drop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Requeue:
		return "requeue"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Delivery is a transport-neutral view of a received message.
type Delivery struct {
	RoutingKey  string
	MessageID   string
	Body        []byte
	Timestamp   time.Time
	Redelivered bool
}

// Handler processes one delivery. Calls are sequential per subscription.
type Handler func(ctx context.Context, d Delivery) Outcome

type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg any) error
}

type Subscriber interface {
	// Subscribe blocks until ctx is cancelled or the transport is closed,
	// reconnecting on connection loss.
	Subscribe(ctx context.Context, queue string, h Handler, opts ...SubscribeOption) error
}

type Transport interface {
	Publisher
	Subscriber
	Close() error
}

var (
	ErrCircuitOpen = errors.New("circuit open")
	ErrClosed      = errors.New("transport closed")
)

// Unavailable reports whether err means the broker as a whole cannot be
// reached, as opposed to a failure of the one message being published.
func Unavailable(err error) bool {
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrClosed) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) && te.Op == "connect" {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// TransportError reports that the broker could not be reached or refused the
// operation. It is always worth retrying later.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string   { return "broker " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error   { return e.Err }
func (e *TransportError) Temporary() bool { return true }

type subscribeOptions struct {
	routingKey string
}

type SubscribeOption func(*subscribeOptions)

// WithRoutingKey binds the queue to key instead of to its own name.
func WithRoutingKey(key string) SubscribeOption {
	return func(o *subscribeOptions) { o.routingKey = key }
}

func resolveOptions(queue string, opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{routingKey: queue}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

type messageIdentifier interface {
	MessageID() string
}

// encode serialises msg as UTF-8 JSON and extracts its message id when the
// value carries one.
func encode(msg any) ([]byte, string, error) {
	if raw, ok := msg.(json.RawMessage); ok {
		return raw, "", nil
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, "", fmt.Errorf("encode message: %w", err)
	}
	var id string
	if m, ok := msg.(messageIdentifier); ok {
		id = m.MessageID()
	}
	return body, id, nil
}

// invoke runs h and converts a panic into Drop.
func invoke(ctx context.Context, h Handler, d Delivery, onPanic func(any)) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
			out = Drop
		}
	}()
	return h(ctx, d)
}

// backoff doubles d up to max.
func backoff(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	d *= 2
	if d > max {
		return max
	}
	return d
}
