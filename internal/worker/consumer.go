package worker

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/event"
)

// Binding ties a queue (and optionally a different routing key) to a handler.
type Binding struct {
	Queue      string
	RoutingKey string
	Handler    broker.Handler
}

// errPermanent marks a handler failure that retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

func permanent(err error) error { return errPermanent{err: err} }

func isPermanent(err error) bool {
	var p errPermanent
	return errors.As(err, &p)
}

// eventHandler decodes the delivery as the type named by t, skips events
// dedup has already seen and runs fn. The event is marked processed only
// after fn succeeds. Decode failures and permanent errors drop the message;
// other errors requeue it.
func eventHandler(queue string, t event.Type, dedup Deduper, log *zap.Logger, fn func(ctx context.Context, e event.Event) error) broker.Handler {
	log = log.With(zap.String("queue", queue))
	return func(ctx context.Context, d broker.Delivery) broker.Outcome {
		e, err := event.Decode(t, d.Body)
		if err != nil {
			log.Warn("poison message", zap.Error(err), zap.String("message_id", d.MessageID))
			return broker.Drop
		}
		id := e.Base().EventID
		if id == "" {
			id = d.MessageID
		}
		elog := log.With(zap.String("event_id", id))
		guarded := dedup != nil && id != ""

		if guarded {
			seen, err := dedup.Seen(ctx, queue, id)
			if err != nil {
				elog.Warn("idempotency check failed", zap.Error(err))
				return broker.Requeue
			}
			if seen {
				elog.Debug("duplicate delivery ignored")
				return broker.Ack
			}
		}

		if err := fn(ctx, e); err != nil {
			if isPermanent(err) {
				elog.Warn("dropping event", zap.Error(err))
				return broker.Drop
			}
			elog.Warn("handler failed, requeueing", zap.Error(err))
			return broker.Requeue
		}

		if guarded {
			// the effect is done; a lost mark only risks one duplicate
			if err := dedup.Mark(context.WithoutCancel(ctx), queue, id); err != nil {
				elog.Warn("mark event processed", zap.Error(err))
			}
		}
		return broker.Ack
	}
}

// RunConsumers subscribes every binding and blocks until all subscriptions
// return, which happens when ctx is cancelled.
func RunConsumers(ctx context.Context, sub broker.Subscriber, bindings []Binding, log *zap.Logger) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, b := range bindings {
		wg.Add(1)
		go func(b Binding) {
			defer wg.Done()
			var opts []broker.SubscribeOption
			if b.RoutingKey != "" && b.RoutingKey != b.Queue {
				opts = append(opts, broker.WithRoutingKey(b.RoutingKey))
			}
			if err := sub.Subscribe(ctx, b.Queue, b.Handler, opts...); err != nil {
				log.Error("subscription ended", zap.String("queue", b.Queue), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(b)
	}
	wg.Wait()
	return errors.Join(errs...)
}
