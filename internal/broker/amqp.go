package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/metrics"
)

type AMQPConfig struct {
	URL            string
	Endpoints      []string
	Exchange       string
	Prefetch       int
	ConsumerTag    string
	PublishTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	FailThreshold  int
	OpenFor        time.Duration
}

func (c AMQPConfig) Validate() error {
	if c.Exchange == "" {
		return fmt.Errorf("amqp exchange is required")
	}
	if c.Prefetch < 1 {
		return fmt.Errorf("amqp prefetch must be >= 1")
	}
	if len(c.endpoints()) == 0 {
		return fmt.Errorf("amqp url or endpoints is required")
	}
	return nil
}

func (c AMQPConfig) endpoints() []string {
	var out []string
	if u := strings.TrimSpace(c.URL); u != "" {
		out = append(out, u)
	}
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out
}

// AMQP publishes to a durable topic exchange and consumes from durable queues
// with manual acknowledgement. Publishing shares one confirm-mode channel
// guarded by a mutex; every subscription owns its connection.
type AMQP struct {
	cfg     AMQPConfig
	log     *zap.Logger
	breaker *Breaker
	rr      atomic.Uint64

	mu   sync.Mutex
	conn *amqp091.Connection
	ch   *amqp091.Channel

	closed    chan struct{}
	closeOnce sync.Once
}

func NewAMQP(cfg AMQPConfig, log *zap.Logger) (*AMQP, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "helpdesk"
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQP{
		cfg:     cfg,
		log:     log,
		breaker: NewBreaker(cfg.FailThreshold, cfg.OpenFor),
		closed:  make(chan struct{}),
	}, nil
}

// dial tries each endpoint once, starting from the next one in rotation.
func (a *AMQP) dial() (*amqp091.Connection, error) {
	eps := a.cfg.endpoints()
	start := int(a.rr.Add(1)-1) % len(eps)
	dialCfg := amqp091.Config{
		Dial:      amqp091.DefaultDial(a.cfg.PublishTimeout),
		Heartbeat: 10 * time.Second,
	}
	var errs []error
	for i := range eps {
		url := eps[(start+i)%len(eps)]
		conn, err := amqp091.DialConfig(url, dialCfg)
		if err == nil {
			return conn, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

func (a *AMQP) declareExchange(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	return nil
}

// publishChannelLocked returns the live publish channel, reconnecting when it
// has been closed. a.mu must be held.
func (a *AMQP) publishChannelLocked() (*amqp091.Channel, error) {
	if a.ch != nil && !a.ch.IsClosed() {
		return a.ch, nil
	}
	a.resetLocked()

	conn, err := a.dial()
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := a.declareExchange(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("confirm mode: %w", err)
	}
	a.conn, a.ch = conn, ch
	return ch, nil
}

func (a *AMQP) resetLocked() {
	if a.ch != nil {
		_ = a.ch.Close()
		a.ch = nil
	}
	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
}

// Publish sends msg as persistent JSON under routingKey and waits for the
// broker confirm. While the breaker is open it fails without dialling.
func (a *AMQP) Publish(ctx context.Context, routingKey string, msg any) error {
	body, id, err := encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-a.closed:
		return &TransportError{Op: "publish", Err: ErrClosed}
	default:
	}
	if !a.breaker.TryAcquire() {
		metrics.BrokerPublished.WithLabelValues(routingKey, "circuit_open").Inc()
		return &TransportError{Op: "publish", Err: ErrCircuitOpen}
	}

	pctx, cancel := context.WithTimeout(ctx, a.cfg.PublishTimeout)
	defer cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	ch, err := a.publishChannelLocked()
	if err != nil {
		a.fail(routingKey)
		return &TransportError{Op: "connect", Err: err}
	}

	dc, err := ch.PublishWithDeferredConfirmWithContext(pctx, a.cfg.Exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp091.Persistent,
		Timestamp:       time.Now().UTC(),
		MessageId:       id,
		Body:            body,
	})
	if err != nil {
		a.fail(routingKey)
		a.resetLocked()
		return &TransportError{Op: "publish", Err: err}
	}
	ok, err := dc.WaitContext(pctx)
	if err != nil {
		a.fail(routingKey)
		a.resetLocked()
		return &TransportError{Op: "confirm", Err: err}
	}
	if !ok {
		a.fail(routingKey)
		return &TransportError{Op: "confirm", Err: fmt.Errorf("message nacked by broker")}
	}

	a.breaker.OnSuccess()
	metrics.BrokerPublished.WithLabelValues(routingKey, "ok").Inc()
	return nil
}

func (a *AMQP) fail(routingKey string) {
	a.breaker.OnFailure()
	metrics.BrokerPublished.WithLabelValues(routingKey, "error").Inc()
}

// Subscribe declares queue as durable, binds it and consumes with prefetch.
// Connection loss triggers a reconnect after a bounded exponential backoff.
func (a *AMQP) Subscribe(ctx context.Context, queue string, h Handler, opts ...SubscribeOption) error {
	o := resolveOptions(queue, opts)
	log := a.log.With(zap.String("queue", queue), zap.String("routing_key", o.routingKey))

	var wait time.Duration
	for {
		started, err := a.consume(ctx, queue, o.routingKey, h, log)
		if ctx.Err() != nil || a.isClosed() {
			return nil
		}
		if started {
			wait = 0
		}
		wait = backoff(wait, a.cfg.ReconnectMin, a.cfg.ReconnectMax)
		log.Warn("subscription interrupted, reconnecting", zap.Error(err), zap.Duration("backoff", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-a.closed:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// consume runs one connection's worth of consumption. started reports
// whether the consumer got past topology setup.
func (a *AMQP) consume(ctx context.Context, queue, routingKey string, h Handler, log *zap.Logger) (started bool, err error) {
	conn, err := a.dial()
	if err != nil {
		return false, &TransportError{Op: "dial", Err: err}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return false, &TransportError{Op: "channel", Err: err}
	}
	defer ch.Close()

	if err := ch.Qos(a.cfg.Prefetch, 0, false); err != nil {
		return false, &TransportError{Op: "qos", Err: err}
	}
	if err := a.declareExchange(ch); err != nil {
		return false, &TransportError{Op: "declare", Err: err}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return false, &TransportError{Op: "declare queue", Err: err}
	}
	if err := ch.QueueBind(queue, routingKey, a.cfg.Exchange, false, nil); err != nil {
		return false, &TransportError{Op: "bind", Err: err}
	}

	tag := a.cfg.ConsumerTag + "." + queue
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return false, &TransportError{Op: "consume", Err: err}
	}
	closes := conn.NotifyClose(make(chan *amqp091.Error, 1))
	log.Info("subscribed")

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(tag, false)
			return true, nil
		case <-a.closed:
			_ = ch.Cancel(tag, false)
			return true, nil
		case cerr, ok := <-closes:
			if ok && cerr != nil {
				return true, &TransportError{Op: "consume", Err: cerr}
			}
			return true, &TransportError{Op: "consume", Err: amqp091.ErrClosed}
		case d, ok := <-deliveries:
			if !ok {
				return true, &TransportError{Op: "consume", Err: amqp091.ErrClosed}
			}
			a.settle(ctx, queue, d, h, log)
		}
	}
}

// settle runs the handler and acks, requeues or drops the delivery.
func (a *AMQP) settle(ctx context.Context, queue string, d amqp091.Delivery, h Handler, log *zap.Logger) Outcome {
	del := Delivery{
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		Body:        d.Body,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
	}
	out := invoke(ctx, h, del, func(r any) {
		log.Error("handler panic", zap.Any("panic", r), zap.String("message_id", d.MessageId))
	})

	var err error
	switch out {
	case Ack:
		err = d.Ack(false)
	case Requeue:
		err = d.Nack(false, true)
	default:
		out = Drop
		log.Warn("dropping message", zap.String("message_id", d.MessageId), zap.ByteString("body", truncate(d.Body, 512)))
		err = d.Nack(false, false)
	}
	if err != nil {
		log.Error("settle delivery", zap.Stringer("outcome", out), zap.Error(err))
	}
	metrics.BrokerConsumed.WithLabelValues(queue, out.String()).Inc()
	return out
}

func (a *AMQP) isClosed() bool {
	select {
	case <-a.closed:
		return true
	default:
		return false
	}
}

// Close stops all subscriptions and releases the publish connection.
func (a *AMQP) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
	return nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
