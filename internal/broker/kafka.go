package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/kafka"
	"github.com/jmehdipour/helpdesk/internal/metrics"
)

type KafkaConfig struct {
	Brokers        []string
	GroupPrefix    string
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
	WriteTimeout   time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
	FailThreshold  int
	OpenFor        time.Duration
}

// Kafka maps the routing key onto a topic and the queue name onto a consumer
// group. A requeued message is redelivered by reopening the reader from the
// last committed offset.
type Kafka struct {
	cfg      KafkaConfig
	log      *zap.Logger
	breaker  *Breaker
	producer *kafka.Producer

	closed    chan struct{}
	closeOnce sync.Once
}

var errRequeue = errors.New("requeue requested")

func NewKafka(cfg KafkaConfig, log *zap.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
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
	return &Kafka{
		cfg:      cfg,
		log:      log,
		breaker:  NewBreaker(cfg.FailThreshold, cfg.OpenFor),
		producer: kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Brokers, WriteTimeout: cfg.WriteTimeout}),
		closed:   make(chan struct{}),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, routingKey string, msg any) error {
	body, id, err := encode(msg)
	if err != nil {
		return err
	}
	if !k.breaker.TryAcquire() {
		metrics.BrokerPublished.WithLabelValues(routingKey, "circuit_open").Inc()
		return &TransportError{Op: "publish", Err: ErrCircuitOpen}
	}
	headers := map[string]string{"content_type": "application/json", "message_id": id}
	if err := k.producer.Write(ctx, routingKey, id, body, headers); err != nil {
		k.breaker.OnFailure()
		metrics.BrokerPublished.WithLabelValues(routingKey, "error").Inc()
		return &TransportError{Op: "publish", Err: err}
	}
	k.breaker.OnSuccess()
	metrics.BrokerPublished.WithLabelValues(routingKey, "ok").Inc()
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, queue string, h Handler, opts ...SubscribeOption) error {
	o := resolveOptions(queue, opts)
	log := k.log.With(zap.String("queue", queue), zap.String("topic", o.routingKey))

	var wait time.Duration
	for {
		err := k.consume(ctx, queue, o.routingKey, h, log)
		if ctx.Err() != nil || k.isClosed() {
			return nil
		}
		wait = backoff(wait, k.cfg.ReconnectMin, k.cfg.ReconnectMax)
		if errors.Is(err, errRequeue) {
			wait = k.cfg.ReconnectMin
		} else {
			log.Warn("subscription interrupted, reconnecting", zap.Error(err), zap.Duration("backoff", wait))
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-k.closed:
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (k *Kafka) consume(ctx context.Context, queue, topic string, h Handler, log *zap.Logger) error {
	group := queue
	if k.cfg.GroupPrefix != "" {
		group = k.cfg.GroupPrefix + "." + queue
	}
	c := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:        k.cfg.Brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       k.cfg.MinBytes,
		MaxBytes:       k.cfg.MaxBytes,
		CommitInterval: k.cfg.CommitInterval,
	})
	defer c.Close()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-k.closed:
			cancel()
		case <-cctx.Done():
		}
	}()

	for {
		m, err := c.Fetch(cctx)
		if err != nil {
			if cctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "fetch", Err: err}
		}
		del := Delivery{
			RoutingKey: m.Topic,
			MessageID:  kafka.Header(m, "message_id"),
			Body:       m.Value,
			Timestamp:  m.Time,
		}
		out := invoke(cctx, h, del, func(r any) {
			log.Error("handler panic", zap.Any("panic", r), zap.String("message_id", del.MessageID))
		})
		metrics.BrokerConsumed.WithLabelValues(queue, out.String()).Inc()

		switch out {
		case Requeue:
			return errRequeue
		case Drop:
			log.Warn("dropping message", zap.String("message_id", del.MessageID), zap.Int64("offset", m.Offset))
		}
		if err := c.Ack(m); err != nil {
			return &TransportError{Op: "commit", Err: err}
		}
	}
}

func (k *Kafka) isClosed() bool {
	select {
	case <-k.closed:
		return true
	default:
		return false
	}
}

func (k *Kafka) Close() error {
	k.closeOnce.Do(func() { close(k.closed) })
	return k.producer.Close()
}
