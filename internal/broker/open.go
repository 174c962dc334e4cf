package broker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/config"
)

// Open builds the transport selected by cfg.Broker.Kind.
func Open(cfg config.Config, log *zap.Logger) (Transport, error) {
	b := cfg.Broker
	switch b.Kind {
	case "amqp":
		return NewAMQP(AMQPConfig{
			URL:            b.URL,
			Endpoints:      b.Endpoints,
			Exchange:       b.Exchange,
			Prefetch:       b.Prefetch,
			ConsumerTag:    b.ConsumerTag,
			PublishTimeout: b.PublishTimeout,
			ReconnectMin:   b.ReconnectMin,
			ReconnectMax:   b.ReconnectMax,
			FailThreshold:  b.Breaker.FailThreshold,
			OpenFor:        b.Breaker.OpenFor,
		}, log)
	case "kafka":
		return NewKafka(KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupPrefix:    cfg.Kafka.GroupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
			WriteTimeout:   cfg.Kafka.WriteTimeout,
			ReconnectMin:   b.ReconnectMin,
			ReconnectMax:   b.ReconnectMax,
			FailThreshold:  b.Breaker.FailThreshold,
			OpenFor:        b.Breaker.OpenFor,
		}, log)
	default:
		return nil, fmt.Errorf("unknown broker kind %q", b.Kind)
	}
}
