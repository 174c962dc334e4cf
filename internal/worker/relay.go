package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/metrics"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

// Relay drains the outbox:
// - selects pending records oldest first,
// - decodes and publishes each independently,
// - persists every record's result in one batch commit.
// A broker outage ends the cycle without charging the remaining records a retry.
type Relay struct {
	Outbox    repository.OutboxRepository
	Publisher broker.Publisher
	Log       *zap.Logger

	BatchSize  int
	MaxRetries int
	Now        func() time.Time
}

func NewRelay(outbox repository.OutboxRepository, pub broker.Publisher, log *zap.Logger, batchSize, maxRetries int) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{
		Outbox:     outbox,
		Publisher:  pub,
		Log:        log,
		BatchSize:  batchSize,
		MaxRetries: maxRetries,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce performs one relay cycle and returns how many records were published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	records, err := r.Outbox.Pending(ctx, r.BatchSize, r.MaxRetries)
	if err != nil {
		return 0, fmt.Errorf("select pending: %w", err)
	}
	if len(records) == 0 {
		r.reportStalled(ctx)
		return 0, nil
	}

	published, attempted := 0, len(records)
	var outage error
	for i := range records {
		ok, err := r.relayOne(ctx, &records[i])
		if err != nil {
			// the broker is down: leave this and later records untouched
			attempted, outage = i, err
			break
		}
		if ok {
			published++
		}
	}

	if attempted > 0 {
		if err := r.Outbox.SaveBatch(ctx, records[:attempted]); err != nil {
			// published records stay pending and will be sent again next cycle
			return published, fmt.Errorf("save batch: %w", err)
		}
	}

	r.reportStalled(ctx)
	if outage != nil {
		r.Log.Warn("broker unavailable, relay cycle cut short",
			zap.Int("attempted", attempted), zap.Int("deferred", len(records)-attempted), zap.Error(outage))
		return published, fmt.Errorf("publish: %w", outage)
	}
	r.Log.Debug("relay cycle", zap.Int("selected", len(records)), zap.Int("published", published))
	return published, nil
}

// Run adapts RunOnce to Periodic.
func (r *Relay) Run(ctx context.Context) error {
	_, err := r.RunOnce(ctx)
	return err
}

// relayOne publishes rec and records the result on it. A non-nil error
// means the broker itself is unavailable; rec is then left as it was.
func (r *Relay) relayOne(ctx context.Context, rec *model.OutboxRecord) (bool, error) {
	log := r.Log.With(zap.String("outbox_id", rec.ID), zap.String("type", rec.Type))

	e, err := event.Decode(event.Type(rec.Type), rec.Payload)
	if err != nil {
		metrics.OutboxRelayed.WithLabelValues(rec.Type, "undecodable").Inc()
		r.fail(rec, err)
		log.Warn("undecodable outbox record", zap.Error(err), zap.Int("retry_count", rec.RetryCount))
		return false, nil
	}

	// the decoded event is re-encoded so the wire body matches the current shape
	if err := r.Publisher.Publish(ctx, rec.Type, e); err != nil {
		if broker.Unavailable(err) || ctx.Err() != nil {
			metrics.OutboxRelayed.WithLabelValues(rec.Type, "deferred").Inc()
			return false, err
		}
		metrics.OutboxRelayed.WithLabelValues(rec.Type, "failed").Inc()
		r.fail(rec, err)
		log.Warn("publish failed", zap.Error(err), zap.Int("retry_count", rec.RetryCount))
		return false, nil
	}

	now := r.Now()
	rec.ProcessedAt = &now
	rec.Error = nil
	metrics.OutboxRelayed.WithLabelValues(rec.Type, "published").Inc()
	metrics.OutboxLag.Observe(now.Sub(rec.CreatedAt).Seconds())
	return true, nil
}

func (r *Relay) fail(rec *model.OutboxRecord, err error) {
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	rec.RetryCount++
	rec.Error = &msg
	if rec.RetryCount >= r.MaxRetries {
		r.Log.Error("outbox record reached retry cap and will not be relayed again",
			zap.String("outbox_id", rec.ID), zap.String("type", rec.Type), zap.String("error", msg))
	}
}

func (r *Relay) reportStalled(ctx context.Context) {
	n, err := r.Outbox.CountStalled(ctx, r.MaxRetries)
	if err != nil {
		r.Log.Warn("count stalled outbox records", zap.Error(err))
		return
	}
	metrics.OutboxStalled.Set(float64(n))
}
