package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/model"
)

// EventLogRepository archives consumed events in ClickHouse.
type EventLogRepository interface {
	Insert(ctx context.Context, entries []model.EventLogEntry) error
	ListByAggregate(ctx context.Context, aggregateID string, since time.Time, limit int) ([]model.EventLogEntry, error)
}

type chEventLogRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewEventLogRepository(ch *sqlx.DB) EventLogRepository {
	return &chEventLogRepository{ch: ch}
}

// Insert sends entries as one ClickHouse block.
func (r *chEventLogRepository) Insert(ctx context.Context, entries []model.EventLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO helpdesk.event_log (event_id, type, aggregate_id, payload, occurred_at, received_at)`)
	if err != nil {
		return fmt.Errorf("prepare event_log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.EventID, e.Type, e.AggregateID, e.Payload, e.OccurredAt, e.ReceivedAt); err != nil {
			return fmt.Errorf("append event %s: %w", e.EventID, err)
		}
	}
	return tx.Commit()
}

func (r *chEventLogRepository) ListByAggregate(ctx context.Context, aggregateID string, since time.Time, limit int) ([]model.EventLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT event_id, type, aggregate_id, payload, occurred_at, received_at
		FROM helpdesk.event_log FINAL
		WHERE aggregate_id = ?
	`
	args := []any{aggregateID}
	if !since.IsZero() {
		q += " AND occurred_at >= ?"
		args = append(args, since)
	}
	q += " ORDER BY occurred_at ASC, event_id ASC LIMIT ?"
	args = append(args, limit)

	var rows []model.EventLogEntry
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
