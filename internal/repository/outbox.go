package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/util"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Stage writes e as a pending outbox row. If tx is nil, it will open/commit
	// an internal transaction; otherwise the row joins the caller's tx.
	Stage(ctx context.Context, tx *sqlx.Tx, e event.Event, aggregateID string) error
	// Pending returns up to limit unprocessed rows below the retry cap, oldest first.
	Pending(ctx context.Context, limit, maxRetries int) ([]model.OutboxRecord, error)
	// SaveBatch persists relay results for all records in one transaction.
	SaveBatch(ctx context.Context, records []model.OutboxRecord) error
	// CountStalled counts unprocessed rows that reached the retry cap.
	CountStalled(ctx context.Context, maxRetries int) (int, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db  *sqlx.DB
	sb  sq.StatementBuilderType
	now func() time.Time
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{
		db:  db,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

// Stage assigns the event id and timestamp when unset and inserts the row.
// The event id becomes the outbox id and the broker message id.
func (r *OutboxRepositoryImpl) Stage(ctx context.Context, tx *sqlx.Tx, e event.Event, aggregateID string) error {
	meta := e.Base()
	if meta.EventID == "" {
		meta.EventID = util.New()
	}
	if meta.OccurredAt.IsZero() {
		meta.OccurredAt = r.now()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s: %w", e.EventType(), err)
	}

	const q = `
		INSERT INTO outbox (id, aggregate_id, type, payload, created_at, retry_count)
		VALUES (?, ?, ?, ?, ?, 0)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, meta.EventID, aggregateID, e.EventType().String(), payload, r.now())
		return err
	})
}

func (r *OutboxRepositoryImpl) Pending(ctx context.Context, limit, maxRetries int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q, args, err := r.sb.
		Select("id", "aggregate_id", "type", "payload", "created_at", "processed_at", "retry_count", "error").
		From("outbox").
		Where(sq.Eq{"processed_at": nil}).
		Where(sq.Lt{"retry_count": maxRetries}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select pending: %w", err)
	}

	var rows []model.OutboxRecord
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("query outbox pending: %w", err)
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) SaveBatch(ctx context.Context, records []model.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}
	const q = `UPDATE outbox SET processed_at = ?, retry_count = ?, error = ? WHERE id = ?`

	return r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, q)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx, rec.ProcessedAt, rec.RetryCount, rec.Error, rec.ID); err != nil {
				return fmt.Errorf("update outbox %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

func (r *OutboxRepositoryImpl) CountStalled(ctx context.Context, maxRetries int) (int, error) {
	q, args, err := r.sb.
		Select("COUNT(*)").
		From("outbox").
		Where(sq.Eq{"processed_at": nil}).
		Where(sq.GtOrEq{"retry_count": maxRetries}).
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.GetContext(ctx, &n, q, args...); err != nil {
		return 0, fmt.Errorf("count stalled outbox: %w", err)
	}
	return n, nil
}
