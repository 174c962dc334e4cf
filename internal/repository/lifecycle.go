package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
)

// LifecycleRepository opens a batch for one scheduler run.
type LifecycleRepository interface {
	Begin(ctx context.Context, now time.Time) (LifecycleBatch, error)
}

// LifecycleBatch is one transaction spanning a scheduler run. Selections lock
// the returned rows; Do isolates each ticket's writes so a failing ticket is
// rolled back alone and the rest still commit together.
type LifecycleBatch interface {
	Overdue(ctx context.Context, createdBefore time.Time, limit int) ([]model.Ticket, error)
	StaleResolved(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Ticket, error)
	UnansweredOpen(ctx context.Context, createdBefore time.Time, limit int) ([]model.Ticket, error)
	Do(ctx context.Context, fn func(TicketWriter) error) error
	Commit() error
	Rollback() error
}

// TicketWriter mutates a single ticket inside a batch. Every write stamps
// updated_at with the batch time.
type TicketWriter interface {
	SetPriority(ctx context.Context, ticketID int64, p model.TicketPriority) error
	SetStatus(ctx context.Context, ticketID int64, s model.TicketStatus) error
	Touch(ctx context.Context, ticketID int64) error
	AddComment(ctx context.Context, c model.Comment) error
	AddAudit(ctx context.Context, a model.AuditEntry) error
	Stage(ctx context.Context, e event.Event) error
}

type LifecycleRepositoryImpl struct {
	db     *sqlx.DB
	outbox *OutboxRepositoryImpl
	sb     sq.StatementBuilderType
}

func NewLifecycleRepository(db *sqlx.DB, outbox *OutboxRepositoryImpl) *LifecycleRepositoryImpl {
	return &LifecycleRepositoryImpl{
		db:     db,
		outbox: outbox,
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}
}

func (r *LifecycleRepositoryImpl) Begin(ctx context.Context, now time.Time) (LifecycleBatch, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin lifecycle batch: %w", err)
	}
	return &lifecycleBatch{tx: tx, outbox: r.outbox, sb: r.sb, now: now}, nil
}

type lifecycleBatch struct {
	tx     *sqlx.Tx
	outbox *OutboxRepositoryImpl
	sb     sq.StatementBuilderType
	now    time.Time
	seq    int
}

func (b *lifecycleBatch) selectTickets(ctx context.Context, q sq.SelectBuilder, limit int) ([]model.Ticket, error) {
	if limit <= 0 {
		limit = 500
	}
	query, args, err := q.
		OrderBy("t.created_at ASC", "t.id ASC").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build ticket scan: %w", err)
	}
	var rows []model.Ticket
	if err := b.tx.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("scan tickets: %w", err)
	}
	return rows, nil
}

func (b *lifecycleBatch) base() sq.SelectBuilder {
	return b.sb.Select(
		"t.id", "t.title", "t.status", "t.priority", "t.category",
		"t.requester_id", "t.assignee_id", "t.created_at", "t.updated_at",
	).From("tickets t")
}

// Overdue selects tickets still being worked that are not yet Critical.
func (b *lifecycleBatch) Overdue(ctx context.Context, createdBefore time.Time, limit int) ([]model.Ticket, error) {
	q := b.base().
		Where(sq.NotEq{"t.status": []string{model.StatusResolved.String(), model.StatusClosed.String()}}).
		Where(sq.NotEq{"t.priority": model.PriorityCritical.String()}).
		Where(sq.Lt{"t.created_at": createdBefore})
	return b.selectTickets(ctx, q, limit)
}

func (b *lifecycleBatch) StaleResolved(ctx context.Context, updatedBefore time.Time, limit int) ([]model.Ticket, error) {
	q := b.base().
		Where(sq.Eq{"t.status": model.StatusResolved.String()}).
		Where(sq.Lt{"t.updated_at": updatedBefore})
	return b.selectTickets(ctx, q, limit)
}

// UnansweredOpen selects Open tickets without comments. The updated_at bound
// keeps a ticket touched by a previous reminder out until it ages again.
func (b *lifecycleBatch) UnansweredOpen(ctx context.Context, createdBefore time.Time, limit int) ([]model.Ticket, error) {
	q := b.base().
		Where(sq.Eq{"t.status": model.StatusOpen.String()}).
		Where(sq.Lt{"t.created_at": createdBefore}).
		Where(sq.Lt{"t.updated_at": createdBefore}).
		Where("NOT EXISTS (SELECT 1 FROM ticket_comments c WHERE c.ticket_id = t.id)")
	return b.selectTickets(ctx, q, limit)
}

func (b *lifecycleBatch) Do(ctx context.Context, fn func(TicketWriter) error) error {
	b.seq++
	sp := fmt.Sprintf("ticket_%d", b.seq)
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	if err := fn(ticketWriter{b: b}); err != nil {
		if _, rbErr := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		return err
	}
	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (b *lifecycleBatch) Commit() error   { return b.tx.Commit() }
func (b *lifecycleBatch) Rollback() error { return b.tx.Rollback() }

type ticketWriter struct {
	b *lifecycleBatch
}

func (w ticketWriter) SetPriority(ctx context.Context, ticketID int64, p model.TicketPriority) error {
	_, err := w.b.tx.ExecContext(ctx, `UPDATE tickets SET priority = ?, updated_at = ? WHERE id = ?`, p, w.b.now, ticketID)
	return err
}

func (w ticketWriter) SetStatus(ctx context.Context, ticketID int64, s model.TicketStatus) error {
	_, err := w.b.tx.ExecContext(ctx, `UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, s, w.b.now, ticketID)
	return err
}

func (w ticketWriter) Touch(ctx context.Context, ticketID int64) error {
	_, err := w.b.tx.ExecContext(ctx, `UPDATE tickets SET updated_at = ? WHERE id = ?`, w.b.now, ticketID)
	return err
}

func (w ticketWriter) AddComment(ctx context.Context, c model.Comment) error {
	const q = `
		INSERT INTO ticket_comments (ticket_id, author_id, body, is_internal, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := w.b.tx.ExecContext(ctx, q, c.TicketID, c.AuthorID, c.Body, c.IsInternal, w.b.now)
	return err
}

func (w ticketWriter) AddAudit(ctx context.Context, a model.AuditEntry) error {
	const q = `
		INSERT INTO audit_logs (ticket_id, action, field, old_value, new_value, actor_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := w.b.tx.ExecContext(ctx, q, a.TicketID, a.Action, a.Field, a.OldValue, a.NewValue, a.ActorID, w.b.now)
	return err
}

func (w ticketWriter) Stage(ctx context.Context, e event.Event) error {
	return w.b.outbox.Stage(ctx, w.b.tx, e, e.AggregateID())
}
