package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/model"
)

var ErrNotFound = errors.New("not found")

const ticketColumns = `id, title, status, priority, category, requester_id, assignee_id, created_at, updated_at`

// TicketRepository reads tickets for event enrichment and writes seed data.
type TicketRepository interface {
	Get(ctx context.Context, id int64) (model.Ticket, error)
	Create(ctx context.Context, tx *sqlx.Tx, t *model.Ticket) error
}

type TicketRepositoryImpl struct {
	db *sqlx.DB
}

func NewTicketRepository(db *sqlx.DB) *TicketRepositoryImpl {
	return &TicketRepositoryImpl{db: db}
}

func (r *TicketRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
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

func (r *TicketRepositoryImpl) Get(ctx context.Context, id int64) (model.Ticket, error) {
	var t model.Ticket
	err := r.db.GetContext(ctx, &t, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Ticket{}, ErrNotFound
	}
	if err != nil {
		return model.Ticket{}, fmt.Errorf("get ticket %d: %w", id, err)
	}
	return t, nil
}

// Create inserts t and sets its ID.
func (r *TicketRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, t *model.Ticket) error {
	const q = `
		INSERT INTO tickets
		    (title, status, priority, category, requester_id, assignee_id, created_at, updated_at)
		VALUES
		    (?,     ?,      ?,        ?,        ?,            ?,           ?,          ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q,
			t.Title, t.Status, t.Priority, t.Category, t.RequesterID, t.AssigneeID, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		t.ID = id
		return nil
	})
}
