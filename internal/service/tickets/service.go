package tickets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

// Service writes tickets together with their outbox events.
type Service struct {
	db      *sqlx.DB
	tickets repository.TicketRepository
	outbox  repository.OutboxRepository
	now     func() time.Time
}

func New(db *sqlx.DB, tickets repository.TicketRepository, outbox repository.OutboxRepository) *Service {
	return &Service{
		db:      db,
		tickets: tickets,
		outbox:  outbox,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create validates t, inserts it as Open and stages TicketCreated in the same
// transaction. Zero timestamps default to now.
func (s *Service) Create(ctx context.Context, t model.Ticket) (model.Ticket, error) {
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return model.Ticket{}, fmt.Errorf("title is required")
	}
	if t.RequesterID <= 0 {
		return model.Ticket{}, fmt.Errorf("requester is required")
	}
	if t.Status == "" {
		t.Status = model.StatusOpen
	}
	if t.Priority == "" {
		t.Priority = model.PriorityMedium
	}
	if t.Category == "" {
		t.Category = model.CategoryGeneral
	}
	if !t.Status.Valid() || !t.Priority.Valid() || !t.Category.Valid() {
		return model.Ticket{}, fmt.Errorf("invalid ticket enums: %s/%s/%s", t.Status, t.Priority, t.Category)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return model.Ticket{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.tickets.Create(ctx, tx, &t); err != nil {
		return model.Ticket{}, fmt.Errorf("insert ticket: %w", err)
	}

	e := &event.TicketCreated{
		Meta:        event.Meta{OccurredAt: t.CreatedAt, ActorID: &t.RequesterID},
		TicketID:    t.ID,
		Title:       t.Title,
		RequesterID: t.RequesterID,
		Priority:    t.Priority,
		Category:    t.Category,
	}
	if err := s.outbox.Stage(ctx, tx, e, e.AggregateID()); err != nil {
		return model.Ticket{}, fmt.Errorf("stage ticket created: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return model.Ticket{}, err
	}
	return t, nil
}
