package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
)

var ticketCols = []string{"id", "title", "status", "priority", "category", "requester_id", "assignee_id", "created_at", "updated_at"}

func TestLifecycleOverdueQuery(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLifecycleRepository(db, NewOutboxRepository(db))
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	cutoff := now.Add(-48 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT t.id, .+ FROM tickets t WHERE t.status NOT IN \(\?,\?\) AND t.priority <> \? AND t.created_at < \? ORDER BY t.created_at ASC, t.id ASC LIMIT 10 FOR UPDATE SKIP LOCKED`).
		WithArgs("Resolved", "Closed", "Critical", cutoff).
		WillReturnRows(sqlmock.NewRows(ticketCols).
			AddRow(1, "printer on fire", "Open", "High", "Technical", 10, nil, now.Add(-49*time.Hour), now.Add(-49*time.Hour)))
	mock.ExpectRollback()

	b, err := repo.Begin(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Rollback()

	got, err := b.Overdue(context.Background(), cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Priority != model.PriorityHigh || got[0].AssigneeID != nil {
		t.Fatalf("unexpected tickets %+v", got)
	}
}

func TestLifecycleUnansweredQuery(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLifecycleRepository(db, NewOutboxRepository(db))
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	cutoff := now.Add(-24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM tickets t WHERE t.status = \? AND t.created_at < \? AND t.updated_at < \? AND NOT EXISTS \(SELECT 1 FROM ticket_comments c WHERE c.ticket_id = t.id\)`).
		WithArgs("Open", cutoff, cutoff).
		WillReturnRows(sqlmock.NewRows(ticketCols))

	b, err := repo.Begin(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.UnansweredOpen(context.Background(), cutoff, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected none, got %d", len(got))
	}
}

// cutoffBetween matches a time bound that selects selected and leaves kept.
type cutoffBetween struct{ selected, kept time.Time }

func (c cutoffBetween) Match(v driver.Value) bool {
	t, ok := v.(time.Time)
	return ok && c.selected.Before(t) && !c.kept.Before(t)
}

func TestLifecycleStaleResolvedQuery(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLifecycleRepository(db, NewOutboxRepository(db))
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	eightDays, sixDays := now.Add(-8*24*time.Hour), now.Add(-6*24*time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT t.id, .+ FROM tickets t WHERE t.status = \? AND t.updated_at < \? ORDER BY t.created_at ASC, t.id ASC LIMIT 10 FOR UPDATE SKIP LOCKED`).
		WithArgs("Resolved", cutoffBetween{selected: eightDays, kept: sixDays}).
		WillReturnRows(sqlmock.NewRows(ticketCols).
			AddRow(3, "vpn fixed", "Resolved", "Medium", "Technical", 10, 4, now.Add(-30*24*time.Hour), eightDays))
	mock.ExpectRollback()

	b, err := repo.Begin(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.StaleResolved(context.Background(), now.Add(-7*24*time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Status != model.StatusResolved || got[0].AssigneeID == nil || *got[0].AssigneeID != 4 {
		t.Fatalf("unexpected tickets %+v", got)
	}
	if err := b.Rollback(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLifecycleSavepointIsolation(t *testing.T) {
	db, mock := newMock(t)
	repo := NewLifecycleRepository(db, NewOutboxRepository(db))
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	// ticket 1 succeeds
	mock.ExpectExec(`SAVEPOINT ticket_1`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tickets SET priority = \?, updated_at = \? WHERE id = \?`).
		WithArgs("Critical", now, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`RELEASE SAVEPOINT ticket_1`).WillReturnResult(sqlmock.NewResult(0, 0))
	// ticket 2 fails on its audit row
	mock.ExpectExec(`SAVEPOINT ticket_2`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`UPDATE tickets SET priority`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audit_logs`).WillReturnError(errors.New("data too long"))
	mock.ExpectExec(`ROLLBACK TO SAVEPOINT ticket_2`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ctx := context.Background()
	b, err := repo.Begin(ctx, now)
	if err != nil {
		t.Fatal(err)
	}

	escalate := func(id int64) func(TicketWriter) error {
		return func(w TicketWriter) error {
			if err := w.SetPriority(ctx, id, model.PriorityCritical); err != nil {
				return err
			}
			if err := w.AddAudit(ctx, model.AuditEntry{TicketID: id, Action: "sla_escalation", Field: "priority", OldValue: "High", NewValue: "Critical"}); err != nil {
				return err
			}
			return w.Stage(ctx, &event.SlaBreached{TicketID: id, OldPriority: model.PriorityHigh, NewPriority: model.PriorityCritical})
		}
	}

	if err := b.Do(ctx, escalate(1)); err != nil {
		t.Fatalf("ticket 1: %v", err)
	}
	if err := b.Do(ctx, escalate(2)); err == nil {
		t.Fatal("ticket 2: expected error")
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
