package tickets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = raw.Close() })
	db := sqlx.NewDb(raw, "mysql")
	s := New(db, repository.NewTicketRepository(db), repository.NewOutboxRepository(db))
	s.now = func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) }
	return s, mock
}

func TestCreateStagesTicketCreated(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tickets`).
		WithArgs("VPN down", "Open", "Medium", "General", int64(3), nil, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(55, 1))
	mock.ExpectExec(`INSERT INTO outbox`).
		WithArgs(sqlmock.AnyArg(), "55", "ticket.created", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := s.Create(context.Background(), model.Ticket{Title: " VPN down ", RequesterID: 3})
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 55 || got.Status != model.StatusOpen || !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Fatalf("ticket %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateRollsBackWhenStagingFails(t *testing.T) {
	s, mock := newService(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO tickets`).WillReturnResult(sqlmock.NewResult(56, 1))
	mock.ExpectExec(`INSERT INTO outbox`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	if _, err := s.Create(context.Background(), model.Ticket{Title: "x", RequesterID: 3}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCreateValidates(t *testing.T) {
	s, _ := newService(t)
	for _, tk := range []model.Ticket{
		{RequesterID: 1},
		{Title: "x"},
		{Title: "x", RequesterID: 1, Priority: "Urgent"},
	} {
		if _, err := s.Create(context.Background(), tk); err == nil {
			t.Fatalf("expected validation error for %+v", tk)
		}
	}
}
