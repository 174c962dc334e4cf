package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/jmehdipour/helpdesk/internal/model"
)

func TestEventLogInsertSendsOneBlock(t *testing.T) {
	db, mock := newMock(t)
	repo := NewEventLogRepository(db)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO helpdesk.event_log`)
	prep.ExpectExec().WithArgs("01A", "ticket.created", "1", `{}`, at, at).WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WithArgs("01B", "ticket.reminder", "1", `{}`, at, at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Insert(context.Background(), []model.EventLogEntry{
		{EventID: "01A", Type: "ticket.created", AggregateID: "1", Payload: `{}`, OccurredAt: at, ReceivedAt: at},
		{EventID: "01B", Type: "ticket.reminder", AggregateID: "1", Payload: `{}`, OccurredAt: at, ReceivedAt: at},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEventLogInsertEmptyIsNoop(t *testing.T) {
	db, mock := newMock(t)
	if err := NewEventLogRepository(db).Insert(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestEventLogListByAggregate(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"event_id", "type", "aggregate_id", "payload", "occurred_at", "received_at"}).
		AddRow("01A", "ticket.created", "42", `{"ticketId":42}`, at, at)
	mock.ExpectQuery(`FROM helpdesk.event_log FINAL\s+WHERE aggregate_id = \?\s+AND occurred_at >= \?\s+ORDER BY`).
		WithArgs("42", at, 100).
		WillReturnRows(rows)

	got, err := NewEventLogRepository(db).ListByAggregate(context.Background(), "42", at, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventID != "01A" {
		t.Fatalf("rows %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
