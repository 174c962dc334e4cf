package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/jmoiron/sqlx"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/model"
)

type fakeOutbox struct {
	mu      sync.Mutex
	records []model.OutboxRecord
	saves   int
	saveErr error
}

func (f *fakeOutbox) Stage(context.Context, *sqlx.Tx, event.Event, string) error {
	return errors.New("not used")
}

func (f *fakeOutbox) Pending(_ context.Context, limit, maxRetries int) ([]model.OutboxRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.OutboxRecord
	for _, r := range f.records {
		if r.Pending(maxRetries) && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeOutbox) SaveBatch(_ context.Context, recs []model.OutboxRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	for _, rec := range recs {
		for i := range f.records {
			if f.records[i].ID == rec.ID {
				f.records[i] = rec
			}
		}
	}
	return nil
}

func (f *fakeOutbox) CountStalled(_ context.Context, maxRetries int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.records {
		if r.ProcessedAt == nil && r.RetryCount >= maxRetries {
			n++
		}
	}
	return n, nil
}

func (f *fakeOutbox) get(id string) model.OutboxRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id {
			return r
		}
	}
	return model.OutboxRecord{}
}

type published struct {
	key string
	id  string
	msg any
}

type fakePublisher struct {
	mu     sync.Mutex
	sent   []published
	failOn map[string]error // by message id
}

func (f *fakePublisher) Publish(_ context.Context, key string, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var id string
	if m, ok := msg.(interface{ MessageID() string }); ok {
		id = m.MessageID()
	}
	if err := f.failOn[id]; err != nil {
		return err
	}
	f.sent = append(f.sent, published{key: key, id: id, msg: msg})
	return nil
}

func (f *fakePublisher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.sent {
		if p.id == id {
			n++
		}
	}
	return n
}
