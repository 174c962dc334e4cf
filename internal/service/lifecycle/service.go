// Package lifecycle runs the time-driven ticket procedures: SLA escalation,
// auto-close of stale resolved tickets and reminders for unanswered ones.
// Each run is one batch: tickets that fail are rolled back individually and
// the rest commit together with their staged events.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/event"
	"github.com/jmehdipour/helpdesk/internal/metrics"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
)

const (
	DefaultEscalateAfter  = 48 * time.Hour
	DefaultAutoCloseAfter = 7 * 24 * time.Hour
	DefaultRemindAfter    = 24 * time.Hour
	DefaultBatchLimit     = 500

	JobEscalation = "escalation"
	JobAutoClose  = "auto_close"
	JobReminder   = "reminder"
)

type Config struct {
	EscalateAfter  time.Duration
	AutoCloseAfter time.Duration
	RemindAfter    time.Duration
	BatchLimit     int
}

// Result summarises one run.
type Result struct {
	Selected  int
	Processed int
	Failed    int
}

type Service struct {
	repo repository.LifecycleRepository
	cfg  Config
	log  *zap.Logger
	now  func() time.Time
}

func New(repo repository.LifecycleRepository, cfg Config, log *zap.Logger) *Service {
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = DefaultEscalateAfter
	}
	if cfg.AutoCloseAfter <= 0 {
		cfg.AutoCloseAfter = DefaultAutoCloseAfter
	}
	if cfg.RemindAfter <= 0 {
		cfg.RemindAfter = DefaultRemindAfter
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, cfg: cfg, log: log, now: func() time.Time { return time.Now().UTC() }}
}

type selectFunc func(ctx context.Context, b repository.LifecycleBatch, now time.Time) ([]model.Ticket, error)

type applyFunc func(ctx context.Context, w repository.TicketWriter, t model.Ticket, now time.Time) error

// run opens a batch, applies fn to every selected ticket under its own
// savepoint and commits once.
func (s *Service) run(ctx context.Context, job string, sel selectFunc, fn applyFunc) (res Result, err error) {
	start := time.Now()
	defer func() { metrics.SchedulerRuns.WithLabelValues(job).Observe(time.Since(start).Seconds()) }()

	now := s.now()
	log := s.log.With(zap.String("job", job))

	b, err := s.repo.Begin(ctx, now)
	if err != nil {
		return res, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = b.Rollback()
		}
	}()

	tickets, err := sel(ctx, b, now)
	if err != nil {
		return res, fmt.Errorf("%s: select: %w", job, err)
	}
	res.Selected = len(tickets)
	if len(tickets) == 0 {
		return res, nil
	}

	for _, t := range tickets {
		if ctx.Err() != nil {
			break
		}
		err := b.Do(ctx, func(w repository.TicketWriter) error { return fn(ctx, w, t, now) })
		if err != nil {
			res.Failed++
			metrics.SchedulerTickets.WithLabelValues(job, "failed").Inc()
			log.Warn("ticket skipped", zap.Int64("ticket_id", t.ID), zap.Error(err))
			continue
		}
		res.Processed++
		metrics.SchedulerTickets.WithLabelValues(job, "ok").Inc()
	}

	if err := b.Commit(); err != nil {
		return Result{Selected: res.Selected, Failed: res.Selected}, fmt.Errorf("%s: commit: %w", job, err)
	}
	committed = true
	log.Info("lifecycle run finished",
		zap.Int("selected", res.Selected), zap.Int("processed", res.Processed), zap.Int("failed", res.Failed))
	return res, nil
}

// EscalateOverdue raises tickets open longer than EscalateAfter to Critical
// and stages SlaBreached for each.
func (s *Service) EscalateOverdue(ctx context.Context) (Result, error) {
	return s.run(ctx, JobEscalation,
		func(ctx context.Context, b repository.LifecycleBatch, now time.Time) ([]model.Ticket, error) {
			return b.Overdue(ctx, now.Add(-s.cfg.EscalateAfter), s.cfg.BatchLimit)
		},
		func(ctx context.Context, w repository.TicketWriter, t model.Ticket, now time.Time) error {
			old := t.Priority
			if err := w.SetPriority(ctx, t.ID, model.PriorityCritical); err != nil {
				return fmt.Errorf("set priority: %w", err)
			}
			if err := w.AddAudit(ctx, model.AuditEntry{
				TicketID: t.ID,
				Action:   "sla_escalated",
				Field:    "priority",
				OldValue: old.String(),
				NewValue: model.PriorityCritical.String(),
			}); err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return w.Stage(ctx, &event.SlaBreached{
				Meta:        event.Meta{OccurredAt: now},
				TicketID:    t.ID,
				Title:       t.Title,
				AssigneeID:  t.AssigneeID,
				OldPriority: old,
				NewPriority: model.PriorityCritical,
				HoursOpen:   hoursSince(t.CreatedAt, now),
			})
		})
}

// AutoClose closes Resolved tickets untouched for AutoCloseAfter, leaving a
// system comment and staging StatusChanged.
func (s *Service) AutoClose(ctx context.Context) (Result, error) {
	return s.run(ctx, JobAutoClose,
		func(ctx context.Context, b repository.LifecycleBatch, now time.Time) ([]model.Ticket, error) {
			return b.StaleResolved(ctx, now.Add(-s.cfg.AutoCloseAfter), s.cfg.BatchLimit)
		},
		func(ctx context.Context, w repository.TicketWriter, t model.Ticket, now time.Time) error {
			days := int(s.cfg.AutoCloseAfter.Hours() / 24)
			if err := w.SetStatus(ctx, t.ID, model.StatusClosed); err != nil {
				return fmt.Errorf("set status: %w", err)
			}
			if err := w.AddComment(ctx, model.Comment{
				TicketID:   t.ID,
				Body:       fmt.Sprintf("Closed automatically after %d days in Resolved without further activity.", days),
				IsInternal: true,
			}); err != nil {
				return fmt.Errorf("system comment: %w", err)
			}
			if err := w.AddAudit(ctx, model.AuditEntry{
				TicketID: t.ID,
				Action:   "auto_closed",
				Field:    "status",
				OldValue: t.Status.String(),
				NewValue: model.StatusClosed.String(),
			}); err != nil {
				return fmt.Errorf("audit: %w", err)
			}
			return w.Stage(ctx, &event.StatusChanged{
				Meta:        event.Meta{OccurredAt: now},
				TicketID:    t.ID,
				RequesterID: t.RequesterID,
				AssigneeID:  t.AssigneeID,
				OldStatus:   t.Status,
				NewStatus:   model.StatusClosed,
				Reason:      fmt.Sprintf("auto-closed after %d days", days),
			})
		})
}

// SendReminders stages a Reminder for Open tickets older than RemindAfter
// with no comments, then touches them so the next run skips them until they
// age past the threshold again.
func (s *Service) SendReminders(ctx context.Context) (Result, error) {
	return s.run(ctx, JobReminder,
		func(ctx context.Context, b repository.LifecycleBatch, now time.Time) ([]model.Ticket, error) {
			return b.UnansweredOpen(ctx, now.Add(-s.cfg.RemindAfter), s.cfg.BatchLimit)
		},
		func(ctx context.Context, w repository.TicketWriter, t model.Ticket, now time.Time) error {
			if err := w.Stage(ctx, &event.Reminder{
				Meta:              event.Meta{OccurredAt: now},
				TicketID:          t.ID,
				Title:             t.Title,
				AssigneeID:        t.AssigneeID,
				Priority:          t.Priority,
				HoursSinceCreated: hoursSince(t.CreatedAt, now),
			}); err != nil {
				return err
			}
			return w.Touch(ctx, t.ID)
		})
}

func hoursSince(t, now time.Time) float64 {
	h := now.Sub(t).Hours()
	return float64(int64(h*10+0.5)) / 10
}
