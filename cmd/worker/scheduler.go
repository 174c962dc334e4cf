package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/config"
	"github.com/jmehdipour/helpdesk/internal/db"
	"github.com/jmehdipour/helpdesk/internal/logger"
	"github.com/jmehdipour/helpdesk/internal/repository"
	"github.com/jmehdipour/helpdesk/internal/service/lifecycle"
	"github.com/jmehdipour/helpdesk/internal/session"
	"github.com/jmehdipour/helpdesk/internal/worker"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run lifecycle jobs (escalation, auto-close, reminders) and the session sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Named("scheduler")

		dbx, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		rdb, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		outbox := repository.NewOutboxRepository(dbx)
		svc := lifecycle.New(repository.NewLifecycleRepository(dbx, outbox), lifecycle.Config{
			EscalateAfter:  cfg.Scheduler.Escalation.After,
			AutoCloseAfter: cfg.Scheduler.AutoClose.After,
			RemindAfter:    cfg.Scheduler.Reminder.After,
			BatchLimit:     cfg.Scheduler.BatchLimit,
		}, log)
		sessions := session.NewStore(rdb, cfg.Session.BlacklistTTL, logger.Named("session"))

		jobs := scheduledJobs(cfg, svc, sessions, log)
		if len(jobs) == 0 {
			return fmt.Errorf("no scheduler jobs enabled")
		}

		ctx, stop := signalContext()
		defer stop()
		serveMetrics(ctx, cfg, log)

		var wg sync.WaitGroup
		for _, j := range jobs {
			wg.Add(1)
			go func(p *worker.Periodic) {
				defer wg.Done()
				_ = p.Run(ctx)
			}(j)
		}
		wg.Wait()
		return nil
	},
}

func scheduledJobs(cfg config.Config, svc *lifecycle.Service, sessions *session.Store, log *zap.Logger) []*worker.Periodic {
	var jobs []*worker.Periodic
	add := func(name string, jc config.JobConfig, fn func(context.Context) (lifecycle.Result, error)) {
		if !jc.Enabled {
			log.Info("job disabled", zap.String("job", name))
			return
		}
		jobs = append(jobs, &worker.Periodic{
			Name:     name,
			Interval: jc.Interval,
			Log:      log,
			Fn: func(ctx context.Context) error {
				_, err := fn(ctx)
				return err
			},
		})
	}
	add(lifecycle.JobEscalation, cfg.Scheduler.Escalation, svc.EscalateOverdue)
	add(lifecycle.JobAutoClose, cfg.Scheduler.AutoClose, svc.AutoClose)
	add(lifecycle.JobReminder, cfg.Scheduler.Reminder, svc.SendReminders)

	if cfg.Session.CleanupInterval > 0 {
		jobs = append(jobs, &worker.Periodic{
			Name:     "session_cleanup",
			Interval: cfg.Session.CleanupInterval,
			Log:      log,
			Fn: func(ctx context.Context) error {
				_, err := sessions.CleanupExpiredSessions(ctx)
				return err
			},
		})
	}
	return jobs
}
