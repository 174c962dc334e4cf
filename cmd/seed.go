package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/config"
	"github.com/jmehdipour/helpdesk/internal/db"
	"github.com/jmehdipour/helpdesk/internal/logger"
	"github.com/jmehdipour/helpdesk/internal/model"
	"github.com/jmehdipour/helpdesk/internal/repository"
	"github.com/jmehdipour/helpdesk/internal/service/tickets"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo tickets covering each lifecycle job",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer logger.Sync()
		log := logger.Named("seed")

		sqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		svc := tickets.New(sqlDB, repository.NewTicketRepository(sqlDB), repository.NewOutboxRepository(sqlDB))
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		for _, t := range demoTickets(time.Now().UTC()) {
			created, err := svc.Create(ctx, t)
			if err != nil {
				return fmt.Errorf("seed %q: %w", t.Title, err)
			}
			log.Info("ticket seeded", zap.Int64("ticket_id", created.ID), zap.String("title", created.Title),
				zap.Stringer("status", created.Status), zap.Stringer("priority", created.Priority))
		}
		return nil
	},
}

func demoTickets(now time.Time) []model.Ticket {
	agent := int64(2)
	return []model.Ticket{
		{
			// picked up by escalation
			Title: "VPN drops every hour", Status: model.StatusOpen, Priority: model.PriorityHigh,
			Category: model.CategoryTechnical, RequesterID: 1, AssigneeID: &agent,
			CreatedAt: now.Add(-49 * time.Hour), UpdatedAt: now.Add(-49 * time.Hour),
		},
		{
			// picked up by auto-close
			Title: "Invoice shows wrong VAT", Status: model.StatusResolved, Priority: model.PriorityMedium,
			Category: model.CategoryBilling, RequesterID: 3, AssigneeID: &agent,
			CreatedAt: now.Add(-10 * 24 * time.Hour), UpdatedAt: now.Add(-8 * 24 * time.Hour),
		},
		{
			// stays Resolved: too recent for auto-close
			Title: "Export to CSV fails", Status: model.StatusResolved, Priority: model.PriorityLow,
			Category: model.CategoryTechnical, RequesterID: 3, AssigneeID: &agent,
			CreatedAt: now.Add(-9 * 24 * time.Hour), UpdatedAt: now.Add(-6 * 24 * time.Hour),
		},
		{
			// picked up by reminder, unassigned so the reminder is broadcast
			Title: "Cannot reset password", Status: model.StatusOpen, Priority: model.PriorityMedium,
			Category: model.CategoryAccount, RequesterID: 4,
			CreatedAt: now.Add(-25 * time.Hour), UpdatedAt: now.Add(-25 * time.Hour),
		},
		{
			Title: "New laptop request", Status: model.StatusInProgress, Priority: model.PriorityLow,
			Category: model.CategoryGeneral, RequesterID: 5, AssigneeID: &agent,
			CreatedAt: now.Add(-2 * time.Hour), UpdatedAt: now.Add(-time.Hour),
		},
	}
}
