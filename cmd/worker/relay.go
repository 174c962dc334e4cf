package worker

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/db"
	"github.com/jmehdipour/helpdesk/internal/logger"
	"github.com/jmehdipour/helpdesk/internal/repository"
	"github.com/jmehdipour/helpdesk/internal/worker"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Publish staged outbox events to the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Named("relay")

		dbx, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		transport, err := broker.Open(cfg, logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		defer transport.Close()

		relay := worker.NewRelay(repository.NewOutboxRepository(dbx), transport, log, cfg.Outbox.BatchSize, cfg.Outbox.MaxRetries)

		ctx, stop := signalContext()
		defer stop()
		serveMetrics(ctx, cfg, log)

		p := &worker.Periodic{Name: "outbox_relay", Interval: cfg.Outbox.Interval, Fn: relay.Run, Log: log}
		return p.Run(ctx)
	},
}
