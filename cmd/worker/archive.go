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

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy every published event into the ClickHouse event log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync()
		log := logger.Named("archive")

		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer chDB.Close()

		rdb, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = rdb.Close() }()

		transport, err := broker.Open(cfg, logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		defer transport.Close()

		archiver := worker.NewArchiver(
			repository.NewEventLogRepository(chDB),
			worker.NewRedisDeduper(rdb, cfg.Consumer.IdempotencyTTL),
			log,
		)

		ctx, stop := signalContext()
		defer stop()
		serveMetrics(ctx, cfg, log)

		return worker.RunConsumers(ctx, transport, archiver.Bindings(), log)
	},
}
