package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/helpdesk/internal/broker"
	"github.com/jmehdipour/helpdesk/internal/config"
	"github.com/jmehdipour/helpdesk/internal/db"
	httpSrv "github.com/jmehdipour/helpdesk/internal/http"
	"github.com/jmehdipour/helpdesk/internal/logger"
	"github.com/jmehdipour/helpdesk/internal/metrics"
	"github.com/jmehdipour/helpdesk/internal/notification"
	"github.com/jmehdipour/helpdesk/internal/push"
	"github.com/jmehdipour/helpdesk/internal/repository"
	"github.com/jmehdipour/helpdesk/internal/session"
	"github.com/jmehdipour/helpdesk/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, websocket push and notification consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer logger.Sync()
		log := logger.Named("serve")

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.OpenRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer func() { _ = redisClient.Close() }()

		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		transport, err := broker.Open(cfg, logger.Named("broker"))
		if err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		defer transport.Close()

		// stores
		sessions := session.NewStore(redisClient, cfg.Session.BlacklistTTL, logger.Named("session"))
		notes := notification.NewQueue(redisClient, cfg.Notifications.Capacity, cfg.Notifications.TTL, logger.Named("notification"))
		outboxRepo := repository.NewOutboxRepository(mysqlDB)
		ticketsRepo := repository.NewTicketRepository(mysqlDB)
		eventLog := repository.NewEventLogRepository(chDB)

		// push: consumers publish through the bridge, every instance delivers locally
		hub := push.NewHub(logger.Named("push"))
		bridge := push.NewRedisBridge(redisClient, hub, logger.Named("push"))

		notifier := worker.NewNotifier(
			notes,
			bridge,
			ticketsRepo,
			worker.NewRedisDeduper(redisClient, cfg.Consumer.IdempotencyTTL),
			cfg.Consumer.ActionBaseURL,
			logger.Named("notifier"),
		)

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Sessions:      sessions,
			Notifications: notes,
			Events:        eventLog,
			Outbox:        outboxRepo,
			Hub:           hub,
			Redis:         redisClient,
			Log:           logger.Named("http"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("push bridge stopped", zap.Error(err))
			}
		}()
		go func() {
			defer wg.Done()
			if err := worker.RunConsumers(ctx, transport, notifier.Bindings(), logger.Named("consumer")); err != nil {
				log.Error("consumers stopped", zap.Error(err))
			}
		}()

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
			stop()
		}

		timeout := cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = server.Shutdown(sctx)
		wg.Wait()
		return nil
	},
}
