package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Broker.Kind != "amqp" || cfg.Broker.Prefetch != 1 {
		t.Fatalf("unexpected broker defaults: %+v", cfg.Broker)
	}
	if cfg.Outbox.BatchSize != 100 || cfg.Outbox.Interval != 5*time.Second {
		t.Fatalf("unexpected outbox defaults: %+v", cfg.Outbox)
	}
	if cfg.Session.BlacklistTTL != 7*24*time.Hour {
		t.Fatalf("expected 7d blacklist ttl, got %s", cfg.Session.BlacklistTTL)
	}
	if cfg.Scheduler.Escalation.After != 48*time.Hour || cfg.Scheduler.AutoClose.After != 7*24*time.Hour {
		t.Fatalf("unexpected scheduler thresholds: %+v", cfg.Scheduler)
	}
	if cfg.Notifications.Capacity != 100 {
		t.Fatalf("expected capacity 100, got %d", cfg.Notifications.Capacity)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HELPDESK_OUTBOX_BATCH_SIZE", "25")
	t.Setenv("HELPDESK_BROKER_EXCHANGE", "custom.events")
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbox.BatchSize != 25 {
		t.Fatalf("expected env override 25, got %d", cfg.Outbox.BatchSize)
	}
	if cfg.Broker.Exchange != "custom.events" {
		t.Fatalf("expected custom.events, got %s", cfg.Broker.Exchange)
	}
}

func TestLoadMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("outbox:\n  max_retries: 9\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Outbox.MaxRetries != 9 {
		t.Fatalf("expected 9, got %d", cfg.Outbox.MaxRetries)
	}
	if cfg.Outbox.BatchSize != 100 {
		t.Fatalf("defaults must survive merge, got %d", cfg.Outbox.BatchSize)
	}
}

func TestValidateRejectsUnknownBroker(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Broker.Kind = "nats"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}
