package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log           LogConfig          `mapstructure:"log"`
	HTTP          HTTPConfig         `mapstructure:"http"`
	MySQL         DatabaseConfig     `mapstructure:"mysql"`
	ClickHouse    DatabaseConfig     `mapstructure:"clickhouse"`
	Redis         RedisConfig        `mapstructure:"redis"`
	Broker        BrokerConfig       `mapstructure:"broker"`
	Kafka         KafkaConfig        `mapstructure:"kafka"`
	Outbox        OutboxConfig       `mapstructure:"outbox"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Session       SessionConfig      `mapstructure:"session"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Consumer      ConsumerConfig     `mapstructure:"consumer"`
	Auth          AuthConfig         `mapstructure:"auth"`
	RateLimit     RateLimitConfig    `mapstructure:"rate_limit"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	MetricsAddr     string        `mapstructure:"metrics_addr"` // worker processes
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type BrokerConfig struct {
	Kind           string        `mapstructure:"kind"` // amqp | kafka
	URL            string        `mapstructure:"url"`
	Endpoints      []string      `mapstructure:"endpoints"`
	Exchange       string        `mapstructure:"exchange"`
	Prefetch       int           `mapstructure:"prefetch"`
	ConsumerTag    string        `mapstructure:"consumer_tag"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	FailThreshold int           `mapstructure:"fail_threshold"`
	OpenFor       time.Duration `mapstructure:"open_for"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type OutboxConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	MaxRetries int           `mapstructure:"max_retries"`
}

type SchedulerConfig struct {
	Escalation JobConfig `mapstructure:"escalation"`
	AutoClose  JobConfig `mapstructure:"auto_close"`
	Reminder   JobConfig `mapstructure:"reminder"`
	BatchLimit int       `mapstructure:"batch_limit"`
}

type JobConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	After    time.Duration `mapstructure:"after"` // age threshold
}

type SessionConfig struct {
	BlacklistTTL    time.Duration `mapstructure:"blacklist_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type NotificationConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ConsumerConfig struct {
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
	ActionBaseURL  string        `mapstructure:"action_base_url"`
}

type AuthConfig struct {
	JWTSecret  string `mapstructure:"jwt_secret"`
	ServiceKey string `mapstructure:"service_key"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env
// overrides (HELPDESK_*). A .env file in the working directory is loaded first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		_ = v.MergeInConfig()
	}

	// env override (HELPDESK_*)
	v.SetEnvPrefix("HELPDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Broker.Kind {
	case "amqp":
		if c.Broker.URL == "" && len(c.Broker.Endpoints) == 0 {
			return fmt.Errorf("broker.url or broker.endpoints is required")
		}
		if c.Broker.Exchange == "" {
			return fmt.Errorf("broker.exchange is required")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when broker.kind=kafka")
		}
	default:
		return fmt.Errorf("broker.kind must be amqp or kafka, got %q", c.Broker.Kind)
	}
	if c.Broker.Prefetch < 1 {
		return fmt.Errorf("broker.prefetch must be >= 1")
	}
	if c.Outbox.BatchSize < 1 || c.Outbox.MaxRetries < 1 || c.Outbox.Interval <= 0 {
		return fmt.Errorf("outbox.batch_size, outbox.max_retries and outbox.interval must be positive")
	}
	if c.Notifications.Capacity < 1 {
		return fmt.Errorf("notifications.capacity must be >= 1")
	}
	if c.Session.BlacklistTTL <= 0 {
		return fmt.Errorf("session.blacklist_ttl must be positive")
	}
	return nil
}
