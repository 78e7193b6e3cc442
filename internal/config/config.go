package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig
	MySQL     MySQLConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Processor ProcessorConfig
	GRPC      GRPCConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type AppConfig struct {
	Name string
	Env  string
}

type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Brokers         []string
	GroupID         string
	Workers         int
	MaxRedeliveries int
	RetryBackoff    time.Duration
}

type ProcessorConfig struct {
	LockLease           time.Duration
	LockWait            time.Duration
	LockRetry           time.Duration
	Timeout             time.Duration
	ArchiveFailedOrders bool
}

type GRPCConfig struct {
	Addr string
}

type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
	MetricsInterval   time.Duration
}

// Load reads configuration with this priority, highest first:
// 1. Environment variables with LEDGER_ prefix (e.g. LEDGER_MYSQL_DSN)
// 2. config.toml in the working directory or /etc/stock-ledger
// 3. Built-in defaults
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/stock-ledger")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		MySQL: MySQLConfig{
			DSN:             v.GetString("mysql.dsn"),
			MaxOpenConns:    v.GetInt("mysql.max_open_conns"),
			MaxIdleConns:    v.GetInt("mysql.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("mysql.conn_max_lifetime"),
			AutoMigrate:     v.GetBool("mysql.auto_migrate"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Kafka: KafkaConfig{
			Brokers:         splitList(v.GetStringSlice("kafka.brokers")),
			GroupID:         v.GetString("kafka.group_id"),
			Workers:         v.GetInt("kafka.workers"),
			MaxRedeliveries: v.GetInt("kafka.max_redeliveries"),
			RetryBackoff:    v.GetDuration("kafka.retry_backoff"),
		},
		Processor: ProcessorConfig{
			LockLease:           v.GetDuration("processor.lock_lease"),
			LockWait:            v.GetDuration("processor.lock_wait"),
			LockRetry:           v.GetDuration("processor.lock_retry"),
			Timeout:             v.GetDuration("processor.timeout"),
			ArchiveFailedOrders: v.GetBool("processor.archive_failed_orders"),
		},
		GRPC: GRPCConfig{
			Addr: v.GetString("grpc.addr"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			MetricsInterval:   v.GetDuration("telemetry.metrics_interval"),
		},
	}

	// zero is a valid setting for these, so only fill them when unset
	if !v.IsSet("telemetry.sampling_ratio") {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if !v.IsSet("kafka.max_redeliveries") {
		cfg.Kafka.MaxRedeliveries = 5
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "stock-ledger"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.MySQL.DSN == "" {
		cfg.MySQL.DSN = "root:root@tcp(localhost:3306)/ledger?parseTime=true&clientFoundRows=true"
	}
	if cfg.MySQL.MaxOpenConns == 0 {
		cfg.MySQL.MaxOpenConns = 50
	}
	if cfg.MySQL.MaxIdleConns == 0 {
		cfg.MySQL.MaxIdleConns = 10
	}
	if cfg.MySQL.ConnMaxLifetime == 0 {
		cfg.MySQL.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = "stock-ledger"
	}
	if cfg.Kafka.Workers == 0 {
		cfg.Kafka.Workers = 4
	}
	if cfg.Kafka.RetryBackoff == 0 {
		cfg.Kafka.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.Processor.LockLease == 0 {
		cfg.Processor.LockLease = 30 * time.Second
	}
	if cfg.Processor.LockWait == 0 {
		cfg.Processor.LockWait = 5 * time.Second
	}
	if cfg.Processor.LockRetry == 0 {
		cfg.Processor.LockRetry = 100 * time.Millisecond
	}
	if cfg.Processor.Timeout == 0 {
		cfg.Processor.Timeout = 20 * time.Second
	}
	if cfg.GRPC.Addr == "" {
		cfg.GRPC.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		if cfg.App.Env == "production" {
			cfg.Log.Format = "json"
		} else {
			cfg.Log.Format = "console"
		}
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = cfg.App.Name
	}
	if cfg.Telemetry.MetricsInterval == 0 {
		cfg.Telemetry.MetricsInterval = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if c.MySQL.MaxOpenConns <= 0 {
		return fmt.Errorf("mysql.max_open_conns must be positive")
	}
	if c.MySQL.MaxIdleConns > c.MySQL.MaxOpenConns {
		return fmt.Errorf("mysql.max_idle_conns (%d) cannot exceed mysql.max_open_conns (%d)",
			c.MySQL.MaxIdleConns, c.MySQL.MaxOpenConns)
	}
	// Lots and orders scan into time.Time, and unchanged rows still count as
	// matched for the guarded updates.
	dsn, err := mysql.ParseDSN(c.MySQL.DSN)
	if err != nil {
		return fmt.Errorf("mysql.dsn: %w", err)
	}
	if !dsn.ParseTime || !dsn.ClientFoundRows {
		return fmt.Errorf("mysql.dsn must set parseTime=true and clientFoundRows=true")
	}
	if c.Kafka.Workers < 1 {
		return fmt.Errorf("kafka.workers must be at least 1")
	}
	if c.Kafka.MaxRedeliveries < 0 {
		return fmt.Errorf("kafka.max_redeliveries cannot be negative")
	}
	if c.Processor.LockLease <= c.Processor.Timeout {
		return fmt.Errorf("processor.lock_lease (%s) must exceed processor.timeout (%s)",
			c.Processor.LockLease, c.Processor.Timeout)
	}
	if c.Processor.LockRetry > c.Processor.LockWait {
		return fmt.Errorf("processor.lock_retry (%s) cannot exceed processor.lock_wait (%s)",
			c.Processor.LockRetry, c.Processor.LockWait)
	}
	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}
	return nil
}

// splitList accepts both TOML arrays and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
