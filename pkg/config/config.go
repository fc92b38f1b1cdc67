// Package config loads the settings of a job worker from defaults, an optional
// config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Supported queue backends.
const (
	BackendSync       = "sync"
	BackendDatabase   = "database"
	BackendRedis      = "redis"
	BackendBeanstalkd = "beanstalkd"
	BackendSQS        = "sqs"
	BackendNSQ        = "nsq"
	BackendRabbitMQ   = "rabbitmq"
)

// Supported failed job stores.
const (
	FailedStoreNone     = "none"
	FailedStoreMemory   = "memory"
	FailedStoreDatabase = "database"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// Config is the complete worker configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Failed     FailedConfig     `mapstructure:"failed"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Beanstalkd BeanstalkdConfig `mapstructure:"beanstalkd"`
	SQS        SQSConfig        `mapstructure:"sqs"`
	NSQ        NSQConfig        `mapstructure:"nsq"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Log        LogConfig        `mapstructure:"log"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Management ManagementConfig `mapstructure:"management"`
}

// ServiceConfig identifies the process in logs and traces. An empty name is
// filled in by the command line from the binary's name.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

// QueueConfig selects the backend and the queues a worker polls.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
	// Connection is the name reported by jobs. Empty uses the backend name.
	Connection string   `mapstructure:"connection"`
	Queues     []string `mapstructure:"queues"`
}

// WorkerConfig configures the poll loops and the retry policy.
type WorkerConfig struct {
	PopTimeout     time.Duration `mapstructure:"pop_timeout"`
	IdleSleep      time.Duration `mapstructure:"idle_sleep"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	MaxTries       int           `mapstructure:"max_tries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`

	// PopFailureThreshold consecutive pop errors pause a queue for
	// PopFailureCooldown. A negative threshold never pauses.
	PopFailureThreshold int           `mapstructure:"pop_failure_threshold"`
	PopFailureCooldown  time.Duration `mapstructure:"pop_failure_cooldown"`
}

// FailedConfig selects where failed jobs are recorded.
type FailedConfig struct {
	Store string `mapstructure:"store"`
	Table string `mapstructure:"table"`
}

// DatabaseConfig configures the relational backend and failed job table.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	Table           string        `mapstructure:"table"`
	RetryAfter      time.Duration `mapstructure:"retry_after"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	CreateSchema    bool          `mapstructure:"create_schema"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Prefix           string        `mapstructure:"prefix"`
	RetryAfter       time.Duration `mapstructure:"retry_after"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// BeanstalkdConfig configures the beanstalkd backend.
type BeanstalkdConfig struct {
	Address        string        `mapstructure:"address"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	ReserveTimeout time.Duration `mapstructure:"reserve_timeout"`
}

// SQSConfig configures the SQS backend.
type SQSConfig struct {
	Region            string        `mapstructure:"region"`
	Endpoint          string        `mapstructure:"endpoint"`
	AccessKeyID       string        `mapstructure:"access_key_id"`
	SecretAccessKey   string        `mapstructure:"secret_access_key"`
	SessionToken      string        `mapstructure:"session_token"`
	Prefix            string        `mapstructure:"prefix"`
	Suffix            string        `mapstructure:"suffix"`
	WaitTimeSeconds   int32         `mapstructure:"wait_time_seconds"`
	VisibilityTimeout int32         `mapstructure:"visibility_timeout"`
	OperationTimeout  time.Duration `mapstructure:"operation_timeout"`
}

// NSQConfig configures the nsq backend.
type NSQConfig struct {
	NSQDAddresses    []string `mapstructure:"nsqd_addresses"`
	LookupdAddresses []string `mapstructure:"lookupd_addresses"`
	Channel          string   `mapstructure:"channel"`
	MaxInFlight      int      `mapstructure:"max_in_flight"`
}

// RabbitMQConfig configures the AMQP backend.
type RabbitMQConfig struct {
	URL              string        `mapstructure:"url"`
	DeclareQueues    bool          `mapstructure:"declare_queues"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig configures the OTLP tracer provider.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

// ManagementConfig configures the HTTP endpoint serving health and metrics.
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Environment: "development",
		},
		Queue: QueueConfig{
			Backend: BackendSync,
			Queues:  []string{"default"},
		},
		Worker: WorkerConfig{
			PopTimeout:     5 * time.Second,
			IdleSleep:      time.Second,
			StopTimeout:    10 * time.Second,
			MaxTries:       5,
			InitialBackoff: time.Second,
			MaxBackoff:     time.Minute,

			PopFailureThreshold: 5,
			PopFailureCooldown:  30 * time.Second,
		},
		Failed: FailedConfig{
			Store: FailedStoreMemory,
			Table: "failed_jobs",
		},
		Database: DatabaseConfig{
			Driver:          DriverPostgres,
			Table:           "jobs",
			RetryAfter:      90 * time.Second,
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Prefix:           "queues",
			RetryAfter:       90 * time.Second,
			OperationTimeout: 5 * time.Second,
		},
		Beanstalkd: BeanstalkdConfig{
			Address:     "127.0.0.1:11300",
			DialTimeout: 5 * time.Second,
		},
		SQS: SQSConfig{
			WaitTimeSeconds:  0,
			OperationTimeout: 30 * time.Second,
		},
		NSQ: NSQConfig{
			Channel:     "jobs",
			MaxInFlight: 1,
		},
		RabbitMQ: RabbitMQConfig{
			OperationTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Management: ManagementConfig{
			Port:         9090,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Validate checks that the selected backend has what it needs.
func (c *Config) Validate() error {
	backend := strings.ToLower(strings.TrimSpace(c.Queue.Backend))
	switch backend {
	case BackendSync:
	case BackendDatabase:
		if err := c.Database.validate(); err != nil {
			return err
		}
	case BackendRedis:
		if strings.TrimSpace(c.Redis.URL) == "" {
			return fmt.Errorf("redis.url is required when queue.backend is redis")
		}
	case BackendBeanstalkd:
		if strings.TrimSpace(c.Beanstalkd.Address) == "" {
			return fmt.Errorf("beanstalkd.address is required when queue.backend is beanstalkd")
		}
	case BackendSQS:
		if strings.TrimSpace(c.SQS.Region) == "" {
			return fmt.Errorf("sqs.region is required when queue.backend is sqs")
		}
		if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
			return fmt.Errorf("sqs.wait_time_seconds must be between 0 and 20")
		}
	case BackendNSQ:
		if len(c.NSQ.NSQDAddresses) == 0 && len(c.NSQ.LookupdAddresses) == 0 {
			return fmt.Errorf("nsq.nsqd_addresses or nsq.lookupd_addresses is required when queue.backend is nsq")
		}
	case BackendRabbitMQ:
		if strings.TrimSpace(c.RabbitMQ.URL) == "" {
			return fmt.Errorf("rabbitmq.url is required when queue.backend is rabbitmq")
		}
	default:
		return fmt.Errorf("unsupported queue.backend %q", c.Queue.Backend)
	}

	if len(normalizeStringSlice(c.Queue.Queues)) == 0 {
		return fmt.Errorf("queue.queues must name at least one queue")
	}

	switch strings.ToLower(strings.TrimSpace(c.Failed.Store)) {
	case FailedStoreNone, FailedStoreMemory:
	case FailedStoreDatabase:
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("failed.store database: %w", err)
		}
	default:
		return fmt.Errorf("unsupported failed.store %q", c.Failed.Store)
	}

	if c.Worker.MaxBackoff > 0 && c.Worker.InitialBackoff > c.Worker.MaxBackoff {
		return fmt.Errorf("worker.initial_backoff must not exceed worker.max_backoff")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	if c.Management.Enabled && (c.Management.Port <= 0 || c.Management.Port > 65535) {
		return fmt.Errorf("management.port must be between 1 and 65535")
	}
	return nil
}

func (c DatabaseConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Driver)) {
	case DriverPostgres, DriverMySQL:
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Driver)
	}
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	return nil
}

// QueueNames returns the configured queues trimmed, without empty entries.
func (c *Config) QueueNames() []string {
	return normalizeStringSlice(c.Queue.Queues)
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}

// SecretKeys lists the settings redacted by "config show".
var SecretKeys = []string{
	"database.url",
	"redis.url",
	"rabbitmq.url",
	"sqs.access_key_id",
	"sqs.secret_access_key",
	"sqs.session_token",
}
