package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// flagKeys maps command line flags to config keys. Flags win over every other
// source, but only when set explicitly.
var flagKeys = map[string]string{
	"backend":    "queue.backend",
	"connection": "queue.connection",
	"queue":      "queue.queues",
	"tries":      "worker.max_tries",
	"log-level":  "log.level",
	"log-format": "log.format",
	"mgmt-port":  "management.port",
}

// ViperLoader loads configuration using Viper.
// Precedence: flags > ENV > config file > defaults.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a loader reading configFile, when not empty, and
// environment variables named <envPrefix>_<SECTION>_<KEY>.
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags binds the explicitly set flags of flags on top of the other sources.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load reads, merges and validates the configuration.
func (l *ViperLoader) Load() (*Config, error) {
	_, cfg, err := l.load()
	return cfg, err
}

// Settings loads the configuration and returns the merged key/value tree,
// keyed the same way as the config file.
func (l *ViperLoader) Settings() (map[string]any, error) {
	v, _, err := l.load()
	if err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func (l *ViperLoader) load() (*viper.Viper, *Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	v.SetEnvPrefix(l.envPrefix)
	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	cfg.Queue.Queues = normalizeStringSlice(cfg.Queue.Queues)
	cfg.NSQ.NSQDAddresses = normalizeStringSlice(cfg.NSQ.NSQDAddresses)
	cfg.NSQ.LookupdAddresses = normalizeStringSlice(cfg.NSQ.LookupdAddresses)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config validation failed: %w", err)
	}
	return v, &cfg, nil
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag --%s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	// Service
	_ = v.BindEnv("service.name", l.prefixedEnv("SERVICE_NAME"))
	_ = v.BindEnv("service.version", l.prefixedEnv("SERVICE_VERSION"))
	_ = v.BindEnv("service.environment", l.prefixedEnv("SERVICE_ENVIRONMENT"))

	// Queue
	_ = v.BindEnv("queue.backend", l.prefixedEnv("QUEUE_BACKEND"))
	_ = v.BindEnv("queue.connection", l.prefixedEnv("QUEUE_CONNECTION"))
	_ = v.BindEnv("queue.queues", l.prefixedEnv("QUEUE_QUEUES"))

	// Worker
	_ = v.BindEnv("worker.pop_timeout", l.prefixedEnv("WORKER_POP_TIMEOUT"))
	_ = v.BindEnv("worker.idle_sleep", l.prefixedEnv("WORKER_IDLE_SLEEP"))
	_ = v.BindEnv("worker.stop_timeout", l.prefixedEnv("WORKER_STOP_TIMEOUT"))
	_ = v.BindEnv("worker.max_tries", l.prefixedEnv("WORKER_MAX_TRIES"))
	_ = v.BindEnv("worker.initial_backoff", l.prefixedEnv("WORKER_INITIAL_BACKOFF"))
	_ = v.BindEnv("worker.max_backoff", l.prefixedEnv("WORKER_MAX_BACKOFF"))
	_ = v.BindEnv("worker.pop_failure_threshold", l.prefixedEnv("WORKER_POP_FAILURE_THRESHOLD"))
	_ = v.BindEnv("worker.pop_failure_cooldown", l.prefixedEnv("WORKER_POP_FAILURE_COOLDOWN"))

	// Failed jobs
	_ = v.BindEnv("failed.store", l.prefixedEnv("FAILED_STORE"))
	_ = v.BindEnv("failed.table", l.prefixedEnv("FAILED_TABLE"))

	// Database
	_ = v.BindEnv("database.driver", l.prefixedEnv("DB_DRIVER"))
	_ = v.BindEnv("database.url", l.prefixedEnv("DB_URL"))
	_ = v.BindEnv("database.table", l.prefixedEnv("DB_TABLE"))
	_ = v.BindEnv("database.retry_after", l.prefixedEnv("DB_RETRY_AFTER"))
	_ = v.BindEnv("database.max_open_conns", l.prefixedEnv("DB_MAX_OPEN_CONNS"))
	_ = v.BindEnv("database.max_idle_conns", l.prefixedEnv("DB_MAX_IDLE_CONNS"))
	_ = v.BindEnv("database.conn_max_lifetime", l.prefixedEnv("DB_CONN_MAX_LIFETIME"))
	_ = v.BindEnv("database.create_schema", l.prefixedEnv("DB_CREATE_SCHEMA"))

	// Redis
	_ = v.BindEnv("redis.url", l.prefixedEnv("REDIS_URL"))
	_ = v.BindEnv("redis.prefix", l.prefixedEnv("REDIS_PREFIX"))
	_ = v.BindEnv("redis.retry_after", l.prefixedEnv("REDIS_RETRY_AFTER"))
	_ = v.BindEnv("redis.operation_timeout", l.prefixedEnv("REDIS_OPERATION_TIMEOUT"))

	// Beanstalkd
	_ = v.BindEnv("beanstalkd.address", l.prefixedEnv("BEANSTALKD_ADDRESS"))
	_ = v.BindEnv("beanstalkd.dial_timeout", l.prefixedEnv("BEANSTALKD_DIAL_TIMEOUT"))
	_ = v.BindEnv("beanstalkd.reserve_timeout", l.prefixedEnv("BEANSTALKD_RESERVE_TIMEOUT"))

	// SQS
	_ = v.BindEnv("sqs.region", l.prefixedEnv("SQS_REGION"))
	_ = v.BindEnv("sqs.endpoint", l.prefixedEnv("SQS_ENDPOINT"))
	_ = v.BindEnv("sqs.access_key_id", l.prefixedEnv("SQS_ACCESS_KEY_ID"))
	_ = v.BindEnv("sqs.secret_access_key", l.prefixedEnv("SQS_SECRET_ACCESS_KEY"))
	_ = v.BindEnv("sqs.session_token", l.prefixedEnv("SQS_SESSION_TOKEN"))
	_ = v.BindEnv("sqs.prefix", l.prefixedEnv("SQS_PREFIX"))
	_ = v.BindEnv("sqs.suffix", l.prefixedEnv("SQS_SUFFIX"))
	_ = v.BindEnv("sqs.wait_time_seconds", l.prefixedEnv("SQS_WAIT_TIME_SECONDS"))
	_ = v.BindEnv("sqs.visibility_timeout", l.prefixedEnv("SQS_VISIBILITY_TIMEOUT"))
	_ = v.BindEnv("sqs.operation_timeout", l.prefixedEnv("SQS_OPERATION_TIMEOUT"))

	// NSQ
	_ = v.BindEnv("nsq.nsqd_addresses", l.prefixedEnv("NSQ_NSQD_ADDRESSES"))
	_ = v.BindEnv("nsq.lookupd_addresses", l.prefixedEnv("NSQ_LOOKUPD_ADDRESSES"))
	_ = v.BindEnv("nsq.channel", l.prefixedEnv("NSQ_CHANNEL"))
	_ = v.BindEnv("nsq.max_in_flight", l.prefixedEnv("NSQ_MAX_IN_FLIGHT"))

	// RabbitMQ
	_ = v.BindEnv("rabbitmq.url", l.prefixedEnv("RABBITMQ_URL"))
	_ = v.BindEnv("rabbitmq.declare_queues", l.prefixedEnv("RABBITMQ_DECLARE_QUEUES"))
	_ = v.BindEnv("rabbitmq.operation_timeout", l.prefixedEnv("RABBITMQ_OPERATION_TIMEOUT"))

	// Observability
	_ = v.BindEnv("log.level", l.prefixedEnv("LOG_LEVEL"))
	_ = v.BindEnv("log.format", l.prefixedEnv("LOG_FORMAT"))
	_ = v.BindEnv("tracing.enabled", l.prefixedEnv("TRACING_ENABLED"))
	_ = v.BindEnv("tracing.endpoint", l.prefixedEnv("TRACING_ENDPOINT"))
	_ = v.BindEnv("tracing.sample_rate", l.prefixedEnv("TRACING_SAMPLE_RATE"))

	// Management
	_ = v.BindEnv("management.enabled", l.prefixedEnv("MGMT_ENABLED"))
	_ = v.BindEnv("management.port", l.prefixedEnv("MGMT_PORT"))
	_ = v.BindEnv("management.read_timeout", l.prefixedEnv("MGMT_READ_TIMEOUT"))
	_ = v.BindEnv("management.write_timeout", l.prefixedEnv("MGMT_WRITE_TIMEOUT"))
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "APP"
	}
	return fmt.Sprintf("%s_%s", strings.ToUpper(prefix), suffix)
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.version", cfg.Service.Version)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("queue.backend", cfg.Queue.Backend)
	v.SetDefault("queue.connection", cfg.Queue.Connection)
	v.SetDefault("queue.queues", cfg.Queue.Queues)

	v.SetDefault("worker.pop_timeout", cfg.Worker.PopTimeout)
	v.SetDefault("worker.idle_sleep", cfg.Worker.IdleSleep)
	v.SetDefault("worker.stop_timeout", cfg.Worker.StopTimeout)
	v.SetDefault("worker.max_tries", cfg.Worker.MaxTries)
	v.SetDefault("worker.initial_backoff", cfg.Worker.InitialBackoff)
	v.SetDefault("worker.max_backoff", cfg.Worker.MaxBackoff)
	v.SetDefault("worker.pop_failure_threshold", cfg.Worker.PopFailureThreshold)
	v.SetDefault("worker.pop_failure_cooldown", cfg.Worker.PopFailureCooldown)

	v.SetDefault("failed.store", cfg.Failed.Store)
	v.SetDefault("failed.table", cfg.Failed.Table)

	v.SetDefault("database.driver", cfg.Database.Driver)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.table", cfg.Database.Table)
	v.SetDefault("database.retry_after", cfg.Database.RetryAfter)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.create_schema", cfg.Database.CreateSchema)

	v.SetDefault("redis.url", cfg.Redis.URL)
	v.SetDefault("redis.prefix", cfg.Redis.Prefix)
	v.SetDefault("redis.retry_after", cfg.Redis.RetryAfter)
	v.SetDefault("redis.operation_timeout", cfg.Redis.OperationTimeout)

	v.SetDefault("beanstalkd.address", cfg.Beanstalkd.Address)
	v.SetDefault("beanstalkd.dial_timeout", cfg.Beanstalkd.DialTimeout)
	v.SetDefault("beanstalkd.reserve_timeout", cfg.Beanstalkd.ReserveTimeout)

	v.SetDefault("sqs.region", cfg.SQS.Region)
	v.SetDefault("sqs.endpoint", cfg.SQS.Endpoint)
	v.SetDefault("sqs.access_key_id", cfg.SQS.AccessKeyID)
	v.SetDefault("sqs.secret_access_key", cfg.SQS.SecretAccessKey)
	v.SetDefault("sqs.session_token", cfg.SQS.SessionToken)
	v.SetDefault("sqs.prefix", cfg.SQS.Prefix)
	v.SetDefault("sqs.suffix", cfg.SQS.Suffix)
	v.SetDefault("sqs.wait_time_seconds", cfg.SQS.WaitTimeSeconds)
	v.SetDefault("sqs.visibility_timeout", cfg.SQS.VisibilityTimeout)
	v.SetDefault("sqs.operation_timeout", cfg.SQS.OperationTimeout)

	v.SetDefault("nsq.nsqd_addresses", cfg.NSQ.NSQDAddresses)
	v.SetDefault("nsq.lookupd_addresses", cfg.NSQ.LookupdAddresses)
	v.SetDefault("nsq.channel", cfg.NSQ.Channel)
	v.SetDefault("nsq.max_in_flight", cfg.NSQ.MaxInFlight)

	v.SetDefault("rabbitmq.url", cfg.RabbitMQ.URL)
	v.SetDefault("rabbitmq.declare_queues", cfg.RabbitMQ.DeclareQueues)
	v.SetDefault("rabbitmq.operation_timeout", cfg.RabbitMQ.OperationTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetDefault("tracing.enabled", cfg.Tracing.Enabled)
	v.SetDefault("tracing.endpoint", cfg.Tracing.Endpoint)
	v.SetDefault("tracing.sample_rate", cfg.Tracing.SampleRate)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)
}
