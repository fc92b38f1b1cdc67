// Package factory builds the queue connector and failed job store selected by
// configuration.
package factory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/nimburion/jobqueue/pkg/config"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/jobs/beanstalkd"
	"github.com/nimburion/jobqueue/pkg/jobs/database"
	"github.com/nimburion/jobqueue/pkg/jobs/local"
	"github.com/nimburion/jobqueue/pkg/jobs/nsq"
	"github.com/nimburion/jobqueue/pkg/jobs/rabbitmq"
	"github.com/nimburion/jobqueue/pkg/jobs/redis"
	"github.com/nimburion/jobqueue/pkg/jobs/sqs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

// Runtime holds the connector of the configured backend and the resources it
// shares with the failed job store.
type Runtime struct {
	Connector  jobs.Connector
	FailedJobs jobs.FailedJobStore
	// Connection is the connection name jobs of Connector report, the backend
	// name unless queue.connection overrides it.
	Connection string
	// Sync is set when the backend is sync. Jobs are dispatched through it
	// instead of being popped by a worker.
	Sync *local.Queue

	db *sqlx.DB
}

// Close closes the connector and the database handle it opened.
func (r *Runtime) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Connector != nil {
		if err := r.Connector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type dbOpener func(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error)

// NewRuntime creates the connector for cfg.Queue.Backend.
func NewRuntime(ctx context.Context, cfg *config.Config, resolver jobs.Resolver, log logger.Logger) (*Runtime, error) {
	return newRuntime(ctx, cfg, resolver, log, openDatabase)
}

func newRuntime(ctx context.Context, cfg *config.Config, resolver jobs.Resolver, log logger.Logger, openDB dbOpener) (*Runtime, error) {
	if cfg == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "config is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Join(jobs.Errorf(jobs.ErrValidation, "invalid queue config"), err)
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	failedStore := strings.ToLower(strings.TrimSpace(cfg.Failed.Store))
	rt := &Runtime{Connection: strings.TrimSpace(cfg.Queue.Connection)}
	if rt.Connection == "" {
		rt.Connection = backend
	}

	if backend == config.BackendDatabase || failedStore == config.FailedStoreDatabase {
		db, err := openDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		rt.db = db
		if cfg.Database.CreateSchema {
			if err := database.CreateSchema(ctx, db, cfg.Database.Table, cfg.Failed.Table); err != nil {
				_ = rt.Close()
				return nil, err
			}
		}
	}

	switch failedStore {
	case config.FailedStoreMemory:
		rt.FailedJobs = jobs.NewMemoryFailedJobStore()
	case config.FailedStoreDatabase:
		store, err := database.NewFailedJobStore(rt.db, cfg.Failed.Table)
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.FailedJobs = store
	}

	connector, err := newConnector(cfg, backend, rt, resolver, log)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.Connector = connector
	log.Info("jobs connector ready", "backend", backend, "queues", strings.Join(cfg.QueueNames(), ","))
	return rt, nil
}

func newConnector(cfg *config.Config, backend string, rt *Runtime, resolver jobs.Resolver, log logger.Logger) (jobs.Connector, error) {
	connection := strings.TrimSpace(cfg.Queue.Connection)

	switch backend {
	case config.BackendSync:
		opts := []local.Option{local.WithConnectionName(connection)}
		if rt.FailedJobs != nil {
			opts = append(opts, local.WithFailedJobStore(rt.FailedJobs))
		}
		queue, err := local.NewQueue(resolver, log, opts...)
		if err != nil {
			return nil, err
		}
		rt.Sync = queue
		return queue, nil
	case config.BackendDatabase:
		return database.NewQueue(rt.db, resolver, log, database.Config{
			Connection: connection,
			Table:      cfg.Database.Table,
			RetryAfter: cfg.Database.RetryAfter,
		})
	case config.BackendRedis:
		return redis.Dial(redis.Config{
			URL:              cfg.Redis.URL,
			Connection:       connection,
			Prefix:           cfg.Redis.Prefix,
			RetryAfter:       cfg.Redis.RetryAfter,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, resolver, log)
	case config.BackendBeanstalkd:
		return beanstalkd.Dial(beanstalkd.Config{
			Address:        cfg.Beanstalkd.Address,
			Connection:     connection,
			DialTimeout:    cfg.Beanstalkd.DialTimeout,
			ReserveTimeout: cfg.Beanstalkd.ReserveTimeout,
		}, resolver, log)
	case config.BackendSQS:
		queues := cfg.QueueNames()
		return sqs.New(sqs.Config{
			Region:            cfg.SQS.Region,
			Endpoint:          cfg.SQS.Endpoint,
			AccessKeyID:       cfg.SQS.AccessKeyID,
			SecretAccessKey:   cfg.SQS.SecretAccessKey,
			SessionToken:      cfg.SQS.SessionToken,
			Connection:        connection,
			Prefix:            cfg.SQS.Prefix,
			Suffix:            cfg.SQS.Suffix,
			DefaultQueue:      queues[0],
			WaitTimeSeconds:   cfg.SQS.WaitTimeSeconds,
			VisibilityTimeout: cfg.SQS.VisibilityTimeout,
			OperationTimeout:  cfg.SQS.OperationTimeout,
		}, resolver, log)
	case config.BackendNSQ:
		return nsq.NewQueue(resolver, log, nsq.Config{
			Connection:       connection,
			NSQDAddresses:    cfg.NSQ.NSQDAddresses,
			LookupdAddresses: cfg.NSQ.LookupdAddresses,
			Channel:          cfg.NSQ.Channel,
			MaxInFlight:      cfg.NSQ.MaxInFlight,
		})
	case config.BackendRabbitMQ:
		return rabbitmq.Dial(rabbitmq.Config{
			URL:              cfg.RabbitMQ.URL,
			Connection:       connection,
			DeclareQueues:    cfg.RabbitMQ.DeclareQueues,
			OperationTimeout: cfg.RabbitMQ.OperationTimeout,
		}, resolver, log)
	default:
		return nil, jobs.Errorf(jobs.ErrUnsupported, "unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sqlx.DB, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	db, err := sqlx.Open(driver, cfg.URL)
	if err != nil {
		return nil, errors.Join(jobs.Errorf(jobs.ErrValidation, "open %s database", driver), err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, jobs.Retryable(fmt.Sprintf("ping %s database", driver), err)
	}
	return db, nil
}
