// Package beanstalkd implements the queue-daemon job backend. Each queue name is a
// beanstalkd tube.
package beanstalkd

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const (
	// ConnectionName is the default connection name of the beanstalkd backend.
	ConnectionName = "beanstalkd"

	// DefaultPriority is used when releasing and burying jobs.
	DefaultPriority uint32 = 1024

	defaultAddress     = "127.0.0.1:11300"
	defaultDialTimeout = 5 * time.Second
)

// Conn is the subset of a beanstalkd connection used by Queue.
type Conn interface {
	// ReserveFrom reserves a job from tube, waiting at most timeout. An empty tube
	// reports beanstalk.ErrTimeout.
	ReserveFrom(tube string, timeout time.Duration) (uint64, []byte, error)
	Delete(id uint64) error
	Release(id uint64, pri uint32, delay time.Duration) error
	Bury(id uint64, pri uint32) error
	StatsJob(id uint64) (map[string]string, error)
	Stats() (map[string]string, error)
	Close() error
}

// Config configures the beanstalkd queue.
type Config struct {
	Address     string
	Connection  string
	DialTimeout time.Duration
	// ReserveTimeout is how long a Pop waits for a job. Zero returns at once.
	ReserveTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Address) == "" {
		c.Address = defaultAddress
	}
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReserveTimeout < 0 {
		c.ReserveTimeout = 0
	}
}

// Queue reserves jobs from beanstalkd tubes.
type Queue struct {
	conn     Conn
	resolver jobs.Resolver
	log      logger.Logger
	config   Config

	mu     sync.RWMutex
	closed bool
}

// Dial connects to cfg.Address.
func Dial(cfg Config, resolver jobs.Resolver, log logger.Logger) (*Queue, error) {
	cfg.normalize()
	raw, err := beanstalk.DialTimeout("tcp", cfg.Address, cfg.DialTimeout)
	if err != nil {
		return nil, jobs.Retryable("dial beanstalkd", err)
	}
	q, err := NewQueue(NewConn(raw), resolver, log, cfg)
	if err != nil {
		_ = raw.Close()
		return nil, err
	}
	return q, nil
}

// NewQueue creates a queue over conn. Close closes conn.
func NewQueue(conn Conn, resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if conn == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "beanstalkd connection is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Queue{conn: conn, resolver: resolver, log: log, config: cfg}, nil
}

// Pop reserves the next ready job of the tube named queue.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id, body, err := q.conn.ReserveFrom(queue, q.config.ReserveTimeout)
	if isEmpty(err) {
		return nil, nil
	}
	if err != nil {
		return nil, jobs.Retryable("reserve beanstalkd job", err)
	}
	d := &delivery{conn: q.conn, id: id, body: body}
	return jobs.NewJob(d, q.resolver, q.config.Connection, queue), nil
}

// HealthCheck requests server stats.
func (q *Queue) HealthCheck(context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	if _, err := q.conn.Stats(); err != nil {
		return jobs.Retryable("beanstalkd stats", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.conn.Close()
}

func (q *Queue) ensureOpen() error {
	if q == nil || q.conn == nil {
		return jobs.Errorf(jobs.ErrClosed, "beanstalkd queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "beanstalkd queue is closed")
	}
	return nil
}

func isEmpty(err error) bool {
	if err == nil {
		return false
	}
	var connErr beanstalk.ConnError
	if errors.As(err, &connErr) {
		return connErr.Err == beanstalk.ErrTimeout || connErr.Err == beanstalk.ErrDeadline
	}
	return errors.Is(err, beanstalk.ErrTimeout)
}

type delivery struct {
	conn Conn
	id   uint64
	body []byte
}

func (d *delivery) RawBody() []byte { return d.body }

func (d *delivery) JobID() string { return strconv.FormatUint(d.id, 10) }

// Attempts is the server-side reserve count of the job.
func (d *delivery) Attempts(context.Context) (int, error) {
	stats, err := d.conn.StatsJob(d.id)
	if err != nil {
		return 0, jobs.Retryable("beanstalkd stats-job", err)
	}
	reserves, err := strconv.Atoi(stats["reserves"])
	if err != nil {
		return 0, jobs.Errorf(jobs.ErrRetryable, "beanstalkd stats-job reserves %q", stats["reserves"])
	}
	return reserves, nil
}

func (d *delivery) Delete(context.Context) error {
	if err := d.conn.Delete(d.id); err != nil {
		return jobs.Retryable("beanstalkd delete", err)
	}
	return nil
}

func (d *delivery) Release(_ context.Context, delay time.Duration) error {
	if err := d.conn.Release(d.id, DefaultPriority, delay); err != nil {
		return jobs.Retryable("beanstalkd release", err)
	}
	return nil
}

func (d *delivery) Bury(context.Context) error {
	if err := d.conn.Bury(d.id, DefaultPriority); err != nil {
		return jobs.Retryable("beanstalkd bury", err)
	}
	return nil
}
