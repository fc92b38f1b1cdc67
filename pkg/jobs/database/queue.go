// Package database implements the relational-table job backend on top of sqlx.
// PostgreSQL and MySQL 8 are supported; both need SELECT ... FOR UPDATE SKIP LOCKED.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ConnectionName is the default connection name of the database backend.
	ConnectionName = "database"

	defaultTable            = "jobs"
	defaultFailedTable      = "failed_jobs"
	defaultRetryAfter       = 90 * time.Second
	defaultOperationTimeout = 5 * time.Second
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Config configures the database queue.
type Config struct {
	Connection string
	Table      string
	// RetryAfter is how long a reservation may stay unacknowledged before the job
	// becomes available again.
	RetryAfter       time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	if strings.TrimSpace(c.Table) == "" {
		c.Table = defaultTable
	}
	if !identifierPattern.MatchString(c.Table) {
		return jobs.Errorf(jobs.ErrValidation, "invalid jobs table name %q", c.Table)
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
	return nil
}

// jobRecord is one row of the jobs table. Times are unix seconds.
type jobRecord struct {
	ID          int64         `db:"id"`
	Queue       string        `db:"queue"`
	Payload     string        `db:"payload"`
	Attempts    int           `db:"attempts"`
	ReservedAt  sql.NullInt64 `db:"reserved_at"`
	AvailableAt int64         `db:"available_at"`
	CreatedAt   int64         `db:"created_at"`
}

// Queue reserves jobs from a relational table.
type Queue struct {
	db       *sqlx.DB
	resolver jobs.Resolver
	log      logger.Logger
	config   Config
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a database queue over db.
func NewQueue(db *sqlx.DB, resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if db == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "database handle is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Queue{
		db:       db,
		resolver: resolver,
		log:      log,
		config:   cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Pop reserves the oldest available job on queue. A job is available when it is
// not reserved and due, or when its reservation is older than RetryAfter.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}

	spanCtx, span := q.span(ctx, tracing.SpanOperationDBTx)
	defer span.End()
	opCtx, cancel := q.operationContext(spanCtx)
	defer cancel()

	tx, err := q.db.BeginTxx(opCtx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("begin pop transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := q.now().Unix()
	expired := q.now().Add(-q.config.RetryAfter).Unix()

	var record jobRecord
	err = tx.GetContext(opCtx, &record, q.db.Rebind(fmt.Sprintf(
		`SELECT id, queue, payload, attempts, reserved_at, available_at, created_at FROM %s `+
			`WHERE queue = ? AND ((reserved_at IS NULL AND available_at <= ?) OR (reserved_at <= ?)) `+
			`ORDER BY id ASC LIMIT 1 FOR UPDATE SKIP LOCKED`, q.config.Table)),
		queue, now, expired,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("select next job", err)
	}

	if _, err := tx.ExecContext(opCtx, q.db.Rebind(fmt.Sprintf(
		`UPDATE %s SET reserved_at = ?, attempts = attempts + 1 WHERE id = ?`, q.config.Table)),
		now, record.ID,
	); err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("reserve job", err)
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("commit pop transaction", err)
	}

	record.Attempts++
	record.ReservedAt = sql.NullInt64{Int64: now, Valid: true}
	tracing.RecordSuccess(span)
	return q.newJob(record), nil
}

func (q *Queue) newJob(record jobRecord) *jobs.Job {
	return jobs.NewJob(&delivery{queue: q, record: record}, q.resolver, q.config.Connection, record.Queue)
}

// deleteReserved removes the row inside a locking transaction.
func (q *Queue) deleteReserved(ctx context.Context, id int64) error {
	return q.withLockedRow(ctx, id, func(opCtx context.Context, tx *sqlx.Tx, found bool) error {
		if !found {
			q.log.Debug("jobs row already removed", "table", q.config.Table, "job_id", id)
			return nil
		}
		_, err := tx.ExecContext(opCtx, q.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.config.Table)), id)
		return err
	})
}

// deleteAndRelease replaces the reserved row with a fresh copy that becomes
// available after delay. Deleting and inserting avoids locking the same row twice.
func (q *Queue) deleteAndRelease(ctx context.Context, record jobRecord, delay time.Duration) error {
	return q.withLockedRow(ctx, record.ID, func(opCtx context.Context, tx *sqlx.Tx, found bool) error {
		if found {
			if _, err := tx.ExecContext(opCtx, q.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, q.config.Table)), record.ID); err != nil {
				return err
			}
		}
		now := q.now()
		_, err := tx.ExecContext(opCtx, q.db.Rebind(fmt.Sprintf(
			`INSERT INTO %s (queue, payload, attempts, reserved_at, available_at, created_at) VALUES (?, ?, ?, NULL, ?, ?)`,
			q.config.Table)),
			record.Queue, record.Payload, record.Attempts, now.Add(delay).Unix(), now.Unix(),
		)
		return err
	})
}

func (q *Queue) withLockedRow(ctx context.Context, id int64, fn func(context.Context, *sqlx.Tx, bool) error) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	spanCtx, span := q.span(ctx, tracing.SpanOperationDBTx)
	defer span.End()
	opCtx, cancel := q.operationContext(spanCtx)
	defer cancel()

	tx, err := q.db.BeginTxx(opCtx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return jobs.Retryable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lockedID int64
	err = tx.GetContext(opCtx, &lockedID, q.db.Rebind(fmt.Sprintf(`SELECT id FROM %s WHERE id = ? FOR UPDATE`, q.config.Table)), id)
	found := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		tracing.RecordError(span, err)
		return jobs.Retryable("lock job row", err)
	}

	if err := fn(opCtx, tx, found); err != nil {
		tracing.RecordError(span, err)
		return jobs.Retryable("update job row", err)
	}
	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return jobs.Retryable("commit transaction", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// HealthCheck pings the database.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.db.PingContext(opCtx); err != nil {
		return jobs.Retryable("ping database", err)
	}
	return nil
}

// Close marks the queue closed. The database handle belongs to the caller.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) ensureOpen() error {
	if q == nil || q.db == nil {
		return jobs.Errorf(jobs.ErrClosed, "database queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "database queue is closed")
	}
	return nil
}

func (q *Queue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func (q *Queue) span(ctx context.Context, operation tracing.SpanOperation) (context.Context, trace.Span) {
	return tracing.StartDatabaseSpan(ctx, operation,
		tracing.WithDBSystem(q.db.DriverName()),
		tracing.WithDBTable(q.config.Table),
	)
}

type delivery struct {
	queue  *Queue
	record jobRecord
}

func (d *delivery) RawBody() []byte { return []byte(d.record.Payload) }

func (d *delivery) JobID() string { return fmt.Sprintf("%d", d.record.ID) }

// Attempts is the stored counter, already incremented by Pop.
func (d *delivery) Attempts(context.Context) (int, error) { return d.record.Attempts, nil }

func (d *delivery) Delete(ctx context.Context) error {
	return d.queue.deleteReserved(ctx, d.record.ID)
}

func (d *delivery) Release(ctx context.Context, delay time.Duration) error {
	return d.queue.deleteAndRelease(ctx, d.record, delay)
}
