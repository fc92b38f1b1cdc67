// Package redis implements the key/value job backend on go-redis.
//
// A queue named q uses three keys under the configured prefix:
//
//	<prefix>:<q>           ready list
//	<prefix>:<q>:delayed   sorted set scored by the unix second a job becomes due
//	<prefix>:<q>:reserved  sorted set scored by the unix second a reservation expires
//
// Reserving moves the payload into the reserved set with its attempts field
// incremented. Deleting removes that exact reserved string, so an entry rewritten
// by anything else is not found and the job will be delivered again.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

const (
	// ConnectionName is the default connection name of the redis backend.
	ConnectionName = "redis"

	defaultPrefix           = "queues"
	defaultRetryAfter       = 90 * time.Second
	defaultOperationTimeout = 5 * time.Second
	migrateBatch            = 100
)

var (
	// popScript moves due delayed and expired reserved entries back to the ready
	// list, then reserves the head of the list.
	//
	// KEYS: ready, delayed, reserved. ARGV: now, reservation expiry, batch.
	popScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local batch = tonumber(ARGV[3])
for _, source in ipairs({KEYS[2], KEYS[3]}) do
  local due = redis.call('zrangebyscore', source, '-inf', now)
  if next(due) ~= nil then
    redis.call('zremrangebyrank', source, 0, #due - 1)
    for i = 1, #due, batch do
      redis.call('rpush', KEYS[1], unpack(due, i, math.min(i + batch - 1, #due)))
    end
  end
end

local job = redis.call('lpop', KEYS[1])
if not job then
  return nil
end

local reserved = job
local ok, decoded = pcall(cjson.decode, job)
if ok and type(decoded) == 'table' then
  decoded['attempts'] = (tonumber(decoded['attempts']) or 0) + 1
  reserved = cjson.encode(decoded)
end
redis.call('zadd', KEYS[3], ARGV[2], reserved)
return {job, reserved}
`)

	// releaseScript moves one reserved entry to the delayed set.
	//
	// KEYS: delayed, reserved. ARGV: reserved payload, due time.
	releaseScript = redis.NewScript(`
redis.call('zrem', KEYS[2], ARGV[1])
redis.call('zadd', KEYS[1], ARGV[2], ARGV[1])
return true
`)
)

// Client is the subset of the go-redis API used by Queue. *redis.Client and
// *redis.ClusterClient satisfy it.
type Client interface {
	redis.Scripter
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Config configures the redis queue.
type Config struct {
	URL        string
	Connection string
	Prefix     string
	// RetryAfter is how long a reservation may stay unacknowledged before the job
	// is put back on the ready list.
	RetryAfter       time.Duration
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	c.Prefix = strings.TrimSuffix(strings.TrimSpace(c.Prefix), ":")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = defaultRetryAfter
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Queue reserves jobs from redis lists and sorted sets.
type Queue struct {
	client     Client
	ownsClient bool
	resolver   jobs.Resolver
	log        logger.Logger
	config     Config
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Dial connects to cfg.URL and returns a queue owning the client.
func Dial(cfg Config, resolver jobs.Resolver, log logger.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Join(jobs.Errorf(jobs.ErrValidation, "parse redis url failed"), err)
	}
	client := redis.NewClient(opts)

	q, err := NewQueue(client, resolver, log, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	q.ownsClient = true

	ctx, cancel := context.WithTimeout(context.Background(), q.config.OperationTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, jobs.Retryable("ping redis", err)
	}
	return q, nil
}

// NewQueue creates a queue over an existing client. The client stays owned by the
// caller.
func NewQueue(client Client, resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "redis client is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Queue{
		client:   client,
		resolver: resolver,
		log:      log,
		config:   cfg,
		now:      time.Now,
	}, nil
}

// Pop reserves the next ready job on queue.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}

	spanCtx, span := q.span(ctx, tracing.SpanOperationMsgConsume, queue)
	defer span.End()
	opCtx, cancel := q.operationContext(spanCtx)
	defer cancel()

	now := q.now()
	result, err := popScript.Run(opCtx, q.client,
		[]string{q.readyKey(queue), q.delayedKey(queue), q.reservedKey(queue)},
		now.Unix(), now.Add(q.config.RetryAfter).Unix(), migrateBatch,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("reserve redis job", err)
	}
	if len(result) != 2 {
		err := jobs.Errorf(jobs.ErrRetryable, "unexpected pop reply with %d elements", len(result))
		tracing.RecordError(span, err)
		return nil, err
	}
	tracing.RecordSuccess(span)
	return q.newJob(queue, result[0], result[1]), nil
}

func (q *Queue) newJob(queue, body, reserved string) *jobs.Job {
	d := &delivery{queue: q, name: queue, body: body, reserved: reserved}
	d.id, d.attempts = inspect(body)
	return jobs.NewJob(d, q.resolver, q.config.Connection, queue)
}

func (q *Queue) deleteReserved(ctx context.Context, queue, reserved string) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()

	removed, err := q.client.ZRem(opCtx, q.reservedKey(queue), reserved).Result()
	if err != nil {
		return jobs.Retryable("delete reserved redis job", err)
	}
	if removed == 0 {
		jobs.RecordRedeliveryHazard(q.config.Connection, queue)
		q.log.Warn("jobs reserved entry not found on delete, job may be delivered again",
			"connection", q.config.Connection,
			"queue", queue,
			"error", jobs.ErrRedeliveryHazard,
		)
	}
	return nil
}

func (q *Queue) deleteAndRelease(ctx context.Context, queue, reserved string, delay time.Duration) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	spanCtx, span := q.span(ctx, tracing.SpanOperationMsgPublish, queue)
	defer span.End()
	opCtx, cancel := q.operationContext(spanCtx)
	defer cancel()

	err := releaseScript.Run(opCtx, q.client,
		[]string{q.delayedKey(queue), q.reservedKey(queue)},
		reserved, q.now().Add(delay).Unix(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		tracing.RecordError(span, err)
		return jobs.Retryable("release redis job", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// HealthCheck pings redis.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := q.operationContext(ctx)
	defer cancel()
	if err := q.client.Ping(opCtx).Err(); err != nil {
		return jobs.Retryable("ping redis", err)
	}
	return nil
}

// Close stops the queue, closing the client when it was created by Dial.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

func (q *Queue) ensureOpen() error {
	if q == nil || q.client == nil {
		return jobs.Errorf(jobs.ErrClosed, "redis queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "redis queue is closed")
	}
	return nil
}

func (q *Queue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, q.config.OperationTimeout)
}

func (q *Queue) span(ctx context.Context, operation tracing.SpanOperation, queue string) (context.Context, trace.Span) {
	return tracing.StartMessagingSpan(ctx, operation,
		tracing.WithMessagingSystem("redis"),
		tracing.WithMessagingDestination(queue),
	)
}

func (q *Queue) readyKey(queue string) string { return q.config.Prefix + ":" + queue }

func (q *Queue) delayedKey(queue string) string { return q.readyKey(queue) + ":delayed" }

func (q *Queue) reservedKey(queue string) string { return q.readyKey(queue) + ":reserved" }

// inspect reads the id and attempt count from an unreserved body. Bodies that do
// not decode count as a first attempt; Fire reports the decode error.
func inspect(body string) (string, int) {
	var head struct {
		ID       string `json:"id"`
		Attempts int    `json:"attempts"`
	}
	if err := json.Unmarshal([]byte(body), &head); err != nil {
		return "", 1
	}
	return head.ID, head.Attempts + 1
}

type delivery struct {
	queue    *Queue
	name     string
	body     string
	reserved string
	id       string
	attempts int
}

func (d *delivery) RawBody() []byte { return []byte(d.body) }

func (d *delivery) JobID() string { return d.id }

func (d *delivery) Attempts(context.Context) (int, error) { return d.attempts, nil }

func (d *delivery) Delete(ctx context.Context) error {
	return d.queue.deleteReserved(ctx, d.name, d.reserved)
}

// Release schedules the reserved copy, so the next reservation sees the
// incremented attempts.
func (d *delivery) Release(ctx context.Context, delay time.Duration) error {
	return d.queue.deleteAndRelease(ctx, d.name, d.reserved, delay)
}
