// Package rabbitmq implements an AMQP 0-9-1 job backend. Jobs are fetched with
// basic.get, deleted with ack and released by republishing a copy with its attempt
// header raised. The original is acked only once the broker confirmed the copy and
// did not return it as unroutable.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ConnectionName is the default connection name of the rabbitmq backend.
	ConnectionName = "rabbitmq"

	// AttemptsHeader counts the attempts a message went through before it was
	// republished.
	AttemptsHeader = "x-attempts"

	delayQueueSuffix        = ".delay"
	defaultOperationTimeout = 30 * time.Second
	notifyBuffer            = 16
)

// Channel is the subset of *amqp.Channel used by Queue.
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(returns chan amqp.Return) chan amqp.Return
	IsClosed() bool
	Close() error
}

// Config configures the rabbitmq queue.
type Config struct {
	URL        string
	Connection string
	// DeclareQueues declares the worked queues before first use. Delay queues are
	// owned by the backend and always declared.
	DeclareQueues    bool
	OperationTimeout time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Queue reserves jobs from AMQP queues over a single channel.
type Queue struct {
	channel  Channel
	conn     *amqp.Connection
	resolver jobs.Resolver
	log      logger.Logger
	config   Config

	mu        sync.Mutex
	declared  map[string]bool
	confirms  chan amqp.Confirmation
	returns   chan amqp.Return
	published uint64
	closed    bool
}

// Dial connects to cfg.URL and opens the channel used by the queue.
func Dial(cfg Config, resolver jobs.Resolver, log logger.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "rabbitmq url is required")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, jobs.Retryable("connect to rabbitmq", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, jobs.Retryable("open rabbitmq channel", err)
	}
	q, err := NewQueue(channel, resolver, log, cfg)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// NewQueue puts channel in confirm mode and creates a queue over it. Close closes
// channel.
func NewQueue(channel Channel, resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if channel == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "rabbitmq channel is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	if err := channel.Confirm(false); err != nil {
		return nil, jobs.Retryable("enable rabbitmq publisher confirms", err)
	}
	return &Queue{
		channel:  channel,
		resolver: resolver,
		log:      log,
		config:   cfg,
		declared: make(map[string]bool),
		confirms: channel.NotifyPublish(make(chan amqp.Confirmation, notifyBuffer)),
		returns:  channel.NotifyReturn(make(chan amqp.Return, notifyBuffer)),
	}, nil
}

// Pop fetches one unacknowledged message from queue.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}
	_, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgConsume,
		tracing.WithMessagingSystem("rabbitmq"),
		tracing.WithMessagingDestination(queue),
	)
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpenLocked(); err != nil {
		return nil, err
	}
	if err := q.declareLocked(queue, nil); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	message, ok, err := q.channel.Get(queue, false)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("rabbitmq basic.get", err)
	}
	tracing.RecordSuccess(span)
	if !ok {
		return nil, nil
	}
	d := &delivery{queue: q, name: queue, message: message}
	return jobs.NewJob(d, q.resolver, q.config.Connection, queue), nil
}

func (q *Queue) declareLocked(name string, args amqp.Table) error {
	if !q.config.DeclareQueues {
		return nil
	}
	return q.ensureDeclaredLocked(name, args)
}

func (q *Queue) ensureDeclaredLocked(name string, args amqp.Table) error {
	if q.declared[name] {
		return nil
	}
	if _, err := q.channel.QueueDeclare(name, true, false, false, false, args); err != nil {
		return jobs.Retryable(fmt.Sprintf("declare rabbitmq queue %q", name), err)
	}
	q.declared[name] = true
	return nil
}

// republish publishes a copy of message with attempts recorded and acks the
// original. Delayed copies go to "<queue>.delay", which dead-letters expired
// messages back to queue. Per-message expiry only fires at the head of the delay
// queue, so a shorter delay can wait behind a longer one.
func (q *Queue) republish(ctx context.Context, queue string, message amqp.Delivery, attempts int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpenLocked(); err != nil {
		return err
	}

	spanCtx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgPublish,
		tracing.WithMessagingSystem("rabbitmq"),
		tracing.WithMessagingDestination(queue),
		tracing.WithMessagingMessageID(message.MessageId),
		tracing.WithMessagingPayloadSize(len(message.Body)),
	)
	defer span.End()

	publishing := amqp.Publishing{
		Headers:       withAttempts(message.Headers, attempts),
		ContentType:   message.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: message.CorrelationId,
		MessageId:     message.MessageId,
		Body:          message.Body,
	}
	target := queue
	if delay > 0 {
		target = queue + delayQueueSuffix
		if err := q.ensureDeclaredLocked(target, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": queue,
		}); err != nil {
			tracing.RecordError(span, err)
			return err
		}
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	opCtx, cancel := context.WithTimeout(spanCtx, q.config.OperationTimeout)
	defer cancel()
	q.drainReturnsLocked()
	if err := q.channel.PublishWithContext(opCtx, "", target, true, false, publishing); err != nil {
		tracing.RecordError(span, err)
		return jobs.Retryable("republish rabbitmq message", err)
	}
	q.published++
	if err := q.awaitConfirmLocked(opCtx, target); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if err := message.Ack(false); err != nil {
		tracing.RecordError(span, err)
		return jobs.Retryable("ack republished rabbitmq message", err)
	}
	tracing.RecordSuccess(span)
	return nil
}

// awaitConfirmLocked waits for the broker confirmation of the last publish.
// Confirmations of earlier publishes that timed out are skipped. A returned message
// is dispatched before its confirmation, so it is already buffered once the
// confirmation arrives.
func (q *Queue) awaitConfirmLocked(ctx context.Context, target string) error {
	for {
		select {
		case confirm, ok := <-q.confirms:
			if !ok {
				return jobs.Retryable("await rabbitmq publish confirm", amqp.ErrClosed)
			}
			if confirm.DeliveryTag < q.published {
				continue
			}
			if !confirm.Ack {
				return jobs.Errorf(jobs.ErrRetryable, "rabbitmq broker nacked message republished to %q", target)
			}
			select {
			case returned := <-q.returns:
				return jobs.Errorf(jobs.ErrRetryable, "rabbitmq returned message republished to %q: %s", target, returned.ReplyText)
			default:
				return nil
			}
		case <-ctx.Done():
			return jobs.Retryable("await rabbitmq publish confirm", ctx.Err())
		}
	}
}

func (q *Queue) drainReturnsLocked() {
	for {
		select {
		case <-q.returns:
		default:
			return
		}
	}
}

// HealthCheck reports whether the channel is still open.
func (q *Queue) HealthCheck(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ensureOpenLocked(); err != nil {
		return err
	}
	if q.channel.IsClosed() {
		return jobs.Errorf(jobs.ErrRetryable, "rabbitmq channel is closed")
	}
	return nil
}

// Close closes the channel and, when the queue was dialed, the connection.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var errs []error
	if err := q.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (q *Queue) ensureOpenLocked() error {
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "rabbitmq queue is closed")
	}
	return nil
}

func withAttempts(headers amqp.Table, attempts int) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for key, value := range headers {
		out[key] = value
	}
	out[AttemptsHeader] = int64(attempts)
	return out
}

// headerAttempts reads the attempt header. A missing or unreadable header counts
// as zero.
func headerAttempts(headers amqp.Table) int {
	switch v := headers[AttemptsHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case string:
		parsed, _ := strconv.Atoi(v)
		return parsed
	default:
		return 0
	}
}

type delivery struct {
	queue   *Queue
	name    string
	message amqp.Delivery
}

func (d *delivery) RawBody() []byte { return d.message.Body }

func (d *delivery) JobID() string {
	if d.message.MessageId != "" {
		return d.message.MessageId
	}
	return strconv.FormatUint(d.message.DeliveryTag, 10)
}

func (d *delivery) Attempts(context.Context) (int, error) {
	return headerAttempts(d.message.Headers) + 1, nil
}

func (d *delivery) Delete(context.Context) error {
	if err := d.message.Ack(false); err != nil {
		return jobs.Retryable("ack rabbitmq message", err)
	}
	return nil
}

func (d *delivery) Release(ctx context.Context, delay time.Duration) error {
	return d.queue.republish(ctx, d.name, d.message, headerAttempts(d.message.Headers)+1, delay)
}

// Bury rejects the message without requeue, handing it to the queue's dead letter
// exchange when one is configured.
func (d *delivery) Bury(context.Context) error {
	if err := d.message.Reject(false); err != nil {
		return jobs.Retryable("reject rabbitmq message", err)
	}
	return nil
}
