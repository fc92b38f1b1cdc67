// Package nsq runs jobs delivered by nsqd. Queue names are topics; every topic is
// consumed on one channel shared by all workers of the connection.
package nsq

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nsqio/go-nsq"
)

const (
	// ConnectionName is the default connection name of the nsq backend.
	ConnectionName = "nsq"

	defaultChannel     = "jobs"
	defaultMaxInFlight = 1
	defaultStopTimeout = 5 * time.Second
)

// Config configures the nsq queue.
type Config struct {
	Connection       string
	NSQDAddresses    []string
	LookupdAddresses []string
	Channel          string
	MaxInFlight      int
}

func (c *Config) normalize() error {
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	if strings.TrimSpace(c.Channel) == "" {
		c.Channel = defaultChannel
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = defaultMaxInFlight
	}
	if len(c.NSQDAddresses) == 0 && len(c.LookupdAddresses) == 0 {
		return jobs.Errorf(jobs.ErrValidation, "nsqd or nsqlookupd address is required")
	}
	return nil
}

// consumer is the part of *nsq.Consumer the queue manages.
type consumer interface {
	Stop()
	Connections() int
}

type dialFunc func(topic string, handler nsq.Handler) (consumer, error)

type topicConsumer struct {
	consumer consumer
	messages chan *nsq.Message
}

// Queue adapts nsq push consumers to jobs.Connector. A consumer is started for a
// topic on its first Pop and hands each message to exactly one Pop call.
type Queue struct {
	resolver jobs.Resolver
	log      logger.Logger
	config   Config
	dial     dialFunc

	mu        sync.Mutex
	consumers map[string]*topicConsumer
	stop      chan struct{}
	closed    bool
}

// NewQueue creates a queue connecting to the configured nsqd or nsqlookupd hosts.
func NewQueue(resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	q := &Queue{
		resolver:  resolver,
		log:       log,
		config:    cfg,
		consumers: make(map[string]*topicConsumer),
		stop:      make(chan struct{}),
	}
	q.dial = q.dialNSQ
	return q, nil
}

func (q *Queue) dialNSQ(topic string, handler nsq.Handler) (consumer, error) {
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = q.config.MaxInFlight
	c, err := nsq.NewConsumer(topic, q.config.Channel, nsqCfg)
	if err != nil {
		return nil, errors.Join(jobs.Errorf(jobs.ErrValidation, "create nsq consumer"), err)
	}
	c.SetLogger(&nsqLogger{log: q.log.With("topic", topic)}, nsq.LogLevelWarning)
	c.AddHandler(handler)

	if len(q.config.LookupdAddresses) > 0 {
		err = c.ConnectToNSQLookupds(q.config.LookupdAddresses)
	} else {
		err = c.ConnectToNSQDs(q.config.NSQDAddresses)
	}
	if err != nil {
		c.Stop()
		return nil, jobs.Retryable("connect nsq consumer", err)
	}
	return &nsqConsumer{Consumer: c}, nil
}

// Pop waits for the next message of topic queue until ctx is done, in which case
// the queue is reported empty.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}
	tc, err := q.topic(queue)
	if err != nil {
		return nil, err
	}

	select {
	case message := <-tc.messages:
		return NewJob(message, q.resolver, q.config.Connection, queue), nil
	case <-ctx.Done():
		return nil, nil
	case <-q.stop:
		return nil, jobs.Errorf(jobs.ErrClosed, "nsq queue is closed")
	}
}

func (q *Queue) topic(name string) (*topicConsumer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, jobs.Errorf(jobs.ErrClosed, "nsq queue is closed")
	}
	if tc, ok := q.consumers[name]; ok {
		return tc, nil
	}

	tc := &topicConsumer{messages: make(chan *nsq.Message)}
	c, err := q.dial(name, nsq.HandlerFunc(func(message *nsq.Message) error {
		message.DisableAutoResponse()
		select {
		case tc.messages <- message:
		case <-q.stop:
			message.RequeueWithoutBackoff(0)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	tc.consumer = c
	q.consumers[name] = tc
	return tc, nil
}

// HealthCheck fails when a started consumer has no live nsqd connection.
func (q *Queue) HealthCheck(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "nsq queue is closed")
	}
	for topic, tc := range q.consumers {
		if tc.consumer.Connections() == 0 {
			return jobs.Errorf(jobs.ErrRetryable, "nsq consumer for topic %q has no connections", topic)
		}
	}
	return nil
}

// Close stops every consumer. Messages not yet handed to Pop are requeued.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	consumers := q.consumers
	q.consumers = map[string]*topicConsumer{}
	q.mu.Unlock()

	for _, tc := range consumers {
		tc.consumer.Stop()
	}
	return nil
}

type nsqConsumer struct {
	*nsq.Consumer
}

func (c *nsqConsumer) Stop() {
	c.Consumer.Stop()
	select {
	case <-c.Consumer.StopChan:
	case <-time.After(defaultStopTimeout):
	}
}

func (c *nsqConsumer) Connections() int {
	return c.Consumer.Stats().Connections
}

type nsqLogger struct {
	log logger.Logger
}

func (l *nsqLogger) Output(_ int, s string) error {
	l.log.Warn("nsq consumer", "message", s)
	return nil
}
