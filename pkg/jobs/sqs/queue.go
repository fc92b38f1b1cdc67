// Package sqs implements the cloud job backend on Amazon SQS. Release changes the
// visibility of the received message and delete removes it by receipt handle.
package sqs

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
)

const (
	// ConnectionName is the default connection name of the SQS backend.
	ConnectionName = "sqs"

	// MaxVisibilityTimeout is the largest delay SQS accepts for a message.
	MaxVisibilityTimeout = 12 * time.Hour

	defaultQueue            = "default"
	defaultOperationTimeout = 30 * time.Second
	receiveCountAttribute   = "ApproximateReceiveCount"
)

// API is the subset of *sqs.Client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Config configures the SQS queue.
type Config struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	Connection string
	// Prefix is the account URL queue names are appended to, for example
	// https://sqs.eu-west-1.amazonaws.com/123456789012.
	Prefix string
	// Suffix is appended to queue names that do not already end with it.
	Suffix string
	// DefaultQueue is the queue HealthCheck reads attributes of.
	DefaultQueue      string
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	OperationTimeout  time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Connection) == "" {
		c.Connection = ConnectionName
	}
	c.Prefix = strings.TrimRight(strings.TrimSpace(c.Prefix), "/")
	if strings.TrimSpace(c.DefaultQueue) == "" {
		c.DefaultQueue = defaultQueue
	}
	if c.WaitTimeSeconds < 0 {
		c.WaitTimeSeconds = 0
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = defaultOperationTimeout
	}
}

// Queue receives jobs from SQS queues, one message per Pop.
type Queue struct {
	api      API
	resolver jobs.Resolver
	log      logger.Logger
	config   Config

	mu     sync.RWMutex
	closed bool
}

// New loads the AWS configuration for cfg and creates a queue.
func New(cfg Config, resolver jobs.Resolver, log logger.Logger) (*Queue, error) {
	if strings.TrimSpace(cfg.Region) == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "aws region is required")
	}

	loadOptions := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, errors.Join(jobs.Errorf(jobs.ErrValidation, "load aws config failed"), err)
	}

	var opts []func(*sqs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	return NewQueue(sqs.NewFromConfig(awsCfg, opts...), resolver, log, cfg)
}

// NewQueue creates a queue over api.
func NewQueue(api API, resolver jobs.Resolver, log logger.Logger, cfg Config) (*Queue, error) {
	if api == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "sqs client is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()
	return &Queue{api: api, resolver: resolver, log: log, config: cfg}, nil
}

// Pop receives at most one message from queue, which may be a name or a full
// queue URL.
func (q *Queue) Pop(ctx context.Context, queue string) (*jobs.Job, error) {
	if err := q.ensureOpen(); err != nil {
		return nil, err
	}
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "queue is required")
	}
	queueURL := q.QueueURL(queue)

	spanCtx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationMsgConsume,
		tracing.WithMessagingSystem("aws_sqs"),
		tracing.WithMessagingDestination(queue),
	)
	defer span.End()
	opCtx, cancel := q.operationContext(spanCtx)
	defer cancel()

	out, err := q.api.ReceiveMessage(opCtx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             q.config.WaitTimeSeconds,
		VisibilityTimeout:           q.config.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, jobs.Retryable("receive sqs message", err)
	}
	tracing.RecordSuccess(span)
	if out == nil || len(out.Messages) == 0 {
		return nil, nil
	}

	message := out.Messages[0]
	d := &delivery{queue: q, queueURL: queueURL, message: message}
	return jobs.NewJob(d, q.resolver, q.config.Connection, queue), nil
}

// QueueURL returns the URL of queue. Full URLs are returned unchanged.
func (q *Queue) QueueURL(queue string) string {
	if strings.HasPrefix(queue, "https://") || strings.HasPrefix(queue, "http://") {
		return queue
	}
	if q.config.Suffix != "" && !strings.HasSuffix(queue, q.config.Suffix) {
		queue += q.config.Suffix
	}
	if q.config.Prefix == "" {
		return queue
	}
	return q.config.Prefix + "/" + queue
}

// HealthCheck reads an attribute of the default queue.
func (q *Queue) HealthCheck(ctx context.Context) error {
	if err := q.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := q.api.GetQueueAttributes(opCtx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.QueueURL(q.config.DefaultQueue)),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return jobs.Retryable("sqs health check", err)
	}
	return nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *Queue) ensureOpen() error {
	if q == nil || q.api == nil {
		return jobs.Errorf(jobs.ErrClosed, "sqs queue is not initialized")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return jobs.Errorf(jobs.ErrClosed, "sqs queue is closed")
	}
	return nil
}

func (q *Queue) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := q.config.OperationTimeout
	if wait := time.Duration(q.config.WaitTimeSeconds) * time.Second; wait >= timeout {
		timeout = wait + time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// visibilitySeconds converts a release delay to whole seconds within SQS limits.
func visibilitySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > MaxVisibilityTimeout {
		delay = MaxVisibilityTimeout
	}
	return int32(math.Ceil(delay.Seconds()))
}

type delivery struct {
	queue    *Queue
	queueURL string
	message  types.Message
}

func (d *delivery) RawBody() []byte { return []byte(aws.ToString(d.message.Body)) }

func (d *delivery) JobID() string { return aws.ToString(d.message.MessageId) }

// Attempts is the approximate receive count reported by SQS.
func (d *delivery) Attempts(context.Context) (int, error) {
	raw, ok := d.message.Attributes[receiveCountAttribute]
	if !ok {
		return 0, jobs.Errorf(jobs.ErrRetryable, "sqs message has no %s attribute", receiveCountAttribute)
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0, jobs.Errorf(jobs.ErrRetryable, "sqs %s %q", receiveCountAttribute, raw)
	}
	return count, nil
}

func (d *delivery) Delete(ctx context.Context) error {
	if err := d.queue.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := d.queue.operationContext(ctx)
	defer cancel()
	_, err := d.queue.api.DeleteMessage(opCtx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(d.queueURL),
		ReceiptHandle: d.message.ReceiptHandle,
	})
	if err != nil {
		return jobs.Retryable("delete sqs message", err)
	}
	return nil
}

// Release makes the message visible again after delay.
func (d *delivery) Release(ctx context.Context, delay time.Duration) error {
	if err := d.queue.ensureOpen(); err != nil {
		return err
	}
	opCtx, cancel := d.queue.operationContext(ctx)
	defer cancel()
	_, err := d.queue.api.ChangeMessageVisibility(opCtx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(d.queueURL),
		ReceiptHandle:     d.message.ReceiptHandle,
		VisibilityTimeout: visibilitySeconds(delay),
	})
	if err != nil {
		return jobs.Retryable("change sqs message visibility", err)
	}
	return nil
}
