package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/observability/tracing"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMaxTries       = 5
	DefaultInitialBackoff = time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// RetryPolicy controls what happens to a job whose attempt failed.
type RetryPolicy struct {
	// MaxTries applies when the payload carries no maxTries hint. Zero selects
	// DefaultMaxTries, a negative value disables the limit.
	MaxTries       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *RetryPolicy) normalize() {
	if c.MaxTries == 0 {
		c.MaxTries = DefaultMaxTries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
}

// Processor applies the per-job contract a worker loop runs for every reserved job.
type Processor struct {
	log    logger.Logger
	retry  RetryPolicy
	failed FailedJobStore
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithFailedJobStore records jobs that will not be retried.
func WithFailedJobStore(store FailedJobStore) ProcessorOption {
	return func(p *Processor) { p.failed = store }
}

// NewProcessor creates a processor.
func NewProcessor(log logger.Logger, retry RetryPolicy, opts ...ProcessorOption) (*Processor, error) {
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	retry.normalize()
	p := &Processor{log: log, retry: retry}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Process runs job once. A successful run deletes the job unless its target already
// disposed of it. A failed run either releases the job with exponential backoff or,
// when the failure is terminal or attempts are exhausted, fails it. The returned
// error is the execution failure, joined with any disposal failure.
func (p *Processor) Process(ctx context.Context, job *Job) error {
	if job == nil {
		return jobsError(ErrInvalidArgument, "job is required")
	}
	started := time.Now()
	log := p.log.WithContext(logger.ContextWithJobID(ctx, job.ID())).With(
		"connection", job.Connection(),
		"queue", job.Queue(),
		"job_name", job.ResolvedName(),
	)

	traceCtx, span := tracing.StartMessagingSpan(
		ctx,
		tracing.SpanOperationMsgProcess,
		tracing.WithMessagingSystem(job.Connection()),
		tracing.WithMessagingDestination(job.Queue()),
		tracing.WithMessagingMessageID(job.ID()),
		tracing.WithMessagingPayloadSize(len(job.RawBody())),
	)
	defer span.End()

	attempts, err := job.Attempts(traceCtx)
	if err != nil {
		tracing.RecordError(span, err)
		log.Warn("jobs attempts lookup failed", "error", err)
		recordJobProcessed(job, "error", time.Since(started))
		return err
	}
	maxTries, limited := p.maxTries(job)
	span.SetAttributes(
		attribute.String("jobs.job_name", job.ResolvedName()),
		attribute.Int("jobs.attempt", attempts),
		attribute.Int("jobs.max_tries", maxTries),
	)
	if timeout, ok := job.Timeout(); ok {
		span.SetAttributes(attribute.Int64("jobs.timeout_ms", timeout.Milliseconds()))
	}
	log = log.With("attempt", attempts)

	if limited && attempts > maxTries {
		cause := Errorf(ErrMaxAttemptsExceeded, "%s has been attempted too many times", job.ResolvedName())
		tracing.RecordError(span, cause)
		return errors.Join(cause, p.fail(traceCtx, log, job, cause, "max_tries", started))
	}

	fireErr := p.fire(traceCtx, job)
	if fireErr == nil {
		if !job.IsDeletedOrReleased() {
			if err := job.Delete(traceCtx); err != nil {
				tracing.RecordError(span, err)
				recordJobProcessed(job, "error", time.Since(started))
				return fmt.Errorf("delete failed: %w", err)
			}
		}
		status := "success"
		if job.IsReleased() {
			status = "released"
		}
		recordJobProcessed(job, status, time.Since(started))
		tracing.RecordSuccess(span)
		log.Debug("jobs processed")
		return nil
	}

	tracing.RecordError(span, fireErr)
	switch {
	case IsTerminal(fireErr):
		return errors.Join(fireErr, p.fail(traceCtx, log, job, fireErr, "serialization", started))
	case limited && attempts >= maxTries:
		return errors.Join(fireErr, p.fail(traceCtx, log, job, fireErr, "max_tries", started))
	}

	if job.IsDeletedOrReleased() {
		recordJobProcessed(job, "error", time.Since(started))
		return fireErr
	}
	backoff := exponentialBackoff(attempts, p.retry.InitialBackoff, p.retry.MaxBackoff)
	if err := job.Release(traceCtx, backoff); err != nil {
		recordJobProcessed(job, "error", time.Since(started))
		return errors.Join(fireErr, fmt.Errorf("release failed: %w", err))
	}
	recordJobReleased(job)
	recordJobProcessed(job, "retry", time.Since(started))
	log.Warn("jobs attempt failed, released", "delay", backoff, "error", fireErr)
	return fireErr
}

func (p *Processor) fire(ctx context.Context, job *Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = handlerError(job.Name(), fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack())))
		}
	}()
	return job.Fire(ctx)
}

// fail deletes the job, runs its failure hook and records it in the failed store.
func (p *Processor) fail(ctx context.Context, log logger.Logger, job *Job, cause error, reason string, started time.Time) error {
	var errs []error
	if !job.IsDeletedOrReleased() {
		if err := job.Delete(ctx); err != nil {
			errs = append(errs, fmt.Errorf("delete failed: %w", err))
		}
	}
	if err := p.runFailedHook(ctx, job, cause); err != nil {
		errs = append(errs, fmt.Errorf("failed hook: %w", err))
	}
	if p.failed != nil {
		id, err := p.failed.Log(ctx, job.Connection(), job.Queue(), job.RawBody(), cause)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed job store: %w", err))
		} else {
			log = log.With("failed_id", id)
		}
	}
	recordJobFailed(job, reason)
	recordJobProcessed(job, "failed", time.Since(started))
	log.Error("jobs failed", "reason", reason, "error", cause)
	return errors.Join(errs...)
}

func (p *Processor) runFailedHook(ctx context.Context, job *Job, cause error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in failure hook: %v", rec)
		}
	}()
	return job.Failed(ctx, cause)
}

func (p *Processor) maxTries(job *Job) (int, bool) {
	if hint, ok := job.MaxTries(); ok {
		return hint, hint > 0
	}
	return p.retry.MaxTries, p.retry.MaxTries > 0
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max <= 0 {
		max = DefaultMaxBackoff
	}
	if attempt <= 0 {
		return initial
	}

	backoff := initial
	for idx := 1; idx < attempt; idx++ {
		if backoff >= max/2 {
			return max
		}
		backoff *= 2
	}
	if backoff > max {
		return max
	}
	return backoff
}
