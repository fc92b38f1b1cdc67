// Package local runs jobs synchronously inside the dispatching process.
package local

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

// ConnectionName is the default connection name of the synchronous backend.
const ConnectionName = "sync"

type delivery struct {
	body []byte
}

func (d *delivery) RawBody() []byte                              { return d.body }
func (d *delivery) JobID() string                                { return "" }
func (d *delivery) Attempts(context.Context) (int, error)        { return 1, nil }
func (d *delivery) Delete(context.Context) error                 { return nil }
func (d *delivery) Release(context.Context, time.Duration) error { return nil }

// NewJob wraps body as a job that was never persisted. Delete and release only
// change its flags and attempts is always one.
func NewJob(body []byte, resolver jobs.Resolver, connection, queue string, opts ...jobs.JobOption) *jobs.Job {
	if connection == "" {
		connection = ConnectionName
	}
	return jobs.NewJob(&delivery{body: body}, resolver, connection, queue, opts...)
}

// Queue dispatches payloads inline. It satisfies jobs.Connector so that it can be
// selected like any other connection, but never holds jobs for a worker.
type Queue struct {
	resolver   jobs.Resolver
	codec      jobs.Codec
	connection string
	log        logger.Logger
	failed     jobs.FailedJobStore
}

// Option customizes a Queue.
type Option func(*Queue)

// WithFailedJobStore records jobs whose inline execution failed.
func WithFailedJobStore(store jobs.FailedJobStore) Option {
	return func(q *Queue) { q.failed = store }
}

// WithConnectionName overrides the connection name reported by jobs.
func WithConnectionName(name string) Option {
	return func(q *Queue) {
		if name != "" {
			q.connection = name
		}
	}
}

// NewQueue creates a synchronous queue.
func NewQueue(resolver jobs.Resolver, log logger.Logger, opts ...Option) (*Queue, error) {
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	q := &Queue{
		resolver:   resolver,
		codec:      jobs.DefaultCodec,
		connection: ConnectionName,
		log:        log,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Dispatch encodes payload and fires it immediately. A failing job is failed at
// once: its failure hook runs, it is recorded in the failed store and the handler
// error is returned to the caller.
func (q *Queue) Dispatch(ctx context.Context, queue string, payload *jobs.Payload) error {
	body, err := q.codec.Encode(payload)
	if err != nil {
		return err
	}
	return q.DispatchRaw(ctx, queue, body)
}

// DispatchRaw fires an already encoded body.
func (q *Queue) DispatchRaw(ctx context.Context, queue string, body []byte) error {
	job := NewJob(body, q.resolver, q.connection, queue, jobs.WithCodec(q.codec))
	log := q.log.With("connection", q.connection, "queue", queue, "job_name", job.ResolvedName())

	fireErr := job.Fire(ctx)
	if fireErr == nil {
		return job.Delete(ctx)
	}

	errs := []error{fireErr}
	if err := job.Delete(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete: %w", err))
	}
	if err := job.Failed(ctx, fireErr); err != nil {
		errs = append(errs, fmt.Errorf("failed hook: %w", err))
	}
	if q.failed != nil {
		if _, err := q.failed.Log(ctx, q.connection, queue, body, fireErr); err != nil {
			errs = append(errs, fmt.Errorf("failed job store: %w", err))
		}
	}
	log.Error("jobs sync dispatch failed", "error", fireErr)
	return errors.Join(errs...)
}

// Pop always reports an empty queue.
func (q *Queue) Pop(context.Context, string) (*jobs.Job, error) {
	return nil, nil
}

func (q *Queue) HealthCheck(context.Context) error { return nil }

func (q *Queue) Close() error { return nil }
