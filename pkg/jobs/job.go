package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"
)

// Job is one reserved unit of work. It decodes the delivery body, dispatches it to
// the registered target and owns the disposal state of the underlying message.
type Job struct {
	delivery   Delivery
	resolver   Resolver
	codec      Codec
	connection string
	queue      string

	decodeOnce sync.Once
	payload    *Payload
	decodeErr  error

	mu       sync.Mutex
	deleted  bool
	released bool
	buried   bool
	failed   bool
}

// JobOption customizes a Job built by NewJob.
type JobOption func(*Job)

// WithCodec overrides the payload codec.
func WithCodec(codec Codec) JobOption {
	return func(j *Job) {
		if codec != nil {
			j.codec = codec
		}
	}
}

// NewJob wraps a reserved delivery.
func NewJob(delivery Delivery, resolver Resolver, connection, queue string, opts ...JobOption) *Job {
	job := &Job{
		delivery:   delivery,
		resolver:   resolver,
		codec:      DefaultCodec,
		connection: strings.TrimSpace(connection),
		queue:      strings.TrimSpace(queue),
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

// Fire decodes the payload, resolves its target and invokes the requested method.
// It never changes the disposal state on its own.
func (j *Job) Fire(ctx context.Context) error {
	payload, err := j.Payload()
	if err != nil {
		return err
	}
	if j.resolver == nil {
		return jobsError(ErrValidation, "job has no resolver")
	}

	class, method := ParseTarget(payload.Target)
	instance, err := j.resolver.Make(ctx, class)
	if err != nil {
		return err
	}
	if aware, ok := instance.(QueueAware); ok {
		aware.SetJob(j)
	}

	switch target := instance.(type) {
	case MethodHandler:
		err = target.HandleMethod(ctx, method, j, payload.Data)
	case Handler:
		if method != DefaultMethod {
			return Errorf(ErrNotFound, "target %q has no method %q", class, method)
		}
		err = target.Fire(ctx, j, payload.Data)
	default:
		return Errorf(ErrNotFound, "target %q is not invocable", class)
	}
	return handlerError(payload.Target, err)
}

// Failed marks the job as failed and notifies a fresh target instance when it
// implements FailureHandler. It does not delete the job.
func (j *Job) Failed(ctx context.Context, cause error) error {
	j.mu.Lock()
	j.failed = true
	j.mu.Unlock()

	// An undecodable body names no target to notify.
	payload, err := j.Payload()
	if err != nil || j.resolver == nil {
		return nil
	}

	class, _ := ParseTarget(payload.Target)
	instance, err := j.resolver.Make(ctx, class)
	if err != nil {
		return err
	}
	if handler, ok := instance.(FailureHandler); ok {
		return handler.Failed(ctx, payload.Data, cause)
	}
	return nil
}

// Delete acknowledges the job. Only the first disposal reaches the backend; later
// calls return nil.
func (j *Job) Delete(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disposedLocked() {
		return nil
	}
	j.deleted = true
	return j.delivery.Delete(ctx)
}

// Release returns the job to its queue after delay. Negative delays are treated as
// zero. Only the first disposal reaches the backend.
func (j *Job) Release(ctx context.Context, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disposedLocked() {
		return nil
	}
	j.released = true
	return j.delivery.Release(ctx, delay)
}

// Bury parks the job outside the ready set on backends supporting it.
func (j *Job) Bury(ctx context.Context) error {
	burier, ok := j.delivery.(Burier)
	if !ok {
		return Errorf(ErrUnsupported, "connection %q cannot bury jobs", j.connection)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.disposedLocked() {
		return nil
	}
	j.buried = true
	return burier.Bury(ctx)
}

func (j *Job) disposedLocked() bool {
	return j.deleted || j.released || j.buried
}

// Attempts returns how many times the job has been reserved, this reservation included.
func (j *Job) Attempts(ctx context.Context) (int, error) {
	return j.delivery.Attempts(ctx)
}

// MaxTries returns the payload hint. ok is false when the worker default applies.
func (j *Job) MaxTries() (int, bool) {
	payload, err := j.Payload()
	if err != nil || payload.MaxTries == nil {
		return 0, false
	}
	return *payload.MaxTries, true
}

// Timeout returns the payload hint. ok is false when the worker default applies.
func (j *Job) Timeout() (time.Duration, bool) {
	payload, err := j.Payload()
	if err != nil {
		return 0, false
	}
	return payload.TimeoutDuration()
}

// IsDeleted reports whether the job was deleted.
func (j *Job) IsDeleted() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.deleted
}

// IsReleased reports whether the job was released back to its queue.
func (j *Job) IsReleased() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.released
}

// IsBuried reports whether the job was buried.
func (j *Job) IsBuried() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buried
}

// HasFailed reports whether Failed ran for the job.
func (j *Job) HasFailed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.failed
}

// IsDeletedOrReleased reports whether any disposal (bury included) already happened.
func (j *Job) IsDeletedOrReleased() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.disposedLocked()
}

// Payload decodes the raw body once and caches the result, error included.
func (j *Job) Payload() (*Payload, error) {
	j.decodeOnce.Do(func() {
		j.payload, j.decodeErr = j.codec.Decode(j.delivery.RawBody())
	})
	return j.payload, j.decodeErr
}

// ID is the backend identifier of the message. It may be empty.
func (j *Job) ID() string { return j.delivery.JobID() }

// RawBody returns the bytes exactly as received.
func (j *Job) RawBody() []byte { return j.delivery.RawBody() }

// Connection names the connection the job was reserved from.
func (j *Job) Connection() string { return j.connection }

// Queue names the queue the job was reserved from.
func (j *Job) Queue() string { return j.queue }

// Name is the payload target, empty when the body cannot be decoded.
func (j *Job) Name() string {
	payload, err := j.Payload()
	if err != nil {
		return ""
	}
	return payload.Target
}

// ResolvedName is the name shown in logs and metrics.
func (j *Job) ResolvedName() string {
	payload, err := j.Payload()
	if err != nil {
		return ""
	}
	return ResolveName(payload.Target, payload)
}

// Data returns the payload data, nil when the body cannot be decoded.
func (j *Job) Data() json.RawMessage {
	payload, err := j.Payload()
	if err != nil {
		return nil
	}
	return payload.Data
}

func handlerError(target string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHandler) {
		return err
	}
	return errors.Join(jobsError(ErrHandler, target), err)
}
