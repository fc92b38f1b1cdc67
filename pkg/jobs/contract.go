package jobs

import (
	"context"
	"encoding/json"
	"time"
)

// Delivery is one message reserved from a backend. Implementations own exactly one
// native message and must not touch any other entry of the queue.
//
// Job guarantees Delete and Release reach the delivery at most once, so
// implementations need not be idempotent themselves.
type Delivery interface {
	RawBody() []byte
	JobID() string
	Attempts(ctx context.Context) (int, error)
	Delete(ctx context.Context) error
	Release(ctx context.Context, delay time.Duration) error
}

// Burier is implemented by deliveries that can park a message outside the ready set.
type Burier interface {
	Bury(ctx context.Context) error
}

// Connector reserves jobs from a backend connection.
type Connector interface {
	// Pop reserves the next available job on queue. It returns (nil, nil) when the
	// queue is empty.
	Pop(ctx context.Context, queue string) (*Job, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// Handler is a target invoked through the default "fire" method.
type Handler interface {
	Fire(ctx context.Context, job *Job, data json.RawMessage) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job, data json.RawMessage) error

// Fire calls f.
func (f HandlerFunc) Fire(ctx context.Context, job *Job, data json.RawMessage) error {
	return f(ctx, job, data)
}

// MethodHandler is a target exposing named methods. It takes precedence over
// Handler for every method, "fire" included.
type MethodHandler interface {
	HandleMethod(ctx context.Context, method string, job *Job, data json.RawMessage) error
}

// FailureHandler receives the failure notification of a job that will not be retried.
type FailureHandler interface {
	Failed(ctx context.Context, data json.RawMessage, cause error) error
}

// Invocable is a target of the queued invocation wrappers.
type Invocable interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) error
}

// QueueAware targets receive the job that is running them before invocation.
type QueueAware interface {
	SetJob(job *Job)
}
