package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

// QueuedListener is the data of a queued listener payload. Data may arrive as a
// JSON string when a transport serialized the wrapper a second time.
type QueuedListener struct {
	Class  string          `json:"class"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data"`
}

// CallQueuedListener runs listeners that were queued instead of invoked inline.
type CallQueuedListener struct {
	resolver        Resolver
	failureResolver Resolver
}

// NewCallQueuedListener creates the wrapper. resolver is used during delivery and
// failureResolver when a failure is reported, possibly outside the delivery scope.
func NewCallQueuedListener(resolver, failureResolver Resolver) *CallQueuedListener {
	if failureResolver == nil {
		failureResolver = resolver
	}
	return &CallQueuedListener{resolver: resolver, failureResolver: failureResolver}
}

// HandleMethod implements MethodHandler for the "handle" method.
func (l *CallQueuedListener) HandleMethod(ctx context.Context, method string, job *Job, data json.RawMessage) error {
	if method != handleMethod {
		return Errorf(ErrNotFound, "%s has no method %q", CallQueuedListenerName, method)
	}
	listener, err := decodeQueuedListener(data)
	if err != nil {
		return err
	}
	return invokeWrapped(ctx, l.resolver, job, listener.Class, listener.Method, listener.Data)
}

// Failed resolves the listener through the process-wide resolver.
func (l *CallQueuedListener) Failed(ctx context.Context, data json.RawMessage, cause error) error {
	listener, err := decodeQueuedListener(data)
	if err != nil {
		return err
	}
	return notifyWrapped(ctx, l.failureResolver, listener.Class, listener.Data, cause)
}

func decodeQueuedListener(data json.RawMessage) (*QueuedListener, error) {
	var listener QueuedListener
	if err := json.Unmarshal(data, &listener); err != nil {
		return nil, errors.Join(jobsError(ErrSerialization, "decode queued listener failed"), err)
	}
	if strings.TrimSpace(listener.Class) == "" {
		return nil, jobsError(ErrSerialization, "queued listener class is required")
	}
	inner, encoded, err := unwrapEncoded(listener.Data)
	if err != nil {
		return nil, err
	}
	// A string that does not hold a JSON document is the data itself.
	if encoded && !json.Valid(inner) {
		inner = listener.Data
	}
	if len(inner) == 0 {
		inner = json.RawMessage("null")
	}
	listener.Data = inner
	return &listener, nil
}

// NewListenerPayload packages a queued listener invocation.
func NewListenerPayload(class, method string, data any) (*Payload, error) {
	if strings.TrimSpace(class) == "" {
		return nil, jobsError(ErrInvalidArgument, "class is required")
	}
	if strings.TrimSpace(method) == "" {
		method = handleMethod
	}
	encoded, err := MarshalData(data)
	if err != nil {
		return nil, err
	}
	wrapped, err := MarshalData(QueuedListener{Class: class, Method: method, Data: encoded})
	if err != nil {
		return nil, err
	}
	return &Payload{
		Version:     PayloadSchemaVersion,
		ID:          uuid.NewString(),
		Target:      CallQueuedListenerTarget,
		Data:        wrapped,
		DisplayName: FormatTarget(class, method),
	}, nil
}
