package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const (
	callMethod   = "call"
	handleMethod = "handle"
)

// QueuedCall is the data of a handler-call payload. Args is a JSON string holding
// the already serialized argument document.
type QueuedCall struct {
	Class  string          `json:"class"`
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

// CallQueuedHandler runs a wrapped handler call. It is registered under
// CallQueuedHandlerName and addressed by CallQueuedHandlerTarget.
type CallQueuedHandler struct {
	resolver Resolver
}

// NewCallQueuedHandler creates the wrapper. resolver locates the wrapped targets.
func NewCallQueuedHandler(resolver Resolver) *CallQueuedHandler {
	return &CallQueuedHandler{resolver: resolver}
}

// HandleMethod implements MethodHandler for the "call" method.
func (h *CallQueuedHandler) HandleMethod(ctx context.Context, method string, job *Job, data json.RawMessage) error {
	if method != callMethod {
		return Errorf(ErrNotFound, "%s has no method %q", CallQueuedHandlerName, method)
	}
	call, args, err := decodeQueuedCall(data)
	if err != nil {
		return err
	}
	return invokeWrapped(ctx, h.resolver, job, call.Class, call.Method, args)
}

// Failed notifies a fresh instance of the wrapped target with the decoded arguments.
func (h *CallQueuedHandler) Failed(ctx context.Context, data json.RawMessage, cause error) error {
	call, args, err := decodeQueuedCall(data)
	if err != nil {
		return err
	}
	return notifyWrapped(ctx, h.resolver, call.Class, args, cause)
}

func decodeQueuedCall(data json.RawMessage) (*QueuedCall, json.RawMessage, error) {
	var call QueuedCall
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, nil, errors.Join(jobsError(ErrSerialization, "decode queued call failed"), err)
	}
	if strings.TrimSpace(call.Class) == "" {
		return nil, nil, jobsError(ErrSerialization, "queued call class is required")
	}
	args, encoded, err := unwrapEncoded(call.Args)
	if err != nil {
		return nil, nil, err
	}
	if !encoded {
		return nil, nil, jobsError(ErrSerialization, "queued call args must be a serialized string")
	}
	if !json.Valid(args) {
		return nil, nil, jobsError(ErrSerialization, "queued call args are not valid JSON")
	}
	return &call, args, nil
}

// invokeWrapped resolves class, injects job into queue-aware targets, invokes
// method and deletes the job unless the target already disposed of it.
func invokeWrapped(ctx context.Context, resolver Resolver, job *Job, class, method string, args json.RawMessage) error {
	if resolver == nil {
		return jobsError(ErrValidation, "wrapper has no resolver")
	}
	instance, err := resolver.Make(ctx, class)
	if err != nil {
		return err
	}
	target, ok := instance.(Invocable)
	if !ok {
		return Errorf(ErrNotFound, "target %q is not invocable", class)
	}
	if aware, ok := instance.(QueueAware); ok && job != nil {
		aware.SetJob(job)
	}
	if strings.TrimSpace(method) == "" {
		method = handleMethod
	}
	if err := target.Invoke(ctx, method, args); err != nil {
		return err
	}
	if job != nil && !job.IsDeletedOrReleased() {
		return job.Delete(ctx)
	}
	return nil
}

func notifyWrapped(ctx context.Context, resolver Resolver, class string, args json.RawMessage, cause error) error {
	if resolver == nil {
		return nil
	}
	instance, err := resolver.Make(ctx, class)
	if err != nil {
		return err
	}
	if handler, ok := instance.(FailureHandler); ok {
		return handler.Failed(ctx, args, cause)
	}
	return nil
}

// NewCallPayload packages a handler call. args is serialized to JSON and stored
// as a string.
func NewCallPayload(class, method string, args any) (*Payload, error) {
	if strings.TrimSpace(class) == "" {
		return nil, jobsError(ErrInvalidArgument, "class is required")
	}
	if strings.TrimSpace(method) == "" {
		method = handleMethod
	}
	encodedArgs, err := MarshalData(args)
	if err != nil {
		return nil, err
	}
	wrappedArgs, err := MarshalData(string(encodedArgs))
	if err != nil {
		return nil, err
	}
	data, err := MarshalData(QueuedCall{Class: class, Method: method, Args: wrappedArgs})
	if err != nil {
		return nil, err
	}
	return &Payload{
		Version: PayloadSchemaVersion,
		ID:      uuid.NewString(),
		Target:  CallQueuedHandlerTarget,
		Data:    data,
	}, nil
}

// InvokerOption configures RegisterQueuedInvokers.
type InvokerOption func(*invokerOptions)

type invokerOptions struct {
	resolver        Resolver
	failureResolver Resolver
}

// WithTargetResolver sets the resolver used to locate wrapped targets during delivery.
func WithTargetResolver(resolver Resolver) InvokerOption {
	return func(o *invokerOptions) { o.resolver = resolver }
}

// WithFailureResolver sets the process-wide resolver used by listener failure hooks.
func WithFailureResolver(resolver Resolver) InvokerOption {
	return func(o *invokerOptions) { o.failureResolver = resolver }
}

// RegisterQueuedInvokers registers both wrapper tags on registry. Both resolvers
// default to registry itself.
func RegisterQueuedInvokers(registry *Registry, opts ...InvokerOption) error {
	if registry == nil {
		return jobsError(ErrInvalidArgument, "registry is required")
	}
	options := invokerOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.resolver == nil {
		options.resolver = registry
	}
	if options.failureResolver == nil {
		options.failureResolver = registry
	}

	handler := NewCallQueuedHandler(options.resolver)
	if err := registry.Register(CallQueuedHandlerName, func() (any, error) { return handler, nil }); err != nil {
		return err
	}
	listener := NewCallQueuedListener(options.resolver, options.failureResolver)
	return registry.Register(CallQueuedListenerName, func() (any, error) { return listener, nil })
}
