package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func newInvokerRegistry(t *testing.T, target *recordingInvocable) *Registry {
	t.Helper()
	registry := NewRegistry()
	if err := RegisterQueuedInvokers(registry); err != nil {
		t.Fatalf("register invokers: %v", err)
	}
	_ = registry.RegisterInstance("Reports", target)
	return registry
}

func TestCallQueuedHandler_DeletesAfterSuccess(t *testing.T) {
	target := &recordingInvocable{}
	registry := newInvokerRegistry(t, target)

	payload, err := NewCallPayload("Reports", "generate", map[string]int{"year": 2026})
	if err != nil {
		t.Fatalf("call payload: %v", err)
	}
	job, delivery := newTestJob(t, registry, encodePayload(t, payload))

	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(target.methods) != 1 || target.methods[0] != "generate" {
		t.Fatalf("unexpected methods %v", target.methods)
	}
	if string(target.args[0]) != `{"year":2026}` {
		t.Fatalf("expected decoded args, got %s", target.args[0])
	}
	if target.job != job {
		t.Fatal("expected job injected into queue-aware target")
	}
	if !job.IsDeleted() {
		t.Fatal("expected job deleted after the call")
	}
	if deletes, releases := delivery.counts(); deletes != 1 || releases != 0 {
		t.Fatalf("unexpected backend calls deletes=%d releases=%d", deletes, releases)
	}
}

func TestCallQueuedHandler_SelfReleaseSkipsDelete(t *testing.T) {
	target := &recordingInvocable{onInvoke: func(job *Job) {
		_ = job.Release(context.Background(), 10*time.Second)
	}}
	registry := newInvokerRegistry(t, target)

	payload, _ := NewCallPayload("Reports", "generate", []string{})
	job, delivery := newTestJob(t, registry, encodePayload(t, payload))
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}

	deletes, releases := delivery.counts()
	if deletes != 0 || releases != 1 {
		t.Fatalf("wrapper must not delete a released job: deletes=%d releases=%d", deletes, releases)
	}
	if delivery.lastDelay != 10*time.Second {
		t.Fatalf("unexpected delay %s", delivery.lastDelay)
	}
}

func TestCallQueuedHandler_HandlerErrorLeavesJobInFlight(t *testing.T) {
	target := &recordingInvocable{err: errBoom}
	registry := newInvokerRegistry(t, target)

	payload, _ := NewCallPayload("Reports", "generate", nil)
	job, delivery := newTestJob(t, registry, encodePayload(t, payload))
	err := job.Fire(context.Background())
	if !errors.Is(err, errBoom) || !errors.Is(err, ErrHandler) {
		t.Fatalf("expected wrapped handler error, got %v", err)
	}
	if deletes, _ := delivery.counts(); deletes != 0 || job.IsDeletedOrReleased() {
		t.Fatal("failed call must not dispose the job")
	}
}

func TestCallQueuedHandler_ArgsMustBeSerializedString(t *testing.T) {
	registry := newInvokerRegistry(t, &recordingInvocable{})
	body := `{"target":"` + CallQueuedHandlerTarget + `","data":{"class":"Reports","method":"generate","args":{"year":1}}}`
	job, _ := newTestJob(t, registry, body)

	err := job.Fire(context.Background())
	if !errors.Is(err, ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if !IsTerminal(err) {
		t.Fatal("expected terminal failure")
	}
}

func TestCallQueuedHandler_FailedUsesFreshTarget(t *testing.T) {
	registry := NewRegistry()
	if err := RegisterQueuedInvokers(registry); err != nil {
		t.Fatalf("register invokers: %v", err)
	}
	var created []*recordingInvocable
	registry.MustRegister("Reports", func() (any, error) {
		target := &recordingInvocable{}
		created = append(created, target)
		return target, nil
	})

	payload, _ := NewCallPayload("Reports", "generate", map[string]string{"k": "v"})
	job, _ := newTestJob(t, registry, encodePayload(t, payload))
	if err := job.Failed(context.Background(), errBoom); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(created) != 1 || len(created[0].failed) != 1 || string(created[0].failed[0]) != `{"k":"v"}` {
		t.Fatalf("expected failure hook with decoded args, got %d targets", len(created))
	}
}

func TestCallQueuedListener_DecodesDoubleEncodedData(t *testing.T) {
	target := &recordingInvocable{}
	registry := newInvokerRegistry(t, target)

	body := `{"target":"` + CallQueuedListenerTarget + `","data":{"class":"Reports","method":"onLogin","data":"{\"user\":7}"}}`
	job, delivery := newTestJob(t, registry, body)
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if string(target.args[0]) != `{"user":7}` {
		t.Fatalf("expected decoded data, got %s", target.args[0])
	}
	if deletes, _ := delivery.counts(); deletes != 1 {
		t.Fatal("expected listener job deleted after handling")
	}
}

func TestCallQueuedListener_PlainData(t *testing.T) {
	target := &recordingInvocable{}
	registry := newInvokerRegistry(t, target)

	payload, err := NewListenerPayload("Reports", "", map[string]int{"user": 7})
	if err != nil {
		t.Fatalf("listener payload: %v", err)
	}
	job, _ := newTestJob(t, registry, encodePayload(t, payload))
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if target.methods[0] != "handle" || string(target.args[0]) != `{"user":7}` {
		t.Fatalf("unexpected invocation %v %s", target.methods, target.args[0])
	}
	if job.ResolvedName() != "Reports@handle" {
		t.Fatalf("unexpected resolved name %q", job.ResolvedName())
	}
}

func TestCallQueuedListener_StringDataStaysJSON(t *testing.T) {
	target := &recordingInvocable{}
	registry := newInvokerRegistry(t, target)

	payload, err := NewListenerPayload("Reports", "handle", "hello")
	if err != nil {
		t.Fatalf("listener payload: %v", err)
	}
	job, _ := newTestJob(t, registry, encodePayload(t, payload))
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !json.Valid(target.args[0]) || string(target.args[0]) != `"hello"` {
		t.Fatalf("expected the JSON string, got %s", target.args[0])
	}
	var got string
	if err := json.Unmarshal(target.args[0], &got); err != nil || got != "hello" {
		t.Fatalf("unexpected decoded data %q %v", got, err)
	}
}

func TestCallQueuedListener_FailedUsesProcessResolver(t *testing.T) {
	deliveryTarget := &recordingInvocable{}
	failureTarget := &recordingInvocable{}

	scoped := NewRegistry()
	_ = scoped.RegisterInstance("Audit", deliveryTarget)
	process := NewRegistry()
	_ = process.RegisterInstance("Audit", failureTarget)

	registry := NewRegistry()
	if err := RegisterQueuedInvokers(registry, WithTargetResolver(scoped), WithFailureResolver(process)); err != nil {
		t.Fatalf("register invokers: %v", err)
	}

	payload, _ := NewListenerPayload("Audit", "handle", []int{1})
	job, _ := newTestJob(t, registry, encodePayload(t, payload))
	if err := job.Failed(context.Background(), errBoom); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if len(failureTarget.failed) != 1 || len(deliveryTarget.failed) != 0 {
		t.Fatalf("expected failure routed through process resolver: process=%d scoped=%d", len(failureTarget.failed), len(deliveryTarget.failed))
	}

	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(deliveryTarget.methods) != 1 || len(failureTarget.methods) != 0 {
		t.Fatal("expected delivery routed through scoped resolver")
	}
}

func TestQueuedWrappers_RejectUnknownMethod(t *testing.T) {
	handler := NewCallQueuedHandler(NewRegistry())
	if err := handler.HandleMethod(context.Background(), "fire", nil, json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	listener := NewCallQueuedListener(NewRegistry(), nil)
	if err := listener.HandleMethod(context.Background(), "call", nil, json.RawMessage(`{}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNewCallPayload_EncodesArgsAsString(t *testing.T) {
	payload, err := NewCallPayload("Reports", "generate", map[string]int{"a": 1})
	if err != nil {
		t.Fatalf("call payload: %v", err)
	}
	var call QueuedCall
	if err := json.Unmarshal(payload.Data, &call); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	var args string
	if err := json.Unmarshal(call.Args, &args); err != nil {
		t.Fatalf("args must be a JSON string: %v", err)
	}
	if args != `{"a":1}` || payload.ID == "" || payload.Target != CallQueuedHandlerTarget {
		t.Fatalf("unexpected payload %+v args=%s", payload, args)
	}

	if _, err := NewCallPayload("", "x", nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}
