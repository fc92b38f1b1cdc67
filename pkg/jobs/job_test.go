package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestJob_FireResolvesTarget(t *testing.T) {
	registry := NewRegistry()
	handler := &recordingHandler{}
	_ = registry.RegisterInstance("SendEmailJob", handler)

	job, delivery := newTestJob(t, registry, `{"target":"SendEmailJob@fire","data":{"to":"a@b.com"}}`)
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if handler.callCount() != 1 || string(handler.calls[0]) != `{"to":"a@b.com"}` {
		t.Fatalf("unexpected calls %v", handler.calls)
	}
	if job.IsDeletedOrReleased() {
		t.Fatal("fire must not change disposal state")
	}
	if deletes, releases := delivery.counts(); deletes != 0 || releases != 0 {
		t.Fatalf("unexpected backend calls %d %d", deletes, releases)
	}
}

func TestJob_FireDefaultsToFireMethod(t *testing.T) {
	registry := NewRegistry()
	handler := &recordingHandler{}
	_ = registry.RegisterInstance("SendEmailJob", handler)

	job, _ := newTestJob(t, registry, `{"target":"SendEmailJob","data":[]}`)
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if handler.callCount() != 1 {
		t.Fatal("expected handler to run")
	}
}

type methodTarget struct {
	methods []string
}

func (m *methodTarget) HandleMethod(_ context.Context, method string, _ *Job, _ json.RawMessage) error {
	m.methods = append(m.methods, method)
	return nil
}

func TestJob_FireMethodHandler(t *testing.T) {
	registry := NewRegistry()
	target := &methodTarget{}
	_ = registry.RegisterInstance("Reports", target)

	job, _ := newTestJob(t, registry, `{"target":"Reports@generate","data":{}}`)
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if len(target.methods) != 1 || target.methods[0] != "generate" {
		t.Fatalf("unexpected methods %v", target.methods)
	}
}

func TestJob_FireErrors(t *testing.T) {
	registry := NewRegistry()
	_ = registry.RegisterInstance("Plain", &recordingHandler{})
	_ = registry.RegisterInstance("Opaque", struct{}{})
	_ = registry.RegisterInstance("Failing", &recordingHandler{err: errBoom})

	tests := []struct {
		name string
		body string
		want error
	}{
		{name: "malformed", body: `{`, want: ErrSerialization},
		{name: "unknown target", body: `{"target":"Missing@fire","data":{}}`, want: ErrNotFound},
		{name: "unknown method", body: `{"target":"Plain@other","data":{}}`, want: ErrNotFound},
		{name: "not invocable", body: `{"target":"Opaque@fire","data":{}}`, want: ErrNotFound},
		{name: "handler failure", body: `{"target":"Failing@fire","data":{}}`, want: ErrHandler},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, _ := newTestJob(t, registry, tt.body)
			err := job.Fire(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	job, _ := newTestJob(t, registry, `{"target":"Failing@fire","data":{}}`)
	if err := job.Fire(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("handler cause must stay reachable, got %v", err)
	}
}

func TestJob_DeleteIsIdempotent(t *testing.T) {
	job, delivery := newTestJob(t, NewRegistry(), `{"target":"A","data":{}}`)
	ctx := context.Background()

	if err := job.Delete(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := job.Delete(ctx); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if !job.IsDeleted() || !job.IsDeletedOrReleased() {
		t.Fatal("expected deleted state")
	}
	if deletes, _ := delivery.counts(); deletes != 1 {
		t.Fatalf("expected one backend removal, got %d", deletes)
	}
}

func TestJob_DisposalsAreExclusive(t *testing.T) {
	job, delivery := newTestJob(t, NewRegistry(), `{"target":"A","data":{}}`)
	ctx := context.Background()

	if err := job.Release(ctx, -time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := job.Release(ctx, time.Minute); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if err := job.Delete(ctx); err != nil {
		t.Fatalf("delete after release: %v", err)
	}

	deletes, releases := delivery.counts()
	if deletes != 0 || releases != 1 {
		t.Fatalf("expected a single release, got deletes=%d releases=%d", deletes, releases)
	}
	if delivery.lastDelay != 0 {
		t.Fatalf("negative delay must clamp to zero, got %s", delivery.lastDelay)
	}
	if !job.IsReleased() || job.IsDeleted() {
		t.Fatal("expected released state only")
	}
}

func TestJob_ConcurrentDeleteCallsBackendOnce(t *testing.T) {
	job, delivery := newTestJob(t, NewRegistry(), `{"target":"A","data":{}}`)

	var wg sync.WaitGroup
	for idx := 0; idx < 16; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = job.Delete(context.Background())
		}()
	}
	wg.Wait()

	if deletes, _ := delivery.counts(); deletes != 1 {
		t.Fatalf("expected one backend removal, got %d", deletes)
	}
}

func TestJob_Bury(t *testing.T) {
	job, _ := newTestJob(t, NewRegistry(), `{"target":"A","data":{}}`)
	if err := job.Bury(context.Background()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}

	delivery := &buryingDelivery{fakeDelivery: fakeDelivery{body: []byte(`{"target":"A","data":{}}`)}}
	buried := NewJob(delivery, NewRegistry(), "beanstalkd", "default")
	if err := buried.Bury(context.Background()); err != nil {
		t.Fatalf("bury: %v", err)
	}
	if err := buried.Delete(context.Background()); err != nil {
		t.Fatalf("delete after bury: %v", err)
	}
	if !buried.IsBuried() || !buried.IsDeletedOrReleased() || delivery.buryCalls != 1 || delivery.deleteCalls != 0 {
		t.Fatalf("unexpected bury state: buried=%v bury=%d delete=%d", buried.IsBuried(), delivery.buryCalls, delivery.deleteCalls)
	}
}

func TestJob_FailedResolvesFreshInstance(t *testing.T) {
	registry := NewRegistry()
	var instances []*recordingHandler
	registry.MustRegister("SendEmailJob", func() (any, error) {
		handler := &recordingHandler{}
		instances = append(instances, handler)
		return handler, nil
	})

	job, delivery := newTestJob(t, registry, `{"target":"SendEmailJob@fire","data":{}}`)
	if err := job.Failed(context.Background(), errBoom); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !job.HasFailed() {
		t.Fatal("expected failed flag")
	}
	if len(instances) != 1 || len(instances[0].failures) != 1 || !errors.Is(instances[0].failures[0], errBoom) {
		t.Fatalf("expected failure hook on a fresh instance, got %d instances", len(instances))
	}
	if deletes, _ := delivery.counts(); deletes != 0 {
		t.Fatal("failed must not delete")
	}
}

func TestJob_FailedWithUndecodableBody(t *testing.T) {
	job, _ := newTestJob(t, NewRegistry(), `not json`)
	if err := job.Failed(context.Background(), errBoom); err != nil {
		t.Fatalf("failed: %v", err)
	}
	if !job.HasFailed() {
		t.Fatal("expected failed flag")
	}
}

func TestJob_Hints(t *testing.T) {
	job, _ := newTestJob(t, NewRegistry(), `{"target":"A","data":{},"maxTries":4,"timeout":90}`)
	if tries, ok := job.MaxTries(); !ok || tries != 4 {
		t.Fatalf("unexpected max tries %d %v", tries, ok)
	}
	if timeout, ok := job.Timeout(); !ok || timeout != 90*time.Second {
		t.Fatalf("unexpected timeout %s %v", timeout, ok)
	}

	plain, _ := newTestJob(t, NewRegistry(), `{"target":"A","data":{}}`)
	if _, ok := plain.MaxTries(); ok {
		t.Fatal("expected no max tries hint")
	}
	if _, ok := plain.Timeout(); ok {
		t.Fatal("expected no timeout hint")
	}
}

func TestJob_Accessors(t *testing.T) {
	job, _ := newTestJob(t, NewRegistry(), `{"target":"A@fire","data":{"x":1},"displayName":"Import"}`)
	if job.ID() != "job-1" || job.Connection() != "test" || job.Queue() != "default" {
		t.Fatalf("unexpected identity %q %q %q", job.ID(), job.Connection(), job.Queue())
	}
	if job.Name() != "A@fire" || job.ResolvedName() != "Import" {
		t.Fatalf("unexpected names %q %q", job.Name(), job.ResolvedName())
	}
	if string(job.Data()) != `{"x":1}` {
		t.Fatalf("unexpected data %s", job.Data())
	}
	if attempts, err := job.Attempts(context.Background()); err != nil || attempts != 1 {
		t.Fatalf("unexpected attempts %d %v", attempts, err)
	}
}
