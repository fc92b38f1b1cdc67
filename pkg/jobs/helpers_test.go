package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

type jobsTestLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *jobsTestLogger) Debug(string, ...any) {}
func (l *jobsTestLogger) Info(string, ...any)  {}
func (l *jobsTestLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}
func (l *jobsTestLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}
func (l *jobsTestLogger) With(...any) logger.Logger {
	return l
}
func (l *jobsTestLogger) WithContext(context.Context) logger.Logger {
	return l
}

type fakeDelivery struct {
	body     []byte
	id       string
	attempts int

	mu           sync.Mutex
	deleteCalls  int
	releaseCalls int
	buryCalls    int
	lastDelay    time.Duration
	deleteErr    error
	attemptsErr  error
}

func (d *fakeDelivery) RawBody() []byte { return d.body }
func (d *fakeDelivery) JobID() string   { return d.id }

func (d *fakeDelivery) Attempts(context.Context) (int, error) {
	if d.attemptsErr != nil {
		return 0, d.attemptsErr
	}
	return d.attempts, nil
}

func (d *fakeDelivery) Delete(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteCalls++
	return d.deleteErr
}

func (d *fakeDelivery) Release(_ context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseCalls++
	d.lastDelay = delay
	return nil
}

func (d *fakeDelivery) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deleteCalls, d.releaseCalls
}

type buryingDelivery struct {
	fakeDelivery
}

func (d *buryingDelivery) Bury(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buryCalls++
	return nil
}

// recordingHandler records every invocation it receives.
type recordingHandler struct {
	mu       sync.Mutex
	calls    []json.RawMessage
	failures []error
	err      error
	onFire   func(job *Job)
}

func (h *recordingHandler) Fire(_ context.Context, job *Job, data json.RawMessage) error {
	h.mu.Lock()
	h.calls = append(h.calls, data)
	h.mu.Unlock()
	if h.onFire != nil {
		h.onFire(job)
	}
	return h.err
}

func (h *recordingHandler) Failed(_ context.Context, _ json.RawMessage, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, cause)
	return nil
}

func (h *recordingHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// recordingInvocable is a wrapper target.
type recordingInvocable struct {
	mu       sync.Mutex
	methods  []string
	args     []json.RawMessage
	failed   []json.RawMessage
	job      *Job
	err      error
	onInvoke func(job *Job)
}

func (r *recordingInvocable) SetJob(job *Job) { r.job = job }

func (r *recordingInvocable) Invoke(_ context.Context, method string, args json.RawMessage) error {
	r.mu.Lock()
	r.methods = append(r.methods, method)
	r.args = append(r.args, args)
	r.mu.Unlock()
	if r.onInvoke != nil {
		r.onInvoke(r.job)
	}
	return r.err
}

func (r *recordingInvocable) Failed(_ context.Context, data json.RawMessage, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, data)
	return nil
}

func newTestJob(t *testing.T, registry *Registry, body string) (*Job, *fakeDelivery) {
	t.Helper()
	delivery := &fakeDelivery{body: []byte(body), id: "job-1", attempts: 1}
	return NewJob(delivery, registry, "test", "default"), delivery
}

func encodePayload(t *testing.T, payload *Payload) string {
	t.Helper()
	raw, err := JSONCodec{}.Encode(payload)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	return string(raw)
}

var errBoom = errors.New("boom")
