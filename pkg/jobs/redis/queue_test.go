package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const testBody = `{"id":"job-1","target":"SendEmailJob@fire","data":{"to":"a@b.com"}}`

type recordingLogger struct {
	mu    sync.Mutex
	warns []recordedEntry
}

type recordedEntry struct {
	msg  string
	args []any
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, recordedEntry{msg: msg, args: args})
}
func (l *recordingLogger) Error(string, ...any)                      {}
func (l *recordingLogger) With(...any) logger.Logger                 { return l }
func (l *recordingLogger) WithContext(context.Context) logger.Logger { return l }

func (l *recordingLogger) hazardWarnings() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := 0
	for _, entry := range l.warns {
		for _, arg := range entry.args {
			if err, ok := arg.(error); ok && errors.Is(err, jobs.ErrRedeliveryHazard) {
				count++
			}
		}
	}
	return count
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestQueue(t *testing.T) (*Queue, *fakeClient, *clock, *recordingLogger) {
	t.Helper()
	client := newFakeClient()
	log := &recordingLogger{}
	queue, err := NewQueue(client, jobs.NewRegistry(), log, Config{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	c := &clock{now: time.Unix(1_770_000_000, 0)}
	queue.now = c.Now
	return queue, client, c, log
}

func TestQueue_PopReservesIncrementedCopy(t *testing.T) {
	queue, client, c, _ := newTestQueue(t)
	client.push("queues:default", testBody)

	job, err := queue.Pop(context.Background(), "default")
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if job.ID() != "job-1" || job.Connection() != ConnectionName || job.Queue() != "default" {
		t.Fatalf("unexpected identity %q %q %q", job.ID(), job.Connection(), job.Queue())
	}
	if string(job.RawBody()) != testBody {
		t.Fatalf("body must be the unreserved payload, got %s", job.RawBody())
	}
	if attempts, _ := job.Attempts(context.Background()); attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", attempts)
	}
	if len(client.list("queues:default")) != 0 {
		t.Fatal("ready list should be empty")
	}

	reserved := client.zset("queues:default:reserved")
	if len(reserved) != 1 {
		t.Fatalf("expected one reserved entry, got %d", len(reserved))
	}
	for member, score := range reserved {
		var decoded struct {
			Attempts int `json:"attempts"`
		}
		if err := json.Unmarshal([]byte(member), &decoded); err != nil || decoded.Attempts != 1 {
			t.Fatalf("reserved copy should carry attempts 1, got %s", member)
		}
		if int64(score) != c.Now().Add(defaultRetryAfter).Unix() {
			t.Fatalf("unexpected reservation expiry %v", score)
		}
	}
}

func TestQueue_PopEmpty(t *testing.T) {
	queue, _, _, _ := newTestQueue(t)
	job, err := queue.Pop(context.Background(), "default")
	if err != nil || job != nil {
		t.Fatalf("expected empty pop, got %v %v", job, err)
	}
}

func TestQueue_PopBackendError(t *testing.T) {
	queue, client, _, _ := newTestQueue(t)
	client.evalErr = errors.New("connection reset")
	if _, err := queue.Pop(context.Background(), "default"); !errors.Is(err, jobs.ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestRedisJob_DeleteRemovesReservedEntryOnce(t *testing.T) {
	queue, client, _, log := newTestQueue(t)
	client.push("queues:default", testBody)
	job, _ := queue.Pop(context.Background(), "default")

	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if client.zremHits != 1 {
		t.Fatalf("expected one ZREM, got %d", client.zremHits)
	}
	if len(client.zset("queues:default:reserved")) != 0 {
		t.Fatal("reserved set should be empty")
	}
	if log.hazardWarnings() != 0 {
		t.Fatal("unexpected hazard warning")
	}
}

func TestRedisJob_ReleaseDelaysReservedCopy(t *testing.T) {
	queue, client, c, _ := newTestQueue(t)
	client.push("queues:default", testBody)
	job, _ := queue.Pop(context.Background(), "default")

	if err := job.Release(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(client.zset("queues:default:reserved")) != 0 {
		t.Fatal("reserved entry should be removed")
	}
	delayed := client.zset("queues:default:delayed")
	if len(delayed) != 1 {
		t.Fatalf("expected one delayed entry, got %d", len(delayed))
	}
	for _, score := range delayed {
		if int64(score) != c.Now().Add(30*time.Second).Unix() {
			t.Fatalf("unexpected due time %v", score)
		}
	}

	if early, _ := queue.Pop(context.Background(), "default"); early != nil {
		t.Fatal("delayed job must not be available early")
	}
	c.Advance(31 * time.Second)
	redelivered, err := queue.Pop(context.Background(), "default")
	if err != nil || redelivered == nil {
		t.Fatalf("pop after delay: %v %v", redelivered, err)
	}
	if attempts, _ := redelivered.Attempts(context.Background()); attempts != 2 {
		t.Fatalf("expected attempts 2 after release, got %d", attempts)
	}
}

func TestRedisJob_DeleteAfterReclaimIsRedeliveryHazard(t *testing.T) {
	queue, client, c, log := newTestQueue(t)
	client.push("queues:default", testBody)

	slow, _ := queue.Pop(context.Background(), "default")
	c.Advance(defaultRetryAfter + time.Second)

	// The expired reservation is put back and reserved again with a new string.
	second, err := queue.Pop(context.Background(), "default")
	if err != nil || second == nil {
		t.Fatalf("reclaim pop: %v %v", second, err)
	}
	if attempts, _ := second.Attempts(context.Background()); attempts != 2 {
		t.Fatalf("expected attempts 2 on reclaim, got %d", attempts)
	}

	if err := slow.Delete(context.Background()); err != nil {
		t.Fatalf("hazard delete must not fail: %v", err)
	}
	if log.hazardWarnings() != 1 {
		t.Fatalf("expected one hazard warning, got %d", log.hazardWarnings())
	}
	if len(client.zset("queues:default:reserved")) != 1 {
		t.Fatal("the newer reservation must be left untouched")
	}

	if err := second.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(client.zset("queues:default:reserved")) != 0 {
		t.Fatal("reserved set should be empty")
	}
}

func TestRedisQueue_FiresThroughRegistry(t *testing.T) {
	client := newFakeClient()
	registry := jobs.NewRegistry()
	var received json.RawMessage
	registry.MustRegister("SendEmailJob", func() (any, error) {
		return jobs.HandlerFunc(func(_ context.Context, _ *jobs.Job, data json.RawMessage) error {
			received = data
			return nil
		}), nil
	})
	queue, _ := NewQueue(client, registry, logger.Nop(), Config{Prefix: "app:queues:"})
	client.push("app:queues:emails", testBody)

	job, err := queue.Pop(context.Background(), "emails")
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if err := job.Fire(context.Background()); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if string(received) != `{"to":"a@b.com"}` {
		t.Fatalf("unexpected data %s", received)
	}
}

func TestRedisQueue_MalformedBodyCountsAsFirstAttempt(t *testing.T) {
	queue, client, _, _ := newTestQueue(t)
	client.push("queues:default", "not json")

	job, err := queue.Pop(context.Background(), "default")
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if attempts, _ := job.Attempts(context.Background()); attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", attempts)
	}
	if err := job.Fire(context.Background()); !errors.Is(err, jobs.ErrSerialization) {
		t.Fatalf("expected ErrSerialization, got %v", err)
	}
	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(client.zset("queues:default:reserved")) != 0 {
		t.Fatal("malformed entry should be removed")
	}
}

func TestRedisQueue_LifecycleAndValidation(t *testing.T) {
	if _, err := NewQueue(nil, jobs.NewRegistry(), logger.Nop(), Config{}); !errors.Is(err, jobs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := Dial(Config{}, jobs.NewRegistry(), logger.Nop()); !errors.Is(err, jobs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := Dial(Config{URL: "://bad"}, jobs.NewRegistry(), logger.Nop()); !errors.Is(err, jobs.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	queue, client, _, _ := newTestQueue(t)
	if err := queue.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	client.pingErr = errors.New("down")
	if err := queue.HealthCheck(context.Background()); !errors.Is(err, jobs.ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if client.closed {
		t.Fatal("caller-owned client must not be closed")
	}
	if _, err := queue.Pop(context.Background(), "default"); !errors.Is(err, jobs.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
