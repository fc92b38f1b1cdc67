package beanstalkd

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/beanstalkd/go-beanstalk"
	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
)

const testBody = `{"target":"SendEmailJob@fire","data":{"to":"a@b.com"}}`

type fakeJob struct {
	tube     string
	body     []byte
	reserves int
	state    string
	delay    time.Duration
	priority uint32
}

// fakeConn is an in-memory beanstalkd keeping jobs by id and counting reserves.
type fakeConn struct {
	mu         sync.Mutex
	nextID     uint64
	jobs       map[uint64]*fakeJob
	deletes    int
	releases   int
	reserveErr error
	closed     bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{jobs: make(map[uint64]*fakeJob)}
}

func (c *fakeConn) put(tube, body string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.jobs[c.nextID] = &fakeJob{tube: tube, body: []byte(body), state: "ready"}
	return c.nextID
}

func (c *fakeConn) job(id uint64) *fakeJob {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobs[id]
}

func (c *fakeConn) ReserveFrom(tube string, _ time.Duration) (uint64, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserveErr != nil {
		return 0, nil, c.reserveErr
	}
	for id := uint64(1); id <= c.nextID; id++ {
		job, ok := c.jobs[id]
		if !ok || job.tube != tube || job.state != "ready" || job.delay > 0 {
			continue
		}
		job.state = "reserved"
		job.reserves++
		return id, job.body, nil
	}
	return 0, nil, beanstalk.ConnError{Op: "reserve-with-timeout", Err: beanstalk.ErrTimeout}
}

func (c *fakeConn) Delete(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletes++
	if _, ok := c.jobs[id]; !ok {
		return beanstalk.ConnError{Op: "delete", Err: beanstalk.ErrNotFound}
	}
	delete(c.jobs, id)
	return nil
}

func (c *fakeConn) Release(id uint64, pri uint32, delay time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
	job, ok := c.jobs[id]
	if !ok || job.state != "reserved" {
		return beanstalk.ConnError{Op: "release", Err: beanstalk.ErrNotFound}
	}
	job.state, job.priority, job.delay = "ready", pri, delay
	return nil
}

func (c *fakeConn) Bury(id uint64, pri uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok || job.state != "reserved" {
		return beanstalk.ConnError{Op: "bury", Err: beanstalk.ErrNotFound}
	}
	job.state, job.priority = "buried", pri
	return nil
}

func (c *fakeConn) StatsJob(id uint64) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.jobs[id]
	if !ok {
		return nil, beanstalk.ConnError{Op: "stats-job", Err: beanstalk.ErrNotFound}
	}
	return map[string]string{"reserves": strconv.Itoa(job.reserves), "state": job.state}, nil
}

func (c *fakeConn) Stats() (map[string]string, error) {
	return map[string]string{"current-jobs-ready": "0"}, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	queue, err := NewQueue(conn, jobs.NewRegistry(), logger.Nop(), Config{})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return queue, conn
}

func TestQueue_PopReportsReserves(t *testing.T) {
	queue, conn := newTestQueue(t)
	id := conn.put("emails", testBody)

	job, err := queue.Pop(context.Background(), "emails")
	if err != nil || job == nil {
		t.Fatalf("pop: %v %v", job, err)
	}
	if job.ID() != strconv.FormatUint(id, 10) || job.Queue() != "emails" || job.Connection() != ConnectionName {
		t.Fatalf("unexpected identity %q %q %q", job.ID(), job.Queue(), job.Connection())
	}
	if attempts, err := job.Attempts(context.Background()); err != nil || attempts != 1 {
		t.Fatalf("expected one reserve, got %d %v", attempts, err)
	}
}

func TestQueue_PopEmptyTube(t *testing.T) {
	queue, conn := newTestQueue(t)
	conn.put("other", testBody)

	job, err := queue.Pop(context.Background(), "emails")
	if err != nil || job != nil {
		t.Fatalf("expected empty pop, got %v %v", job, err)
	}
}

func TestQueue_PopConnectionError(t *testing.T) {
	queue, conn := newTestQueue(t)
	conn.reserveErr = beanstalk.ConnError{Op: "reserve-with-timeout", Err: errors.New("broken pipe")}

	if _, err := queue.Pop(context.Background(), "emails"); !errors.Is(err, jobs.ErrRetryable) {
		t.Fatalf("expected ErrRetryable, got %v", err)
	}
}

func TestBeanstalkdJob_DeleteOnce(t *testing.T) {
	queue, conn := newTestQueue(t)
	id := conn.put("emails", testBody)
	job, _ := queue.Pop(context.Background(), "emails")

	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if conn.deletes != 1 || conn.job(id) != nil {
		t.Fatalf("expected one delete, got %d", conn.deletes)
	}
}

func TestBeanstalkdJob_ReleaseIncrementsReservesOnNextPop(t *testing.T) {
	queue, conn := newTestQueue(t)
	id := conn.put("emails", testBody)
	job, _ := queue.Pop(context.Background(), "emails")

	if err := job.Release(context.Background(), 0); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := job.Release(context.Background(), 0); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if conn.releases != 1 {
		t.Fatalf("expected one release, got %d", conn.releases)
	}
	if got := conn.job(id).priority; got != DefaultPriority {
		t.Fatalf("expected priority %d, got %d", DefaultPriority, got)
	}

	again, err := queue.Pop(context.Background(), "emails")
	if err != nil || again == nil {
		t.Fatalf("pop after release: %v %v", again, err)
	}
	if attempts, _ := again.Attempts(context.Background()); attempts != 2 {
		t.Fatalf("expected two reserves, got %d", attempts)
	}
}

func TestBeanstalkdJob_ReleaseWithDelay(t *testing.T) {
	queue, conn := newTestQueue(t)
	id := conn.put("emails", testBody)
	job, _ := queue.Pop(context.Background(), "emails")

	if err := job.Release(context.Background(), 15*time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := conn.job(id).delay; got != 15*time.Second {
		t.Fatalf("expected 15s delay, got %v", got)
	}
	if again, _ := queue.Pop(context.Background(), "emails"); again != nil {
		t.Fatal("delayed job must not be reserved")
	}
}

func TestBeanstalkdJob_BuryIsTerminal(t *testing.T) {
	queue, conn := newTestQueue(t)
	id := conn.put("emails", testBody)
	job, _ := queue.Pop(context.Background(), "emails")

	if err := job.Bury(context.Background()); err != nil {
		t.Fatalf("bury: %v", err)
	}
	if !job.IsBuried() || !job.IsDeletedOrReleased() {
		t.Fatal("expected buried job to count as disposed")
	}
	if err := job.Delete(context.Background()); err != nil {
		t.Fatalf("delete after bury: %v", err)
	}
	if conn.deletes != 0 || conn.job(id).state != "buried" {
		t.Fatalf("buried job must stay buried, deletes=%d", conn.deletes)
	}
}

func TestBeanstalkdQueue_ProcessorRetriesThenFails(t *testing.T) {
	conn := newFakeConn()
	registry := jobs.NewRegistry()
	calls := 0
	_ = registry.RegisterInstance("SendEmailJob", jobs.HandlerFunc(func(context.Context, *jobs.Job, json.RawMessage) error {
		calls++
		return errors.New("smtp down")
	}))
	queue, _ := NewQueue(conn, registry, logger.Nop(), Config{})
	failed := jobs.NewMemoryFailedJobStore()
	processor, err := jobs.NewProcessor(logger.Nop(), jobs.RetryPolicy{MaxTries: 2, InitialBackoff: time.Nanosecond, MaxBackoff: time.Nanosecond}, jobs.WithFailedJobStore(failed))
	if err != nil {
		t.Fatalf("processor: %v", err)
	}
	id := conn.put("emails", testBody)

	for i := 0; i < 2; i++ {
		conn.mu.Lock()
		if job := conn.jobs[id]; job != nil {
			job.delay = 0
		}
		conn.mu.Unlock()
		job, err := queue.Pop(context.Background(), "emails")
		if err != nil || job == nil {
			t.Fatalf("pop %d: %v %v", i, job, err)
		}
		if err := processor.Process(context.Background(), job); err == nil {
			t.Fatalf("process %d should report the handler error", i)
		}
	}

	if calls != 2 {
		t.Fatalf("expected two attempts, got %d", calls)
	}
	if conn.job(id) != nil {
		t.Fatal("failed job should be deleted")
	}
	records, _ := failed.List(context.Background())
	if len(records) != 1 || records[0].Connection != ConnectionName || records[0].Queue != "emails" {
		t.Fatalf("unexpected failed records %+v", records)
	}
}

func TestBeanstalkdQueue_Lifecycle(t *testing.T) {
	if _, err := NewQueue(nil, jobs.NewRegistry(), logger.Nop(), Config{}); !errors.Is(err, jobs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	queue, conn := newTestQueue(t)
	if err := queue.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if err := queue.Close(); err != nil || !conn.closed {
		t.Fatalf("close: %v closed=%v", err, conn.closed)
	}
	if _, err := queue.Pop(context.Background(), "emails"); !errors.Is(err, jobs.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
