package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nimburion/jobqueue/pkg/resilience"
)

const (
	DefaultWorkerPopTimeout  = 5 * time.Second
	DefaultWorkerIdleSleep   = time.Second
	DefaultWorkerStopTimeout = 10 * time.Second

	DefaultPopFailureThreshold = 5
	DefaultPopFailureCooldown  = 30 * time.Second

	workerErrorSleep = 100 * time.Millisecond
)

// WorkerConfig configures the poll loops of a Worker.
type WorkerConfig struct {
	// Connection labels the metrics the loops record before a job exists.
	Connection  string
	Queues      []string
	PopTimeout  time.Duration
	IdleSleep   time.Duration
	StopTimeout time.Duration

	// PopFailureThreshold consecutive pop errors pause a queue loop for
	// PopFailureCooldown. Zero selects the default, a negative value never pauses.
	PopFailureThreshold int
	PopFailureCooldown  time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.PopTimeout <= 0 {
		c.PopTimeout = DefaultWorkerPopTimeout
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultWorkerIdleSleep
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
	if c.PopFailureThreshold == 0 {
		c.PopFailureThreshold = DefaultPopFailureThreshold
	}
	if c.PopFailureCooldown <= 0 {
		c.PopFailureCooldown = DefaultPopFailureCooldown
	}
}

// Worker runs one poll loop per queue over a Connector and hands every reserved
// job to a Processor.
type Worker struct {
	connector Connector
	processor *Processor
	log       logger.Logger
	config    WorkerConfig

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWorker creates a worker.
func NewWorker(connector Connector, processor *Processor, log logger.Logger, cfg WorkerConfig) (*Worker, error) {
	if connector == nil {
		return nil, jobsError(ErrInvalidArgument, "connector is required")
	}
	if processor == nil {
		return nil, jobsError(ErrInvalidArgument, "processor is required")
	}
	if log == nil {
		return nil, jobsError(ErrInvalidArgument, "logger is required")
	}
	cfg.normalize()

	queues := make([]string, 0, len(cfg.Queues))
	for _, queue := range cfg.Queues {
		trimmed := strings.TrimSpace(queue)
		if trimmed != "" {
			queues = append(queues, trimmed)
		}
	}
	if len(queues) == 0 {
		return nil, jobsError(ErrInvalidArgument, "at least one non-empty queue is required")
	}
	cfg.Queues = queues

	return &Worker{
		connector: connector,
		processor: processor,
		log:       log,
		config:    cfg,
	}, nil
}

// Start launches the poll loops and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		return jobsError(ErrInvalidArgument, "context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return jobsError(ErrValidation, "worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	w.log.Info("jobs worker started", "queues", w.config.Queues)
	for _, queue := range w.config.Queues {
		w.wg.Add(1)
		go w.runQueueLoop(runCtx, queue)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop cancels the poll loops, waits for in-flight jobs and closes the connector.
// When ctx expires first the connector is closed anyway, so jobs still running
// fail their disposal and are redelivered by the backend.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		w.log.Warn("jobs worker stop timed out, closing connector with jobs in flight", "error", ctx.Err())
		return errors.Join(ctx.Err(), w.connector.Close())
	case <-waitCh:
		w.log.Info("jobs worker stopped")
		return w.connector.Close()
	}
}

func (w *Worker) runQueueLoop(ctx context.Context, queue string) {
	defer w.wg.Done()

	breaker := resilience.NewCircuitBreaker(w.config.PopFailureThreshold, w.config.PopFailureCooldown)
	for {
		if ctx.Err() != nil {
			return
		}
		if wait, ok := breaker.Allow(); !ok {
			if !sleepContext(ctx, wait) {
				return
			}
			continue
		}

		popCtx, cancel := context.WithTimeout(ctx, w.config.PopTimeout)
		job, err := w.connector.Pop(popCtx, queue)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				breaker.RecordSuccess()
			} else {
				recordPopError(w.config.Connection, queue)
				w.log.Warn("jobs pop failed", "queue", queue, "error", err)
				if breaker.RecordFailure() {
					w.log.Error("jobs queue paused after repeated pop failures",
						"queue", queue,
						"cooldown", w.config.PopFailureCooldown.String(),
					)
				}
			}
			if !sleepContext(ctx, workerErrorSleep) {
				return
			}
			continue
		}
		breaker.RecordSuccess()
		if job == nil {
			if !sleepContext(ctx, w.config.IdleSleep) {
				return
			}
			continue
		}

		// The job runs to completion on a context that outlives the loop cancellation.
		jobCtx := context.WithoutCancel(ctx)
		incrementJobInFlight(job.Connection(), queue)
		if err := w.processor.Process(jobCtx, job); err != nil {
			w.log.Warn("jobs processing failed",
				"queue", queue,
				"job_id", job.ID(),
				"job_name", job.ResolvedName(),
				"error", err,
			)
		}
		decrementJobInFlight(job.Connection(), queue)
	}
}

// HealthCheck delegates to the connector.
func (w *Worker) HealthCheck(ctx context.Context) error {
	return w.connector.HealthCheck(ctx)
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
