package nsq

import (
	"context"
	"strings"
	"time"

	"github.com/nimburion/jobqueue/pkg/jobs"
	"github.com/nimburion/jobqueue/pkg/observability/logger"
	"github.com/nsqio/go-nsq"
)

type delivery struct {
	message *nsq.Message
}

func (d *delivery) RawBody() []byte { return d.message.Body }

func (d *delivery) JobID() string { return string(d.message.ID[:]) }

// Attempts is the delivery count kept by nsqd.
func (d *delivery) Attempts(context.Context) (int, error) { return int(d.message.Attempts), nil }

func (d *delivery) Delete(context.Context) error {
	d.message.Finish()
	return nil
}

func (d *delivery) Release(_ context.Context, delay time.Duration) error {
	d.message.RequeueWithoutBackoff(delay)
	return nil
}

// NewJob wraps a message whose auto response has been disabled.
func NewJob(message *nsq.Message, resolver jobs.Resolver, connection, topic string) *jobs.Job {
	if connection == "" {
		connection = ConnectionName
	}
	message.DisableAutoResponse()
	return jobs.NewJob(&delivery{message: message}, resolver, connection, topic)
}

// Handler is an nsq.Handler that runs every message through a processor. Messages
// are answered by the job itself, so HandleMessage always returns nil.
type Handler struct {
	processor  *jobs.Processor
	resolver   jobs.Resolver
	log        logger.Logger
	connection string
	topic      string
}

// NewHandler creates a handler for messages of topic.
func NewHandler(processor *jobs.Processor, resolver jobs.Resolver, log logger.Logger, connection, topic string) (*Handler, error) {
	if processor == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "processor is required")
	}
	if resolver == nil {
		return nil, jobs.Errorf(jobs.ErrInvalidArgument, "resolver is required")
	}
	if log == nil {
		log = logger.Nop()
	}
	if strings.TrimSpace(connection) == "" {
		connection = ConnectionName
	}
	return &Handler{
		processor:  processor,
		resolver:   resolver,
		log:        log,
		connection: connection,
		topic:      strings.TrimSpace(topic),
	}, nil
}

func (h *Handler) HandleMessage(message *nsq.Message) error {
	job := NewJob(message, h.resolver, h.connection, h.topic)
	if err := h.processor.Process(context.Background(), job); err != nil {
		h.log.Debug("nsq job attempt failed", "topic", h.topic, "job_id", job.ID(), "error", err)
	}
	if !message.HasResponded() {
		message.RequeueWithoutBackoff(0)
	}
	return nil
}
