package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the scope of every span started by this module.
const instrumentationName = "github.com/nimburion/jobqueue"

// SpanOperation names a traced operation.
type SpanOperation string

const (
	SpanOperationDBQuery SpanOperation = "db.query"
	SpanOperationDBTx    SpanOperation = "db.transaction"

	SpanOperationMsgPublish SpanOperation = "messaging.publish"
	SpanOperationMsgConsume SpanOperation = "messaging.consume"
	SpanOperationMsgProcess SpanOperation = "messaging.process"
)

// verb is the operation without its namespace, used in span names.
func (o SpanOperation) verb() string {
	s := string(o)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (o SpanOperation) kind() trace.SpanKind {
	switch o {
	case SpanOperationMsgConsume, SpanOperationMsgProcess:
		return trace.SpanKindConsumer
	case SpanOperationMsgPublish:
		return trace.SpanKindProducer
	default:
		return trace.SpanKindClient
	}
}

// SpanOption adds attributes to a span before it starts.
type SpanOption func(*spanConfig)

// DatabaseSpanOption and MessagingSpanOption are kept apart in signatures to
// document which options a span understands.
type (
	DatabaseSpanOption  = SpanOption
	MessagingSpanOption = SpanOption
)

type spanConfig struct {
	target string
	attrs  []attribute.KeyValue
}

func (c *spanConfig) add(kv ...attribute.KeyValue) { c.attrs = append(c.attrs, kv...) }

// StartDatabaseSpan starts a client span named "<verb> <table>".
func StartDatabaseSpan(ctx context.Context, operation SpanOperation, opts ...DatabaseSpanOption) (context.Context, trace.Span) {
	return startSpan(ctx, operation, attribute.String("db.operation", string(operation)), opts)
}

// WithDBTable sets the table the statement runs against.
func WithDBTable(table string) DatabaseSpanOption {
	return func(c *spanConfig) {
		c.target = table
		c.add(attribute.String("db.table", table))
	}
}

// WithDBSystem sets the driver name, for example "postgres".
func WithDBSystem(system string) DatabaseSpanOption {
	return func(c *spanConfig) { c.add(attribute.String("db.system", system)) }
}

// StartMessagingSpan starts a span named "<queue> <verb>". Consume and process
// spans are consumer spans, publish spans are producer spans.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	return startSpan(ctx, operation, attribute.String("messaging.operation", operation.verb()), opts)
}

// WithMessagingSystem sets the backend, for example "redis" or "aws_sqs".
func WithMessagingSystem(system string) MessagingSpanOption {
	return func(c *spanConfig) { c.add(attribute.String("messaging.system", system)) }
}

// WithMessagingDestination sets the queue name.
func WithMessagingDestination(queue string) MessagingSpanOption {
	return func(c *spanConfig) {
		c.target = queue
		c.add(attribute.String("messaging.destination.name", queue))
	}
}

// WithMessagingMessageID sets the backend message id. Empty ids are skipped.
func WithMessagingMessageID(id string) MessagingSpanOption {
	return func(c *spanConfig) {
		if id != "" {
			c.add(attribute.String("messaging.message.id", id))
		}
	}
}

// WithMessagingPayloadSize sets the raw body size in bytes.
func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(c *spanConfig) { c.add(attribute.Int("messaging.message.body.size", size)) }
}

func startSpan(ctx context.Context, operation SpanOperation, base attribute.KeyValue, opts []SpanOption) (context.Context, trace.Span) {
	cfg := &spanConfig{attrs: []attribute.KeyValue{base}}
	for _, opt := range opts {
		opt(cfg)
	}

	name := operation.verb()
	if cfg.target != "" {
		if operation.kind() == trace.SpanKindClient {
			name = name + " " + cfg.target
		} else {
			name = cfg.target + " " + name
		}
	}
	return otel.Tracer(instrumentationName).Start(ctx, name,
		trace.WithSpanKind(operation.kind()),
		trace.WithAttributes(cfg.attrs...),
	)
}

// RecordError marks span failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks span ok.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
