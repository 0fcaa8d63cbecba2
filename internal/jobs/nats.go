package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var propagator = propagation.TraceContext{}

// NATSConfig configures the NATS queue backend.
type NATSConfig struct {
	URL        string `yaml:"url"`
	Subject    string `yaml:"subject"`
	QueueGroup string `yaml:"queue_group"`
}

// DefaultNATSConfig returns the local NATS defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:        nats.DefaultURL,
		Subject:    "iocforge.jobs",
		QueueGroup: "iocforge-workers",
	}
}

// NATSQueue publishes job IDs to a subject and consumes them through a
// queue group, so each job runs on exactly one subscriber. The W3C trace
// context travels in the message headers.
type NATSQueue struct {
	nc      *nats.Conn
	config  NATSConfig
	handler Handler
	workers int
	tracer  trace.Tracer
	logger  *zap.Logger

	mu       sync.Mutex
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	stop     chan struct{}
	wg       sync.WaitGroup
	ownsConn bool
}

// NewNATSQueue wraps an established connection.
func NewNATSQueue(nc *nats.Conn, cfg NATSConfig, handler Handler, workers int, logger *zap.Logger) *NATSQueue {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSQueue{
		nc:      nc,
		config:  cfg,
		handler: handler,
		workers: workers,
		tracer:  otel.Tracer("iocforge/jobs"),
		logger:  logger.With(zap.String("component", "job-queue"), zap.String("backend", "nats")),
		stop:    make(chan struct{}),
	}
}

// Enqueue publishes the job ID with the caller's trace context.
func (q *NATSQueue) Enqueue(ctx context.Context, jobID string) error {
	msg := &nats.Msg{Subject: q.config.Subject, Data: []byte(jobID), Header: nats.Header{}}
	injectTrace(ctx, msg.Header)
	if err := q.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing job %s: %w", jobID, err)
	}
	return nil
}

// Start subscribes to the queue group and launches the workers.
func (q *NATSQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return nil
	}

	q.msgs = make(chan *nats.Msg, q.workers*4)
	sub, err := q.nc.ChanQueueSubscribe(q.config.Subject, q.config.QueueGroup, q.msgs)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", q.config.Subject, err)
	}
	q.sub = sub

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("Job queue started",
		zap.String("subject", q.config.Subject),
		zap.String("queue_group", q.config.QueueGroup),
		zap.Int("workers", q.workers))
	return nil
}

func (q *NATSQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case msg := <-q.msgs:
			q.consume(ctx, msg)
		}
	}
}

func (q *NATSQueue) consume(ctx context.Context, msg *nats.Msg) {
	jobID := string(msg.Data)
	ctx = extractTrace(ctx, msg.Header)
	ctx, span := q.tracer.Start(ctx, "jobs.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", msg.Subject),
			attribute.String("iocforge.job_id", jobID),
		))
	defer span.End()

	if err := q.handler(ctx, jobID); err != nil {
		span.RecordError(err)
		q.logger.Error("Job failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

// Close unsubscribes and waits for running jobs.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.stop:
		return nil
	default:
	}
	close(q.stop)

	var err error
	if q.sub != nil {
		err = q.sub.Unsubscribe()
	}
	q.wg.Wait()
	if q.ownsConn {
		q.nc.Close()
	}
	return err
}

func injectTrace(ctx context.Context, hdr nats.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
}

func extractTrace(ctx context.Context, hdr nats.Header) context.Context {
	if hdr == nil {
		return ctx
	}
	return propagator.Extract(ctx, propagation.HeaderCarrier(hdr))
}
