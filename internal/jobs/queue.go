package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("job queue closed")

// Queue delivers job IDs to a Handler.
type Queue interface {
	Enqueue(ctx context.Context, jobID string) error
	Start(ctx context.Context) error
	Close() error
}

// Config selects and sizes the queue backend.
type Config struct {
	Backend string     `yaml:"backend"` // local or nats
	Workers int        `yaml:"workers"`
	Buffer  int        `yaml:"buffer"`
	NATS    NATSConfig `yaml:"nats"`
}

// DefaultConfig returns a local queue with two workers.
func DefaultConfig() Config {
	return Config{
		Backend: "local",
		Workers: 2,
		Buffer:  256,
		NATS:    DefaultNATSConfig(),
	}
}

// LocalQueue is an in-process queue: a buffered channel drained by a fixed
// set of workers.
type LocalQueue struct {
	handler Handler
	workers int
	jobs    chan string
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
}

// NewLocalQueue creates a queue; call Start to begin processing.
func NewLocalQueue(handler Handler, workers, buffer int, logger *zap.Logger) *LocalQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalQueue{
		handler: handler,
		workers: workers,
		jobs:    make(chan string, buffer),
		stop:    make(chan struct{}),
		logger:  logger.With(zap.String("component", "job-queue"), zap.String("backend", "local")),
	}
}

// Enqueue blocks while the buffer is full, until ctx is done or the queue
// closes.
func (q *LocalQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- jobID:
		return nil
	case <-q.stop:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start launches the workers. Jobs run under ctx.
func (q *LocalQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if q.started {
		return nil
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("Job queue started", zap.Int("workers", q.workers))
	return nil
}

func (q *LocalQueue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case id := <-q.jobs:
			if err := q.handler(ctx, id); err != nil {
				q.logger.Error("Job failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}

// Close stops the workers after their current job. Buffered jobs that were
// not started stay queued in the store.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.stop)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}

// Open builds the configured backend. For nats it also dials the server;
// the returned queue owns the connection.
func Open(cfg Config, handler Handler, logger *zap.Logger) (Queue, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalQueue(handler, cfg.Workers, cfg.Buffer, logger), nil
	case "nats":
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("iocforge"))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.NATS.URL, err)
		}
		q := NewNATSQueue(nc, cfg.NATS, handler, cfg.Workers, logger)
		q.ownsConn = true
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
