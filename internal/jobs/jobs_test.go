package jobs

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/iocforge/internal/entity"
	"github.com/lvonguyen/iocforge/internal/pipeline"
	"github.com/lvonguyen/iocforge/internal/repository"
)

// fakeEnricher answers each IOC according to its value.
type fakeEnricher struct {
	errs       map[string]error
	incomplete map[string]bool
	block      chan struct{}
}

func (f *fakeEnricher) EnrichBatch(ctx context.Context, iocs []entity.IOC, _ int, onDone pipeline.BatchFunc) error {
	for _, ioc := range iocs {
		if f.block != nil {
			select {
			case <-f.block:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := f.errs[ioc.Value]; err != nil {
			onDone(ioc, nil, err)
			continue
		}
		onDone(ioc, &pipeline.Outcome{IOCID: ioc.ID, Incomplete: f.incomplete[ioc.Value]}, nil)
	}
	return ctx.Err()
}

func seedJob(t *testing.T, values ...string) (*repository.Repository, *entity.Job) {
	t.Helper()
	repo, err := repository.Open(context.Background(), repository.Config{Path: ":memory:"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	iocs := make([]entity.IOC, 0, len(values))
	for _, v := range values {
		iocs = append(iocs, entity.IOC{Value: v, Type: entity.IOCTypeDomain})
	}
	job := &entity.Job{}
	_, err = repo.SaveUpload(context.Background(), &entity.Upload{Filename: "t.csv"}, iocs, job)
	require.NoError(t, err)
	return repo, job
}

// =============================================================================
// Runner
// =============================================================================

func TestRunner_Done(t *testing.T) {
	repo, job := seedJob(t, "a.com", "b.com", "c.com")
	enricher := &fakeEnricher{incomplete: map[string]bool{"c.com": true}}
	runner := NewRunner(repo, enricher, 2, nil, zaptest.NewLogger(t))

	require.NoError(t, runner.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusDone, got.Status)
	assert.Equal(t, 3, got.Processed)
	assert.Equal(t, 2, got.Successful)
	assert.Equal(t, 1, got.Failed)
	assert.Equal(t, 100.0, got.Progress())
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	assert.Contains(t, got.Message, "1 of 3")
}

func TestRunner_NoProvidersReadyIsIncomplete(t *testing.T) {
	repo, job := seedJob(t, "a.com", "b.com")
	enricher := &fakeEnricher{errs: map[string]error{
		"a.com": pipeline.ErrNoProvidersReady,
		"b.com": pipeline.ErrNoProvidersReady,
	}}
	runner := NewRunner(repo, enricher, 1, nil, zaptest.NewLogger(t))

	require.NoError(t, runner.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusIncomplete, got.Status)
	assert.Equal(t, 2, got.Failed)
	assert.Equal(t, pipeline.ErrNoProvidersReady.Error(), got.Message)
}

func TestRunner_AllPassesFailedIsError(t *testing.T) {
	repo, job := seedJob(t, "a.com")
	enricher := &fakeEnricher{errs: map[string]error{"a.com": errors.New("disk full")}}
	runner := NewRunner(repo, enricher, 1, nil, zaptest.NewLogger(t))

	require.NoError(t, runner.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusError, got.Status)
}

func TestRunner_SkipsJobsNotQueued(t *testing.T) {
	repo, job := seedJob(t, "a.com")
	enricher := &fakeEnricher{}
	runner := NewRunner(repo, enricher, 1, nil, zaptest.NewLogger(t))

	require.NoError(t, runner.Run(context.Background(), job.ID))
	require.NoError(t, runner.Run(context.Background(), job.ID))

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Processed, "second run is a no-op")

	assert.ErrorIs(t, runner.Run(context.Background(), "missing"), repository.ErrNotFound)
}

func TestRunner_CancelledJobRecordsError(t *testing.T) {
	repo, job := seedJob(t, "a.com")
	enricher := &fakeEnricher{block: make(chan struct{})}
	runner := NewRunner(repo, enricher, 1, nil, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, job.ID) }()

	require.Eventually(t, func() bool {
		got, err := repo.GetJob(context.Background(), job.ID)
		return err == nil && got.Status == entity.JobStatusRunning
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	got, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, entity.JobStatusError, got.Status)
	assert.Contains(t, got.Message, "cancelled")
}

// =============================================================================
// LocalQueue
// =============================================================================

func TestLocalQueue_ProcessesJobs(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	handler := func(ctx context.Context, id string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, id)
		return nil
	}

	q := NewLocalQueue(handler, 2, 8, zaptest.NewLogger(t))
	require.NoError(t, q.Start(context.Background()))
	for _, id := range []string{"j1", "j2", "j3"} {
		require.NoError(t, q.Enqueue(context.Background(), id))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(context.Background(), "j4"), ErrQueueClosed)
	assert.NoError(t, q.Close(), "close is idempotent")
}

func TestLocalQueue_EnqueueHonorsContextWhenFull(t *testing.T) {
	q := NewLocalQueue(func(context.Context, string) error { return nil }, 1, 1, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(context.Background(), "j1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, "j2"), context.DeadlineExceeded)
	require.NoError(t, q.Close())
}

func TestLocalQueue_HandlerErrorsDoNotStopWorkers(t *testing.T) {
	var calls atomic.Int32
	q := NewLocalQueue(func(context.Context, string) error {
		calls.Add(1)
		return errors.New("boom")
	}, 1, 4, zaptest.NewLogger(t))
	require.NoError(t, q.Start(context.Background()))
	defer q.Close()

	require.NoError(t, q.Enqueue(context.Background(), "a"))
	require.NoError(t, q.Enqueue(context.Background(), "b"))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestOpen_Backends(t *testing.T) {
	q, err := Open(Config{Backend: "local", Workers: 1}, func(context.Context, string) error { return nil }, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalQueue{}, q)

	_, err = Open(Config{Backend: "kafka"}, nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// NATS
// =============================================================================

func TestTracePropagationThroughHeaders(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	hdr := nats.Header{}
	injectTrace(ctx, hdr)
	assert.NotEmpty(t, propagation.HeaderCarrier(hdr).Get("traceparent"))

	extracted := trace.SpanContextFromContext(extractTrace(context.Background(), hdr))
	assert.Equal(t, span.SpanContext().TraceID(), extracted.TraceID())
	assert.True(t, extracted.IsRemote())

	assert.Equal(t, context.Background(), extractTrace(context.Background(), nil))
}

func TestNATSQueue_RoundTrip(t *testing.T) {
	url := os.Getenv("IOCFORGE_TEST_NATS_URL")
	if url == "" {
		t.Skip("IOCFORGE_TEST_NATS_URL not set")
	}

	got := make(chan string, 1)
	cfg := DefaultNATSConfig()
	cfg.URL = url
	cfg.Subject = "iocforge.test." + time.Now().Format("150405.000000")

	q, err := Open(Config{Backend: "nats", Workers: 1, NATS: cfg}, func(ctx context.Context, id string) error {
		got <- id
		return nil
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Start(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), "job-1"))

	select {
	case id := <-got:
		assert.Equal(t, "job-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("job not delivered")
	}
}
