package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBufferSize is the job channel capacity.
const DefaultBufferSize = 256

// jobTimeout bounds a single side effect.
const jobTimeout = 5 * time.Second

// Logger is the logging interface used by the worker.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type job struct {
	name string
	run  func(ctx context.Context) error
}

// Worker is a bounded, single-consumer job queue.
type Worker struct {
	jobs    chan job
	logger  Logger
	dropped atomic.Uint64
	failed  atomic.Uint64

	startOnce sync.Once
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewWorker creates a worker with the given buffer size.
func NewWorker(size int, logger Logger) *Worker {
	if size <= 0 {
		size = DefaultBufferSize
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Worker{
		jobs:   make(chan job, size),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Calling Start more than once has
// no effect.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		go w.drain()
	})
}

// Enqueue schedules fn without blocking. It reports false when the job was
// dropped because the queue is full or closed.
func (w *Worker) Enqueue(name string, fn func(ctx context.Context) error) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.jobs <- job{name: name, run: fn}:
		return true
	default:
		w.dropped.Add(1)
		w.logger.Warn("fan-out queue full, dropping job", "job", name, "dropped_total", w.dropped.Load())
		return false
	}
}

// Close stops accepting jobs, runs the ones already queued and waits for
// the worker to finish or ctx to expire.
func (w *Worker) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.jobs)
		w.mu.Unlock()
		w.Start()
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of jobs dropped so far.
func (w *Worker) Dropped() uint64 {
	return w.dropped.Load()
}

// Failed returns the number of jobs that returned an error.
func (w *Worker) Failed() uint64 {
	return w.failed.Load()
}

// Pending returns the number of queued jobs.
func (w *Worker) Pending() int {
	return len(w.jobs)
}

func (w *Worker) drain() {
	defer close(w.done)
	for j := range w.jobs {
		w.run(j)
	}
}

func (w *Worker) run(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			w.failed.Add(1)
			w.logger.Error("fan-out job panicked", "job", j.name, "panic", r)
		}
	}()
	if err := j.run(ctx); err != nil {
		w.failed.Add(1)
		w.logger.Error("fan-out job failed", "job", j.name, "error", err)
	}
}
