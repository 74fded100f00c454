package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingLogger struct {
	mu     sync.Mutex
	warns  []string
	errors []string
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func closeWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestWorker_RunsJobsInOrder(t *testing.T) {
	w := NewWorker(8, nil)
	w.Start()

	var got []int
	for i := range 5 {
		w.Enqueue("append", func(context.Context) error {
			got = append(got, i)
			return nil
		})
	}
	closeWorker(t, w)

	if len(got) != 5 {
		t.Fatalf("ran %d jobs, want 5", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("job %d ran as %d", i, v)
		}
	}
}

func TestWorker_DropsWhenFull(t *testing.T) {
	logger := &recordingLogger{}
	w := NewWorker(2, logger)

	// Not started: the queue fills up.
	for range 2 {
		if !w.Enqueue("fill", func(context.Context) error { return nil }) {
			t.Fatal("Enqueue() dropped below capacity")
		}
	}
	if w.Enqueue("overflow", func(context.Context) error { return nil }) {
		t.Error("Enqueue() accepted beyond capacity")
	}
	if w.Dropped() != 1 || w.Pending() != 2 {
		t.Errorf("Dropped() = %d, Pending() = %d", w.Dropped(), w.Pending())
	}
	if len(logger.warns) != 1 {
		t.Errorf("warnings = %v, want one", logger.warns)
	}

	closeWorker(t, w)
	if w.Enqueue("late", func(context.Context) error { return nil }) {
		t.Error("Enqueue() accepted after Close")
	}
}

func TestWorker_FailuresAreLoggedAndIsolated(t *testing.T) {
	logger := &recordingLogger{}
	w := NewWorker(4, logger)
	w.Start()

	ran := false
	w.Enqueue("fails", func(context.Context) error { return errors.New("disk full") })
	w.Enqueue("panics", func(context.Context) error { panic("boom") })
	w.Enqueue("works", func(context.Context) error { ran = true; return nil })
	closeWorker(t, w)

	if !ran {
		t.Error("job after failures did not run")
	}
	if w.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2", w.Failed())
	}
	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 2 {
		t.Errorf("errors logged = %v", logger.errors)
	}
}

func TestWorker_JobsGetDeadline(t *testing.T) {
	w := NewWorker(1, nil)
	w.Start()

	var hasDeadline bool
	w.Enqueue("deadline", func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})
	closeWorker(t, w)

	if !hasDeadline {
		t.Error("job context has no deadline")
	}
}
