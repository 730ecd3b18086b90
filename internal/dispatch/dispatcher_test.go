package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type span struct {
	taskID string
	start  time.Time
	end    time.Time
}

// scriptedTranscriber records processing spans and can be told to fail or
// panic on specific task IDs.
type scriptedTranscriber struct {
	mu       sync.Mutex
	delay    time.Duration
	spans    []span
	failIDs  map[string]bool
	panicIDs map[string]int
	warmups  int
}

func newScriptedTranscriber(delay time.Duration) *scriptedTranscriber {
	return &scriptedTranscriber{
		delay:    delay,
		failIDs:  make(map[string]bool),
		panicIDs: make(map[string]int),
	}
}

func (s *scriptedTranscriber) Warmup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warmups++
	return nil
}

func (s *scriptedTranscriber) Transcribe(_ context.Context, task Task) (Transcript, error) {
	s.mu.Lock()
	if n := s.panicIDs[task.ID]; n > 0 {
		s.panicIDs[task.ID] = n - 1
		s.mu.Unlock()
		panic("simulated worker crash")
	}
	fail := s.failIDs[task.ID]
	s.mu.Unlock()

	start := time.Now()
	time.Sleep(s.delay)
	end := time.Now()

	s.mu.Lock()
	s.spans = append(s.spans, span{taskID: task.ID, start: start, end: end})
	s.mu.Unlock()

	if fail {
		return Transcript{}, fmt.Errorf("model rejected audio")
	}
	return Transcript{
		TaskID:    task.ID,
		SessionID: task.SessionID,
		Text:      "bonjour " + task.ID,
	}, nil
}

func (s *scriptedTranscriber) snapshot() []span {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]span, len(s.spans))
	copy(out, s.spans)
	return out
}

func newTestDispatcher(t *testing.T, workers int, tr Transcriber) *Dispatcher {
	t.Helper()
	q := NewMemoryQueue(16, time.Minute)
	d := New(q, tr, Config{Workers: workers, SweepInterval: 20 * time.Millisecond}, zerolog.Nop(), nil)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

func TestSubmitAndAwait(t *testing.T) {
	tr := newScriptedTranscriber(0)
	d := newTestDispatcher(t, 1, tr)

	h, err := d.Submit(context.Background(), Task{SessionID: "s1", AudioB64: "cGNt", Language: "fr"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if h.TaskID == "" {
		t.Fatalf("handle should carry a generated task ID")
	}

	transcript, err := d.Await(context.Background(), h, 2*time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if transcript.SessionID != "s1" || transcript.Text == "" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}
}

func TestSingleWorkerProcessesSequentially(t *testing.T) {
	tr := newScriptedTranscriber(40 * time.Millisecond)
	d := newTestDispatcher(t, 1, tr)

	h1, err := d.Submit(context.Background(), Task{ID: "a", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Submit(a) error = %v", err)
	}
	h2, err := d.Submit(context.Background(), Task{ID: "b", SessionID: "s2"})
	if err != nil {
		t.Fatalf("Submit(b) error = %v", err)
	}

	if _, err := d.Await(context.Background(), h1, 2*time.Second); err != nil {
		t.Fatalf("Await(a) error = %v", err)
	}
	if _, err := d.Await(context.Background(), h2, 2*time.Second); err != nil {
		t.Fatalf("Await(b) error = %v", err)
	}

	spans := tr.snapshot()
	if len(spans) != 2 {
		t.Fatalf("processed %d tasks, want 2", len(spans))
	}
	first, second := spans[0], spans[1]
	if second.start.Before(first.end) {
		t.Fatalf("tasks overlapped on a 1-worker pool: first ended %v, second started %v", first.end, second.start)
	}
}

func TestAwaitSurfacesWorkerError(t *testing.T) {
	tr := newScriptedTranscriber(0)
	tr.failIDs["bad"] = true
	d := newTestDispatcher(t, 1, tr)

	h, err := d.Submit(context.Background(), Task{ID: "bad", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := d.Await(context.Background(), h, 2*time.Second); !errors.Is(err, ErrWorker) {
		t.Fatalf("Await() error = %v, want ErrWorker", err)
	}
}

func TestWorkerCrashRedelivers(t *testing.T) {
	tr := newScriptedTranscriber(0)
	tr.panicIDs["fragile"] = 1
	d := newTestDispatcher(t, 2, tr)

	h, err := d.Submit(context.Background(), Task{ID: "fragile", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	transcript, err := d.Await(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("Await() after crash error = %v", err)
	}
	if transcript.TaskID != "fragile" {
		t.Fatalf("transcript task = %q, want %q", transcript.TaskID, "fragile")
	}
}

func TestSubmitFailsFastWhenSaturated(t *testing.T) {
	tr := newScriptedTranscriber(0)
	q := NewMemoryQueue(1, time.Minute)
	d := New(q, tr, Config{Workers: 1}, zerolog.Nop(), nil)
	// Not started: nothing drains the queue.

	if _, err := d.Submit(context.Background(), Task{ID: "t1"}); err != nil {
		t.Fatalf("first Submit() error = %v", err)
	}
	if _, err := d.Submit(context.Background(), Task{ID: "t2"}); !errors.Is(err, ErrQueueSaturated) {
		t.Fatalf("second Submit() error = %v, want ErrQueueSaturated", err)
	}
}

func TestAwaitTimeout(t *testing.T) {
	tr := newScriptedTranscriber(0)
	q := NewMemoryQueue(4, time.Minute)
	d := New(q, tr, Config{Workers: 1}, zerolog.Nop(), nil)
	// Not started: the task never completes.

	h, err := d.Submit(context.Background(), Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := d.Await(context.Background(), h, 30*time.Millisecond); !errors.Is(err, ErrAwaitTimeout) {
		t.Fatalf("Await() error = %v, want ErrAwaitTimeout", err)
	}
}

func TestWorkersWarmUpOnce(t *testing.T) {
	tr := newScriptedTranscriber(0)
	d := newTestDispatcher(t, 3, tr)

	h, err := d.Submit(context.Background(), Task{ID: "t1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := d.Await(context.Background(), h, 2*time.Second); err != nil {
		t.Fatalf("Await() error = %v", err)
	}

	// Idle workers warm up concurrently with the task; give them a moment.
	deadline := time.Now().Add(2 * time.Second)
	for {
		tr.mu.Lock()
		warmups := tr.warmups
		tr.mu.Unlock()
		if warmups == 3 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("warmups = %d, want one per worker (3)", warmups)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
