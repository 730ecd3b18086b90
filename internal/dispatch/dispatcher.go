package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/oratio/internal/observability"
	"github.com/antoniostano/oratio/internal/reliability"
)

// Handle identifies a submitted task for a later Await.
type Handle struct {
	TaskID string
}

type result struct {
	transcript Transcript
	err        error
}

type Config struct {
	Workers       int
	SweepInterval time.Duration
}

// Dispatcher owns a pool of single-concurrency workers draining a shared
// queue. Each worker warms its transcriber once, then serves one task at a
// time; fan-out is achieved by adding workers, never by time-slicing one
// model.
type Dispatcher struct {
	queue       Queue
	transcriber Transcriber
	cfg         Config
	log         zerolog.Logger
	metrics     *observability.Metrics

	mu      sync.Mutex
	results map[string]chan result
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(queue Queue, transcriber Transcriber, cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	return &Dispatcher{
		queue:       queue,
		transcriber: transcriber,
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		results:     make(map[string]chan result),
	}
}

// Start launches the worker pool and the lease sweeper.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i)
		go func() {
			defer d.wg.Done()
			d.runWorker(runCtx, workerID)
		}()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.runSweeper(runCtx)
	}()
}

// Stop cancels workers and waits for them to drain.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit enqueues a speech task without blocking on its execution. A full
// queue fails fast with ErrQueueSaturated.
func (d *Dispatcher) Submit(ctx context.Context, t Task) (*Handle, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now().UTC()
	}

	ch := make(chan result, 1)
	d.mu.Lock()
	d.results[t.ID] = ch
	d.mu.Unlock()

	if err := d.queue.Enqueue(ctx, t); err != nil {
		d.dropResult(t.ID)
		return nil, err
	}
	d.observeDepth(ctx)
	return &Handle{TaskID: t.ID}, nil
}

// Await blocks until the task completes, the timeout elapses, or ctx is
// cancelled. After a timeout the eventual result is discarded.
func (d *Dispatcher) Await(ctx context.Context, h *Handle, timeout time.Duration) (Transcript, error) {
	if h == nil {
		return Transcript{}, fmt.Errorf("nil task handle")
	}
	d.mu.Lock()
	ch, ok := d.results[h.TaskID]
	d.mu.Unlock()
	if !ok {
		return Transcript{}, fmt.Errorf("unknown task %s", h.TaskID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		d.dropResult(h.TaskID)
		if res.err != nil {
			return Transcript{}, res.err
		}
		return res.transcript, nil
	case <-timer.C:
		d.dropResult(h.TaskID)
		return Transcript{}, ErrAwaitTimeout
	case <-ctx.Done():
		d.dropResult(h.TaskID)
		return Transcript{}, ctx.Err()
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	log := d.log.With().Str("worker", workerID).Logger()

	// Model load is expensive; retry warmup with backoff instead of
	// serving tasks against a cold transcriber.
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			return
		}
		if err := d.transcriber.Warmup(ctx); err == nil {
			break
		} else {
			wait := reliability.ExponentialBackoff(attempt, time.Second, 30*time.Second)
			log.Warn().Err(err).Dur("retry_in", wait).Msg("transcriber warmup failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}
	log.Info().Msg("speech worker ready")

	for {
		task, err := d.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("claim failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		d.observeDepth(ctx)
		if d.metrics != nil {
			d.metrics.TasksInFlight.Inc()
		}
		d.process(ctx, log, task)
		if d.metrics != nil {
			d.metrics.TasksInFlight.Dec()
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, log zerolog.Logger, task Task) {
	completed := false
	defer func() {
		if r := recover(); r != nil {
			// A crashed worker must not swallow the task: leave it
			// unacked so it is redelivered to another worker.
			log.Error().Interface("panic", r).Str("task_id", task.ID).Msg("worker crashed mid-task")
			_ = d.queue.Nack(context.WithoutCancel(ctx), task.ID)
			if d.metrics != nil {
				d.metrics.TaskOutcomes.WithLabelValues("crashed").Inc()
			}
		} else if !completed {
			_ = d.queue.Nack(context.WithoutCancel(ctx), task.ID)
		}
	}()

	transcript, err := d.transcriber.Transcribe(ctx, task)
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-task: leave it for redelivery, not failure.
			return
		}
		// Transcription errors are terminal for the task: surface them to
		// the caller and consume the task rather than retrying blindly.
		completed = true
		_ = d.queue.Ack(context.WithoutCancel(ctx), task.ID)
		d.deliver(task.ID, result{err: fmt.Errorf("%w: %v", ErrWorker, err)})
		if d.metrics != nil {
			d.metrics.TaskOutcomes.WithLabelValues("failed").Inc()
		}
		return
	}

	completed = true
	_ = d.queue.Ack(context.WithoutCancel(ctx), task.ID)
	d.deliver(task.ID, result{transcript: transcript})
	if d.metrics != nil {
		d.metrics.TaskOutcomes.WithLabelValues("completed").Inc()
	}
}

func (d *Dispatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.RequeueExpired(ctx, time.Now())
			if err != nil {
				d.log.Error().Err(err).Msg("lease sweep failed")
				continue
			}
			if n > 0 {
				d.log.Warn().Int("requeued", n).Msg("redelivering expired task leases")
			}
		}
	}
}

// deliver hands a result to the waiting caller. If nobody is waiting (the
// caller timed out or the session ended) the result is discarded.
func (d *Dispatcher) deliver(taskID string, res result) {
	d.mu.Lock()
	ch, ok := d.results[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- res:
	default:
	}
}

func (d *Dispatcher) dropResult(taskID string) {
	d.mu.Lock()
	delete(d.results, taskID)
	d.mu.Unlock()
}

// Depth reports the number of pending tasks in the queue.
func (d *Dispatcher) Depth(ctx context.Context) (int, error) {
	return d.queue.Depth(ctx)
}

func (d *Dispatcher) observeDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if depth, err := d.queue.Depth(ctx); err == nil {
		d.metrics.QueueDepth.Set(float64(depth))
	}
}
