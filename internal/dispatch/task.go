package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrQueueSaturated is returned by Submit when the queue is at capacity.
	// Callers decide whether to retry or surface the failure.
	ErrQueueSaturated = errors.New("speech task queue is full")
	// ErrAwaitTimeout is returned by Await when no transcript arrived in time.
	ErrAwaitTimeout = errors.New("timed out waiting for transcript")
	// ErrWorker wraps transcription failures surfaced to the caller.
	ErrWorker = errors.New("speech worker failure")
	// ErrClosed is returned for operations on a closed queue or dispatcher.
	ErrClosed = errors.New("speech task queue closed")
)

// Task is one unit of speech-recognition work. Once claimed by a worker it
// is owned by that worker until acked or its lease expires.
type Task struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	AudioB64   string    `json:"audio_b64"`
	Language   string    `json:"language"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Transcript is the result of a completed speech task.
type Transcript struct {
	TaskID     string  `json:"task_id"`
	SessionID  string  `json:"session_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Transcriber runs speech recognition. Warmup is idempotent; workers call
// it once before serving tasks so the model load cost is paid up front.
type Transcriber interface {
	Warmup(ctx context.Context) error
	Transcribe(ctx context.Context, task Task) (Transcript, error)
}

// Queue is a bounded at-least-once task queue. Claim starts a lease; a task
// is gone only after Ack. Nack and RequeueExpired put leased tasks back for
// redelivery.
type Queue interface {
	Enqueue(ctx context.Context, t Task) error
	Claim(ctx context.Context) (Task, error)
	Ack(ctx context.Context, taskID string) error
	Nack(ctx context.Context, taskID string) error
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}
