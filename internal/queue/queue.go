package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"doc-rag/internal/retry"
)

// TaskType enumerates supported task categories.
type TaskType string

const (
	// TaskTypeProcess drives an uploaded document to a terminal state.
	TaskTypeProcess TaskType = "process"
)

// ErrQueueFull is returned by bounded queues that cannot accept more work.
var ErrQueueFull = errors.New("queue full")

const (
	defaultMaxAttempts = 5
	retryBase          = time.Second
)

// Task represents a unit of background work.
type Task struct {
	ID          uuid.UUID
	Type        TaskType
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
}

func (t Task) maxAttempts() int {
	if t.MaxAttempts <= 0 {
		return defaultMaxAttempts
	}
	return t.MaxAttempts
}

// LastAttempt reports whether a handler error on this delivery ends the task
// instead of scheduling another delivery.
func (t Task) LastAttempt() bool {
	return t.Attempts+1 >= t.maxAttempts()
}

// nextAttempt records a failed delivery. It reports whether the task should be
// delivered again and, if so, sets when.
func nextAttempt(task *Task, base time.Duration) bool {
	task.Attempts++
	task.MaxAttempts = task.maxAttempts()
	if task.Attempts >= task.MaxAttempts {
		return false
	}
	task.NotBefore = time.Now().Add(retry.ExponentialBackoff(task.Attempts, base))
	return true
}

// waitUntil blocks until the task is due. It reports false if ctx ends first.
func waitUntil(ctx context.Context, task Task) bool {
	if !task.NotBefore.After(time.Now()) {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Until(task.NotBefore)):
		return true
	}
}

type Handler func(context.Context, Task) error

// Queue exposes a minimal contract to enqueue and consume tasks.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	// Worker consumes tasks of taskType until ctx is done.
	Worker(ctx context.Context, taskType TaskType, handler Handler) error
}

// EnqueueWithRetry attempts to enqueue with retries and exponential backoff.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	return retry.Do(ctx, attempts, base, func(ctx context.Context) error {
		return q.Enqueue(ctx, task)
	})
}
