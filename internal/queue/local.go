package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// NewLocal builds an in-process queue: a buffered channel per task type
// drained by a fixed pool of goroutines. Failed tasks are re-delivered with
// backoff until MaxAttempts. Tasks do not survive a restart.
func NewLocal(log *slog.Logger, capacity, concurrency int) Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &localQueue{
		log:         log,
		capacity:    capacity,
		concurrency: concurrency,
		retryBase:   retryBase,
		channels:    make(map[TaskType]chan Task),
	}
}

type localQueue struct {
	log         *slog.Logger
	capacity    int
	concurrency int
	retryBase   time.Duration

	mu       sync.Mutex
	channels map[TaskType]chan Task
}

func (q *localQueue) channel(taskType TaskType) chan Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.channels[taskType]
	if !ok {
		ch = make(chan Task, q.capacity)
		q.channels[taskType] = ch
	}
	return ch
}

func (q *localQueue) Enqueue(ctx context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		return errors.New("task type required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.channel(task.Type) <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *localQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	ch := q.channel(taskType)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case task := <-ch:
					q.run(ctx, task, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *localQueue) run(ctx context.Context, task Task, handler Handler) {
	defer func() {
		if rec := recover(); rec != nil {
			q.log.Error("task handler panicked", "id", task.ID, "type", task.Type, "panic", rec)
		}
	}()
	err := handler(ctx, task)
	if err == nil {
		return
	}
	if !nextAttempt(&task, q.retryBase) {
		q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "attempts", task.Attempts, "err", err)
		return
	}
	q.log.Warn("task failed, retrying", "id", task.ID, "type", task.Type, "attempts", task.Attempts, "err", err)
	time.AfterFunc(time.Until(task.NotBefore), func() {
		if enqErr := q.Enqueue(ctx, task); enqErr != nil {
			q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "original_err", err, "enqueue_err", enqErr)
		}
	})
}
