package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	internalsettings "github.com/router-for-me/abuseguard/internal/settings"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrQueueClosed is returned by Submit after Drain has started.
var ErrQueueClosed = errors.New("tasks: queue closed")

// ErrQueueFull is returned by Submit when the buffer has no room.
var ErrQueueFull = errors.New("tasks: queue full")

// Task is a unit of background work. The context is detached from the request
// that scheduled it and is cancelled only when a drain deadline passes.
type Task func(ctx context.Context)

// Queue runs tasks on a fixed worker pool behind a bounded buffer.
// Submit never blocks; a full buffer drops the task.
type Queue struct {
	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Int64
	onDrop    func()
	dropNotes rate.Sometimes
}

// NewQueue starts workers goroutines consuming a buffer of size entries.
// Non-positive values use the defaults.
func NewQueue(size, workers int) *Queue {
	if size <= 0 {
		size = internalsettings.DefaultQueueSize
	}
	if workers <= 0 {
		workers = internalsettings.DefaultQueueWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:     make(chan Task, size),
		ctx:       ctx,
		cancel:    cancel,
		dropNotes: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.work()
	}
	return q
}

// OnDrop registers a callback invoked for every dropped task. Call before Submit.
func (q *Queue) OnDrop(fn func()) {
	q.onDrop = fn
}

// Submit enqueues task without blocking.
func (q *Queue) Submit(task Task) error {
	if task == nil {
		return nil
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.drop("closed")
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		q.drop("full")
		return ErrQueueFull
	}
}

// Dropped returns how many tasks were discarded.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Pending returns the number of buffered tasks not yet picked up.
func (q *Queue) Pending() int {
	return len(q.tasks)
}

// Drain stops accepting tasks and waits for queued ones to finish.
// When ctx ends first, running tasks are cancelled and ctx.Err is returned.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		remaining := len(q.tasks)
		log.WithField("pending", remaining).Warn("tasks: drain deadline reached, abandoning queued work")
		return fmt.Errorf("tasks: drain: %w", ctx.Err())
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		if q.ctx.Err() != nil {
			continue
		}
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("tasks: background task panicked")
		}
	}()
	task(q.ctx)
}

func (q *Queue) drop(reason string) {
	total := q.dropped.Add(1)
	if q.onDrop != nil {
		q.onDrop()
	}
	q.dropNotes.Do(func() {
		log.WithFields(log.Fields{"reason": reason, "dropped_total": total}).Warn("tasks: background task dropped")
	})
}
