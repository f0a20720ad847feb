package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned by Do after Close has been called.
var ErrQueueClosed = errors.New("executor: account queue closed")

// Job is one unit of work executed on an account's writer goroutine.
type Job func(ctx context.Context) error

type task struct {
	ctx  context.Context
	fn   Job
	done chan error
}

type worker struct {
	jobs    chan task
	pending int
}

// AccountQueue runs jobs one at a time per key. Each active key gets its own
// writer goroutine; idle writers exit after the idle timeout so memory stays
// proportional to the number of accounts with work in flight. Jobs for
// different keys run concurrently.
type AccountQueue struct {
	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	quit    chan struct{}
	idle    time.Duration
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewAccountQueue creates a queue whose per-key writers exit after idle time
// without work.
func NewAccountQueue(idle time.Duration, logger *slog.Logger) *AccountQueue {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &AccountQueue{
		workers: make(map[string]*worker),
		quit:    make(chan struct{}),
		idle:    idle,
		logger:  logger.With(slog.String("component", "account_queue")),
	}
}

// Do enqueues fn on key's writer and blocks until it has run. If ctx ends
// before the job is accepted, Do returns ctx.Err() and fn never runs. Once
// accepted the job always runs to completion and its result is returned.
func (q *AccountQueue) Do(ctx context.Context, key string, fn Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	w, ok := q.workers[key]
	if !ok {
		w = &worker{jobs: make(chan task)}
		q.workers[key] = w
		q.wg.Add(1)
		go q.run(key, w)
	}
	w.pending++
	q.mu.Unlock()

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case w.jobs <- t:
	case <-ctx.Done():
		q.mu.Lock()
		w.pending--
		q.mu.Unlock()
		return ctx.Err()
	}
	return <-t.done
}

// Active returns the number of keys with a live writer.
func (q *AccountQueue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.workers)
}

// Close rejects new jobs and waits for queued ones to finish or for ctx to
// end.
func (q *AccountQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.quit)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *AccountQueue) run(key string, w *worker) {
	defer q.wg.Done()

	timer := time.NewTimer(q.idle)
	defer timer.Stop()
	quit := q.quit

	for {
		select {
		case <-quit:
			quit = nil
			q.mu.Lock()
			if w.pending == 0 {
				delete(q.workers, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()

		case t := <-w.jobs:
			t.done <- q.exec(key, t)
			q.mu.Lock()
			w.pending--
			exit := q.closed && w.pending == 0
			if exit {
				delete(q.workers, key)
			}
			q.mu.Unlock()
			if exit {
				return
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(q.idle)

		case <-timer.C:
			q.mu.Lock()
			if w.pending == 0 {
				delete(q.workers, key)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			timer.Reset(q.idle)
		}
	}
}

// exec runs a job, converting a panic into an error so one bad job cannot
// take the writer down with the rest of the account's queue.
func (q *AccountQueue) exec(key string, t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("account job panicked",
				slog.String("key", key),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("executor: job for %s panicked: %v", key, r)
		}
	}()
	return t.fn(t.ctx)
}
