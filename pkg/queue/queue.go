// Package queue implements the background task scheduler of the
// analysis and delegation pipeline: tasks are pure functions registered
// by name, enqueued fire-and-forget with per-task retry budgets, and
// executed on a worker pool decoupled from the request path.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Handler executes one task for one entity ID. A nil return completes
// the task; any error consumes one attempt and schedules a retry.
type Handler func(ctx context.Context, id uint) error

// Options controls scheduling and retry behavior of an enqueued task.
type Options struct {
	// RetryCount is the total number of attempts, including the first
	// one. Values below 1 mean a single attempt.
	RetryCount int

	// RetryBackoff is the delay between attempts.
	RetryBackoff time.Duration

	// NotBefore delays the first attempt. Zero means immediately.
	NotBefore time.Time
}

// Scheduler enqueues named tasks for asynchronous execution.
type Scheduler interface {
	Register(name string, fn Handler)
	Enqueue(name string, id uint, opts Options) error
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Scheduler = (*queue)(nil)

type item struct {
	name    string
	id      uint
	opts    Options
	attempt int
	runAt   time.Time
	index   int
}

// delayHeap orders items by their earliest execution time.
type delayHeap []*item

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool { return h[i].runAt.Before(h[j].runAt) }

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return it
}

type queue struct {
	log      logrus.FieldLogger
	workers  int
	handlers map[string]Handler

	mu    sync.Mutex
	items delayHeap

	ready chan *item
	wake  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewScheduler creates a new in-memory task scheduler with the given
// worker count.
func NewScheduler(log logrus.FieldLogger, workers int) Scheduler {
	if workers <= 0 {
		workers = 1
	}

	return &queue{
		log:      log.WithField("component", "queue"),
		workers:  workers,
		handlers: make(map[string]Handler, 8),
		ready:    make(chan *item, 64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Register binds a task name to its handler. All registrations must
// happen before Start.
func (q *queue) Register(name string, fn Handler) {
	q.handlers[name] = fn
}

// Enqueue schedules one execution of a named task. It never blocks.
func (q *queue) Enqueue(name string, id uint, opts Options) error {
	if _, ok := q.handlers[name]; !ok {
		return fmt.Errorf("unknown task %q", name)
	}

	if opts.RetryCount < 1 {
		opts.RetryCount = 1
	}

	runAt := opts.NotBefore
	if runAt.IsZero() {
		runAt = time.Now()
	}

	q.push(&item{name: name, id: id, opts: opts, runAt: runAt})

	return nil
}

func (q *queue) push(it *item) {
	q.mu.Lock()
	heap.Push(&q.items, it)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatcher and the worker pool.
func (q *queue) Start(ctx context.Context) error {
	q.startOnce.Do(func() {
		q.log.WithField("workers", q.workers).Info("Starting task queue")

		q.wg.Add(1)

		go func() {
			defer q.wg.Done()
			q.dispatch(ctx)
		}()

		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)

			go func() {
				defer q.wg.Done()
				q.work(ctx)
			}()
		}
	})

	return nil
}

// Stop signals all goroutines to stop and waits for them. Pending
// tasks are dropped; the trigger layer's staleness rules re-enqueue
// anything that still matters after a restart.
func (q *queue) Stop() error {
	q.stopOnce.Do(func() {
		close(q.done)
	})

	q.wg.Wait()
	q.log.Info("Task queue stopped")

	return nil
}

// dispatch moves due items from the delay heap to the ready channel.
func (q *queue) dispatch(ctx context.Context) {
	for {
		q.mu.Lock()

		var wait time.Duration = -1

		for q.items.Len() > 0 {
			next := q.items[0]

			now := time.Now()
			if next.runAt.After(now) {
				wait = next.runAt.Sub(now)

				break
			}

			it := heap.Pop(&q.items).(*item)
			q.mu.Unlock()

			select {
			case q.ready <- it:
			case <-q.done:
				return
			case <-ctx.Done():
				return
			}

			q.mu.Lock()
		}

		q.mu.Unlock()

		var (
			timer  *time.Timer
			timerC <-chan time.Time
		)

		if wait >= 0 {
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case <-q.wake:
		case <-timerC:
		case <-q.done:
			stopTimer(timer)

			return
		case <-ctx.Done():
			stopTimer(timer)

			return
		}

		stopTimer(timer)
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (q *queue) work(ctx context.Context) {
	for {
		select {
		case it := <-q.ready:
			q.execute(ctx, it)
		case <-q.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// execute runs one attempt of a task and applies the retry policy.
func (q *queue) execute(ctx context.Context, it *item) {
	log := q.log.WithFields(logrus.Fields{
		"task":    it.name,
		"id":      it.id,
		"attempt": it.attempt + 1,
	})

	fn := q.handlers[it.name]

	if err := fn(ctx, it.id); err != nil {
		it.attempt++

		if it.attempt >= it.opts.RetryCount {
			tasksAbandoned.WithLabelValues(it.name).Inc()
			log.WithError(err).
				WithField("attempts", it.attempt).
				Error("Task abandoned after exhausting retries")

			return
		}

		taskExecutions.WithLabelValues(it.name, "retry").Inc()
		log.WithError(err).
			WithField("backoff", it.opts.RetryBackoff.String()).
			Warn("Task failed, retrying")

		it.runAt = time.Now().Add(it.opts.RetryBackoff)
		q.push(it)

		return
	}

	taskExecutions.WithLabelValues(it.name, "ok").Inc()
}
