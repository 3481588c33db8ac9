// Package trigger turns store change events into background tasks. It
// is the control flow of the pipeline: delegation when an instance run
// appears, analysis when data arrives, aggregation when a stage
// completes and cleanup when a test run is fully analysed.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nat64check/zaphod/pkg/analysis"
	"github.com/nat64check/zaphod/pkg/delegation"
	"github.com/nat64check/zaphod/pkg/queue"
	"github.com/nat64check/zaphod/pkg/store"
)

// staleAfter is how long an unanalysed entity may sit before a save
// event re-enqueues its analysis. This recovers from dropped events
// and from tasks lost in a restart.
const staleAfter = 5 * time.Minute

// delegateDelay gives the creating transaction's siblings time to land
// before the first delegation attempt.
const delegateDelay = time.Second

// Engine consumes store change events and enqueues tasks.
type Engine struct {
	log logrus.FieldLogger
	st  store.Store
	sch queue.Scheduler

	done chan struct{}
	wg   sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine creates a trigger engine bound to a store and scheduler.
func NewEngine(
	log logrus.FieldLogger,
	st store.Store,
	sch queue.Scheduler,
) *Engine {
	return &Engine{
		log:  log.WithField("component", "trigger"),
		st:   st,
		sch:  sch,
		done: make(chan struct{}),
	}
}

// Start launches the event consumer.
func (e *Engine) Start(ctx context.Context) error {
	e.startOnce.Do(func() {
		e.log.Info("Starting trigger engine")

		e.wg.Add(1)

		go func() {
			defer e.wg.Done()
			e.run(ctx)
		}()
	})

	return nil
}

// Stop signals the consumer to stop and waits for it.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() {
		close(e.done)
	})

	e.wg.Wait()
	e.log.Info("Trigger engine stopped")

	return nil
}

func (e *Engine) run(ctx context.Context) {
	events := e.st.Events()

	for {
		select {
		case ev := <-events:
			e.Handle(ctx, ev)
		case <-e.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Handle applies the trigger rules to one change event.
func (e *Engine) Handle(ctx context.Context, ev store.Event) {
	switch ev := ev.(type) {
	case store.ResultSaved:
		e.onResultSaved(ev)
	case store.InstanceRunSaved:
		e.onInstanceRunSaved(ctx, ev)
	case store.TestRunSaved:
		e.onTestRunSaved(ctx, ev)
	}
}

func (e *Engine) onResultSaved(ev store.ResultSaved) {
	whenChanged := ev.Old == nil || !ev.Old.When.Equal(ev.New.When)

	if whenChanged || isStale(ev.New.Analysed, ev.New.When) {
		e.enqueue(analysis.TaskAnalyseResult, ev.New.ID, analysis.Options())
	}

	var oldAnalysed *time.Time
	if ev.Old != nil {
		oldAnalysed = ev.Old.Analysed
	}

	// A result finishing analysis may complete its instance run.
	if becameSet(oldAnalysed, ev.New.Analysed) {
		e.enqueue(
			analysis.TaskAnalyseInstanceRun,
			ev.New.InstanceRunID,
			analysis.Options(),
		)
	}
}

func (e *Engine) onInstanceRunSaved(ctx context.Context, ev store.InstanceRunSaved) {
	run := ev.New

	// Undelegated and not yet analysed means the Trillian still has to
	// receive this run. The analysed check keeps a cleaned-up run from
	// being delegated all over again.
	if run.TrillianURL == "" && run.Analysed == nil {
		opts := delegation.Options()
		opts.NotBefore = time.Now().Add(delegateDelay)

		e.enqueue(delegation.TaskDelegate, run.ID, opts)
	}

	var oldFinished, oldAnalysed *time.Time
	if ev.Old != nil {
		oldFinished = ev.Old.Finished
		oldAnalysed = ev.Old.Analysed
	}

	finishedChanged := becameSet(oldFinished, run.Finished)

	if finishedChanged ||
		(run.Finished != nil && isStale(run.Analysed, *run.Finished)) {
		e.enqueue(analysis.TaskAnalyseInstanceRun, run.ID, analysis.Options())
	}

	if becameSet(oldAnalysed, run.Analysed) {
		e.enqueue(analysis.TaskAnalyseTestRun, run.TestRunID, analysis.Options())
	}

	if timesChanged(ev.Old, run) {
		if err := e.rollupTestRun(ctx, run.TestRunID); err != nil {
			e.log.WithError(err).
				WithField("testrun", run.TestRunID).
				Warn("Failed to roll up test run times")
		}
	}
}

func (e *Engine) onTestRunSaved(ctx context.Context, ev store.TestRunSaved) {
	run := ev.New

	var oldFinished, oldAnalysed *time.Time
	if ev.Old != nil {
		oldFinished = ev.Old.Finished
		oldAnalysed = ev.Old.Analysed
	}

	if becameSet(oldFinished, run.Finished) ||
		(run.Finished != nil && isStale(run.Analysed, *run.Finished)) {
		e.enqueue(analysis.TaskAnalyseTestRun, run.ID, analysis.Options())
	}

	// Once the test run is fully analysed the remote resources are no
	// longer needed.
	if becameSet(oldAnalysed, run.Analysed) {
		children, err := e.st.ListInstanceRuns(ctx, run.ID)
		if err != nil {
			e.log.WithError(err).
				WithField("testrun", run.ID).
				Warn("Failed to list instance runs for cleanup")

			return
		}

		for _, child := range children {
			e.enqueue(delegation.TaskCleanup, child.ID, delegation.Options())
		}
	}
}

// rollupTestRun recomputes a test run's start and finish watermarks
// from its children: started when the first child started, finished
// only when every child has finished. Saving only on change lets the
// save/event loop converge.
func (e *Engine) rollupTestRun(ctx context.Context, testRunID uint) error {
	return e.st.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.GetTestRunForUpdate(ctx, testRunID)
		if err != nil {
			return err
		}

		children, err := tx.ListInstanceRuns(ctx, testRunID)
		if err != nil {
			return err
		}

		var (
			started     *time.Time
			finished    *time.Time
			allFinished = len(children) > 0
		)

		for i := range children {
			child := &children[i]

			if child.Started != nil &&
				(started == nil || child.Started.Before(*started)) {
				started = child.Started
			}

			if child.Finished == nil {
				allFinished = false

				continue
			}

			if finished == nil || child.Finished.After(*finished) {
				finished = child.Finished
			}
		}

		if !allFinished {
			finished = nil
		}

		if timeEqual(run.Started, started) && timeEqual(run.Finished, finished) {
			return nil
		}

		run.Started = started
		run.Finished = finished

		return tx.SaveTestRun(ctx, run)
	})
}

func (e *Engine) enqueue(task string, id uint, opts queue.Options) {
	if err := e.sch.Enqueue(task, id, opts); err != nil {
		e.log.WithError(err).
			WithFields(logrus.Fields{"task": task, "id": id}).
			Warn("Failed to enqueue task")

		return
	}

	e.log.WithFields(logrus.Fields{"task": task, "id": id}).
		Debug("Task enqueued")
}

// becameSet reports a nil to non-nil transition of a timestamp.
func becameSet(old, new *time.Time) bool {
	return new != nil && old == nil
}

// isStale reports that an entity saved at ref is still unanalysed well
// past the point any in-flight task should have reached it.
func isStale(analysed *time.Time, ref time.Time) bool {
	return analysed == nil && time.Since(ref) > staleAfter
}

func timesChanged(old, new *store.InstanceRun) bool {
	if old == nil {
		return new.Started != nil || new.Finished != nil
	}

	return !timeEqual(old.Started, new.Started) ||
		!timeEqual(old.Finished, new.Finished)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}

	return a.Equal(*b)
}
