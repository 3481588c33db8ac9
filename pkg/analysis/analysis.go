// Package analysis implements the multi-stage scoring pipeline: raw
// probe results are scored against their dual-stack baseline, then
// aggregated bottom-up into instance run and test run scores.
package analysis

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nat64check/zaphod/pkg/queue"
	"github.com/nat64check/zaphod/pkg/store"
)

// Task names.
const (
	TaskAnalyseResult      = "analyse_result"
	TaskAnalyseInstanceRun = "analyse_instancerun"
	TaskAnalyseTestRun     = "analyse_testrun"
)

// Options is the retry policy shared by all analysis tasks.
func Options() queue.Options {
	return queue.Options{
		RetryCount:   3,
		RetryBackoff: 15 * time.Second,
	}
}

// Tasks bundles the three analysis task handlers.
type Tasks struct {
	log logrus.FieldLogger
	st  store.Store
}

// NewTasks creates the analysis task handlers.
func NewTasks(log logrus.FieldLogger, st store.Store) *Tasks {
	return &Tasks{
		log: log.WithField("component", "analysis"),
		st:  st,
	}
}

// Register binds the analysis tasks to the scheduler.
func (t *Tasks) Register(s queue.Scheduler) {
	s.Register(TaskAnalyseResult, t.AnalyseResult)
	s.Register(TaskAnalyseInstanceRun, t.AnalyseInstanceRun)
	s.Register(TaskAnalyseTestRun, t.AnalyseTestRun)
}

func ptr[T any](v T) *T {
	return &v
}

func scoreOrZero(score *float64) float64 {
	if score == nil {
		return 0
	}

	return *score
}
