package analysis

import (
	"context"
	"errors"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/nat64check/zaphod/pkg/store"
)

// AnalyseTestRun aggregates the scores of all analysed instance runs
// into the test run's own scores and upserts the per-instance-type
// averages. It returns without effect while any instance run is still
// unanalysed.
func (t *Tasks) AnalyseTestRun(ctx context.Context, id uint) error {
	ready, err := allAnalysed(ctx, func() ([]*time.Time, error) {
		runs, err := t.st.ListInstanceRuns(ctx, id)
		if err != nil {
			return nil, err
		}

		stamps := make([]*time.Time, 0, len(runs))
		for i := range runs {
			stamps = append(stamps, runs[i].Analysed)
		}

		return stamps, nil
	})
	if err != nil {
		return err
	}

	if !ready {
		return nil
	}

	return t.st.Transaction(ctx, func(tx store.Store) error {
		run, err := tx.GetTestRunForUpdate(ctx, id)

		if errors.Is(err, store.ErrNotFound) {
			t.log.WithField("testrun", id).
				Warn("TestRun does not exist anymore")

			return nil
		}

		if err != nil {
			return err
		}

		if run.Analysed != nil {
			return nil
		}

		t.log.WithField("testrun", run.ID).
			WithField("url", run.URL).
			Info("Analysing TestRun")

		children, err := tx.ListInstanceRuns(ctx, id)
		if err != nil {
			return err
		}

		var images, resources, overalls []float64

		for i := range children {
			images = append(images, scoreOrZero(children[i].ImageScore))
			resources = append(resources, scoreOrZero(children[i].ResourceScore))
			overalls = append(overalls, scoreOrZero(children[i].OverallScore))
		}

		// Separate averages per client variant type, across all
		// instance runs of this test run.
		rows, err := tx.ListTestRunResultScores(ctx, id)
		if err != nil {
			return err
		}

		byType := make(map[string][]store.TypedScores, 4)
		for _, row := range rows {
			byType[row.InstanceType] = append(byType[row.InstanceType], row)
		}

		for instanceType, typed := range byType {
			var img, res, ovr []float64

			for _, row := range typed {
				img = append(img, scoreOrZero(row.ImageScore))
				res = append(res, scoreOrZero(row.ResourceScore))
				ovr = append(ovr, scoreOrZero(row.OverallScore))
			}

			if err := tx.UpsertTestRunAverage(ctx, &store.TestRunAverage{
				TestRunID:     id,
				InstanceType:  instanceType,
				ImageScore:    ptr(stat.Mean(img, nil)),
				ResourceScore: ptr(stat.Mean(res, nil)),
				OverallScore:  ptr(stat.Mean(ovr, nil)),
			}); err != nil {
				return err
			}
		}

		now := time.Now().UTC()

		run.ImageScore = ptr(stat.Mean(images, nil))
		run.ResourceScore = ptr(stat.Mean(resources, nil))
		run.OverallScore = ptr(stat.Mean(overalls, nil))
		run.Analysed = &now

		return tx.SaveTestRun(ctx, run)
	})
}
