package analysis

import (
	"context"
	"errors"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/nat64check/zaphod/pkg/store"
)

// AnalyseInstanceRun aggregates the scores of all analysed results of
// one instance run into the run's own scores. It returns without
// effect while any child result is still unanalysed; the trigger layer
// re-invokes it later.
func (t *Tasks) AnalyseInstanceRun(ctx context.Context, id uint) error {
	ready, err := allAnalysed(ctx, func() ([]*time.Time, error) {
		results, err := t.st.ListResults(ctx, id)
		if err != nil {
			return nil, err
		}

		stamps := make([]*time.Time, 0, len(results))
		for i := range results {
			stamps = append(stamps, results[i].Analysed)
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
		run, err := tx.GetInstanceRunForUpdate(ctx, id)

		if errors.Is(err, store.ErrNotFound) {
			t.log.WithField("instancerun", id).
				Warn("InstanceRun does not exist anymore")

			return nil
		}

		if err != nil {
			return err
		}

		if run.Analysed != nil || run.Finished == nil {
			return nil
		}

		t.log.WithField("instancerun", run.ID).
			WithField("testrun", run.TestRunID).
			Info("Analysing InstanceRun")

		results, err := tx.ListResults(ctx, id)
		if err != nil {
			return err
		}

		var images, resources, overalls []float64

		for i := range results {
			images = append(images, scoreOrZero(results[i].ImageScore))
			resources = append(resources, scoreOrZero(results[i].ResourceScore))
			overalls = append(overalls, scoreOrZero(results[i].OverallScore))
		}

		now := time.Now().UTC()

		run.ImageScore = ptr(stat.Mean(images, nil))
		run.ResourceScore = ptr(stat.Mean(resources, nil))
		run.OverallScore = ptr(stat.Mean(overalls, nil))
		run.Analysed = &now

		return tx.SaveInstanceRun(ctx, run)
	})
}
