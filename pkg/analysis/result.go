package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/nat64check/zaphod/pkg/scoring"
	"github.com/nat64check/zaphod/pkg/store"
)

// noBaselineMessage is recorded on the instance run when analysis is
// impossible for lack of a dual-stack result.
const noBaselineMessage = "No dual-stack result found, impossible to analyse"

// AnalyseResult scores one raw probe result against the best-matching
// dual-stack baseline of its instance run. It is idempotent: an
// already-analysed result is left untouched.
func (t *Tasks) AnalyseResult(ctx context.Context, id uint) error {
	return t.st.Transaction(ctx, func(tx store.Store) error {
		result, err := retryGet(ctx, func() (*store.InstanceRunResult, error) {
			return tx.GetResultForUpdate(ctx, id)
		})

		if errors.Is(err, store.ErrNotFound) {
			t.log.WithField("result", id).
				Warn("InstanceRunResult does not exist anymore")

			return nil
		}

		if err != nil {
			return err
		}

		if result.Analysed != nil {
			return nil
		}

		t.log.WithField("result", result.ID).
			WithField("instancerun", result.InstanceRunID).
			Info("Analysing InstanceRunResult")

		baseline, err := tx.ListBaselineResults(ctx, result.InstanceRunID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()

		if len(baseline) == 0 {
			// Terminal: nothing to compare against. Zero scores, a
			// critical diagnostic for the operator, no retry.
			if err := tx.AddInstanceRunMessage(ctx, &store.InstanceRunMessage{
				InstanceRunID: result.InstanceRunID,
				Severity:      store.SeverityCritical,
				Message:       noBaselineMessage,
			}); err != nil {
				return err
			}

			result.ImageScore = ptr(0.0)
			result.ResourceScore = ptr(0.0)
			result.OverallScore = ptr(0.0)
			result.Analysed = &now

			return tx.SaveResult(ctx, result)
		}

		probe, err := result.WebProbe()
		if err != nil {
			return err
		}

		// Multiple dual-stack runs may exist; compare against all of
		// them and keep the most positive match. Ties keep the first
		// candidate encountered.
		var (
			bestScore float64
			bestProbe *store.WebProbe
		)

		for i := range baseline {
			baseProbe, err := baseline[i].WebProbe()
			if err != nil {
				return err
			}

			score, err := scoring.CompareBase64Images(baseProbe.Image, probe.Image)
			if err != nil {
				return err
			}

			if bestProbe == nil || score > bestScore {
				bestScore = score
				bestProbe = baseProbe
			}
		}

		baseStats := scoring.ResourceStats(bestProbe.Resources)
		myStats := scoring.ResourceStats(probe.Resources)
		resourceScore := scoring.ResourceScore(baseStats, myStats)

		result.ImageScore = &bestScore
		result.ResourceScore = &resourceScore
		result.OverallScore = ptr(scoring.OverallScore(bestScore, resourceScore))
		result.Analysed = &now

		return tx.SaveResult(ctx, result)
	})
}
