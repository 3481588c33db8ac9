package analysis

import (
	"context"
	"errors"
	"time"

	"github.com/nat64check/zaphod/pkg/retry"
	"github.com/nat64check/zaphod/pkg/store"
)

// retryGet retries fetch on ErrNotFound with the bounded delay ladder.
func retryGet[T any](
	ctx context.Context, fetch func() (*T, error),
) (*T, error) {
	return retry.Get(ctx, fetch, func(err error) bool {
		return errors.Is(err, store.ErrNotFound)
	})
}

// allAnalysed reports whether the fetched timestamp set is non-empty
// and fully populated, retrying with the bounded delay ladder while it
// is not. An empty set never becomes ready: an instance run without
// results is waiting for its Trillian, not ready for aggregation.
func allAnalysed(
	ctx context.Context, fetch func() ([]*time.Time, error),
) (bool, error) {
	return retry.Until(ctx, func() (bool, error) {
		stamps, err := fetch()
		if err != nil {
			return false, err
		}

		if len(stamps) == 0 {
			return false, nil
		}

		for _, stamp := range stamps {
			if stamp == nil {
				return false, nil
			}
		}

		return true, nil
	})
}
