// Package retry provides a small bounded backoff helper for
// "not found yet" reads: it absorbs the read-after-write visibility
// race between a child transaction's commit and an aggregator's read.
package retry

import (
	"context"
	"time"
)

// Delays is the fixed backoff ladder. The last attempt propagates its
// outcome instead of sleeping again. Tests may shorten this.
var Delays = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	4 * time.Second,
}

// Get retries fetch while it fails with a retryable error, sleeping
// through the backoff ladder between attempts.
func Get[T any](
	ctx context.Context,
	fetch func() (T, error),
	retryable func(error) bool,
) (T, error) {
	for _, delay := range Delays {
		value, err := fetch()
		if err == nil || !retryable(err) {
			return value, err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			var zero T

			return zero, ctx.Err()
		}
	}

	return fetch()
}

// Until retries check while it reports false, sleeping through the
// backoff ladder between attempts. The final verdict is returned.
func Until(
	ctx context.Context, check func() (bool, error),
) (bool, error) {
	for _, delay := range Delays {
		ok, err := check()
		if err != nil || ok {
			return ok, err
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	return check()
}
