// Package retry is the one shared retry combinator called for by spec §9
// ("Ad-hoc retry loops → one shared retry combinator with: max attempts, base
// delay, jitter, and a predicate for non-retryable error codes"). It wraps
// github.com/cenkalti/backoff/v4 rather than hand-rolling jittered backoff,
// matching the ecosystem choice already present across the retrieved pack.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options configures one retry attempt sequence.
type Options struct {
	MaxAttempts int           // total attempts including the first; <=0 means 3
	BaseDelay   time.Duration // initial backoff interval; <=0 means 1s
	MaxDelay    time.Duration // backoff ceiling; <=0 means 30s
}

// Permanent marks err as non-retryable, matching backoff.Permanent. Used by
// callers (e.g. QueueBus publish) to stop retrying on a 4xx-equivalent error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn, retrying on any error that is not wrapped with Permanent, up to
// opts.MaxAttempts times with exponential backoff and jitter. It returns the
// last error if retries are exhausted, or ctx.Err() if ctx is cancelled.
func Do(ctx context.Context, opts Options, fn func() error) error {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	base := opts.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = maxDelay
	eb.MaxElapsedTime = 0 // bounded by attempt count instead, below

	attempted := 0
	wrapped := func() error {
		attempted++
		err := fn()
		if err != nil && attempted >= maxAttempts {
			// Stop backoff.Retry from trying again past the attempt budget,
			// while still surfacing the real error to the caller.
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(eb, ctx)
	err := backoff.Retry(wrapped, bo)
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if asPermanent(err, &perm) {
		return perm.Err
	}
	return err
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	pe, ok := err.(*backoff.PermanentError)
	if !ok {
		return false
	}
	*target = pe
	return true
}
