// Package retry implements the driver's uniform 1-second-cadence,
// 900-attempt retry loop (spec §4.3), used by every wait_for_* verb that
// carries an implicit ~15 minute deadline.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxAttempts bounds Retry to at most 900 predicate calls: 899 calls with
// last=false, then exactly one with last=true.
const maxAttempts = 900

// ErrTimedOut is returned when the final (last=true) predicate call still
// returns false.
var ErrTimedOut = errors.New("retry: action timed out")

// Retry calls predicate(false) at 1-second intervals until it returns true
// or 899 calls have been made, then calls predicate(true) exactly once. It
// returns nil as soon as predicate returns true, and ErrTimedOut if the
// final call still returns false. The last flag lets callers emit
// diagnostic context (e.g. "window list was: ...") only on the terminal
// attempt.
func Retry(ctx context.Context, predicate func(last bool) bool) error {
	return retry(ctx, time.Second, predicate)
}

// retry is Retry with an injectable interval, so tests don't have to wait
// out a real 900-second timeout to exercise the bound.
func retry(ctx context.Context, interval time.Duration, predicate func(last bool) bool) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		last := attempt >= maxAttempts
		if predicate(last) {
			return struct{}{}, nil
		}
		if last {
			return struct{}{}, backoff.Permanent(ErrTimedOut)
		}
		return struct{}{}, errNotYet
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimedOut) {
		return ErrTimedOut
	}
	return err
}

// errNotYet is the retryable sentinel fed back to backoff.Retry between
// attempts; callers never see it.
var errNotYet = errors.New("retry: not yet")
