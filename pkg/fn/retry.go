package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// RetryIf decides whether an error is worth retrying. nil retries all.
	RetryIf func(error) bool
	// Sleep overrides the wait between attempts, for tests. nil uses a real
	// timer honoring ctx cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry matches the embedding service's rate-limit profile: a few
// hundred milliseconds doubling up to an 8s cap, five attempts.
var DefaultRetry = RetryOpts{
	MaxAttempts: 5,
	InitialWait: 300 * time.Millisecond,
	MaxWait:     8 * time.Second,
	Jitter:      true,
}

// Retry calls f up to MaxAttempts times with exponential backoff. It returns
// the last result once attempts are exhausted, f succeeds, RetryIf rejects
// the error, or ctx is cancelled.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) (T, error)) (T, error) {
	var (
		val T
		err error
	)
	wait := opts.InitialWait
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	for attempt := 0; attempt < opts.MaxAttempts; attempt++ {
		val, err = f(ctx)
		if err == nil {
			return val, nil
		}
		if opts.RetryIf != nil && !opts.RetryIf(err) {
			return val, err
		}
		if attempt == opts.MaxAttempts-1 {
			break
		}

		// Jitter stretches the base wait by up to 50%; since the base
		// doubles each attempt, observed delays stay monotonic.
		d := wait
		if opts.Jitter {
			d = time.Duration(float64(wait) * (1 + rand.Float64()/2))
		}
		if d > opts.MaxWait {
			d = opts.MaxWait
		}
		if serr := sleep(ctx, d); serr != nil {
			return val, serr
		}

		wait *= 2
		if wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return val, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
