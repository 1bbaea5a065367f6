package fn

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

var errNilErr = errors.New("fn: failed result without error")

// RetryOpts configures Retry. Waits double after every failed attempt and
// are capped at MaxWait when it is set.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
	// OnRetry is called before each wait with the failed attempt number,
	// starting at 1, and its error.
	OnRetry func(attempt int, err error)
}

// DefaultRetry is three attempts starting at one second.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: time.Second,
	MaxWait:     30 * time.Second,
	Jitter:      true,
}

type permanent struct{ err error }

func (p *permanent) Error() string { return p.err.Error() }
func (p *permanent) Unwrap() error { return p.err }

// Permanent marks err so that Retry gives up immediately. Retry returns the
// original error, not the marker.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanent{err: err}
}

// Retry calls f until it succeeds, returns a Permanent error, ctx ends or
// MaxAttempts is reached. The last failure is returned.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait
	for attempt := 1; ; attempt++ {
		r := f(ctx)
		_, err := r.Unwrap()
		if err == nil {
			return r
		}
		var p *permanent
		if errors.As(err, &p) {
			return Err[T](p.err)
		}
		if attempt >= attempts {
			return r
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		if err := pause(ctx, opts.backoff(wait)); err != nil {
			return Err[T](err)
		}
		wait *= 2
		if opts.MaxWait > 0 {
			wait = min(wait, opts.MaxWait)
		}
	}
}

func (o RetryOpts) backoff(wait time.Duration) time.Duration {
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 {
		wait = min(wait, o.MaxWait)
	}
	return wait
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
