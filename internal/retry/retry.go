package retry

import (
	"context"
	"time"
)

// Policy describes a bounded retry loop with a fixed delay between attempts.
// The zero value performs a single attempt with no delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Permanent wraps an error to tell Do that further attempts are pointless.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Abort marks err as non-retryable.
func Abort(err error) error {
	if err == nil {
		return nil
	}
	return &Permanent{Err: err}
}

// Do runs fn up to MaxAttempts times, sleeping Delay between attempts.
// It stops early on success, on a Permanent error, or when ctx is done.
// The attempt index passed to fn is 1-based.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}

		err = fn(attempt)
		if err == nil {
			return nil
		}
		if perm, ok := err.(*Permanent); ok {
			return perm.Err
		}
		if attempt == attempts {
			break
		}

		if !Sleep(ctx, p.Delay) {
			return ctx.Err()
		}
	}
	return err
}

// Sleep waits for d or until ctx is done, whichever comes first.
// It reports whether the full duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
