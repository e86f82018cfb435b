package sequence

import (
	"context"
	"errors"
	"time"
)

// DefaultPollInterval is how often WaitUntil re-evaluates its condition
// when the caller does not override it.
const DefaultPollInterval = 10 * time.Millisecond

// ErrBadInterval reports a non-positive duration argument.
var ErrBadInterval = errors.New("INVALID_INTERVAL")

// WaitFor blocks for the given duration or until the context is done.
// Non-positive durations are rejected.
func WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ErrBadInterval
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntil polls cond every poll until it returns true, the timeout
// elapses, or the context is done. A zero poll uses DefaultPollInterval;
// a zero timeout waits forever. It returns whether the condition became
// true; running out of time is not an error, cancellation is.
func WaitUntil(ctx context.Context, cond func(context.Context) bool, timeout, poll time.Duration) (bool, error) {
	if poll == 0 {
		poll = DefaultPollInterval
	}
	if poll < 0 || timeout < 0 {
		return false, ErrBadInterval
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	if cond(ctx) {
		return true, nil
	}
	for {
		select {
		case <-ticker.C:
			if cond(ctx) {
				return true, nil
			}
		case <-deadline:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
