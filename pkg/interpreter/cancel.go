package interpreter

import (
	"context"
	"time"
)

// sleepSlice bounds how long any single sleep can run before re-checking
// for cancellation, per spec §5: "sleeps longer than 500ms must be
// implemented as repeated short sleeps checking the token."
const sleepSlice = 500 * time.Millisecond

// interruptibleSleep sleeps for d, or returns ctx.Err() as soon as ctx is
// cancelled. Long sleeps are chunked so cancellation is never more than
// one slice late.
func interruptibleSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	for remaining := d; remaining > 0; {
		slice := sleepSlice
		if remaining < slice {
			slice = remaining
		}
		timer := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		remaining -= slice
	}
	return nil
}

// cancelled reports whether ctx has already been cancelled, the
// checkpoint the interpreter polls before every step and iteration.
func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
