// Package retry implements the fixed attempt-count, fixed-delay retry
// policy used by every network call in the install engine: no
// exponential backoff, no jitter.
package retry

import (
	"context"
	"time"
)

const (
	// Attempts is the total number of tries, including the first.
	Attempts = 3
	// Delay is the fixed pause between attempts.
	Delay = 2 * time.Second
)

// Do calls fn up to Attempts times, sleeping Delay between failures. It
// returns the last error if every attempt fails, or nil as soon as fn
// succeeds. Context cancellation aborts immediately.
func Do(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt < Attempts-1 {
			select {
			case <-time.After(Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
