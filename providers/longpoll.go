package providers

import (
	"context"
	"fmt"
	"time"
)

// Poll drives an asynchronous provider job to completion. check is called
// every interval until it reports done, returns an error, the timeout
// elapses, or ctx is cancelled. Adapters own their interval and timeout; the
// executor above only sees a single blocking call.
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("provider poll timed out after %s: %w", timeout, ctx.Err())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
