package service

import (
	"context"
	"time"
)

// runEvery calls fn immediately and then on every tick until ctx is done.
// A slow fn delays the next call rather than overlapping it.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	fn(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
