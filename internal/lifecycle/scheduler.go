package lifecycle

import (
	"context"
	"time"
)

// Sweeper retires leases whose end time has passed.
type Sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// StartExpirationScheduler polls s every interval until ctx is done.
// Lease expiry is evaluated lazily on every read, so this loop only makes
// expirations visible to observers sooner; nothing depends on it running.
func StartExpirationScheduler(ctx context.Context, s Sweeper, interval time.Duration, onErr func(error)) {
	if interval <= 0 {
		return
	}

	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := s.SweepExpired(ctx); err != nil && onErr != nil {
					onErr(err)
				}
			}
		}
	}()
}
