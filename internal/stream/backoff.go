package stream

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	initialRetry = 250 * time.Millisecond
	maxRetry     = 5 * time.Second
)

// newBackOff returns the reconnect policy of one subscription. It never gives
// up on its own and returns backoff.Stop once ctx is done, which ends the
// r3labs retry loop.
func newBackOff(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(initialRetry),
		backoff.WithMaxInterval(maxRetry),
		backoff.WithMaxElapsedTime(0),
	), ctx)
}
