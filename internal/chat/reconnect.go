package chat

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy yields the delay before the next reconnect attempt.
type ReconnectPolicy interface {
	NextBackOff() time.Duration
	Reset()
}

// FixedReconnect waits the same delay before every attempt.
func FixedReconnect(delay time.Duration) ReconnectPolicy {
	return backoff.NewConstantBackOff(delay)
}

// ExponentialReconnect doubles the delay per consecutive failure, with
// jitter, up to max. It never gives up.
func ExponentialReconnect(initial, max time.Duration) ReconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
