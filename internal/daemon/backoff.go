package daemon

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a hub connection must survive before the
// reconnect backoff resets to its initial interval.
const resetThreshold = 30 * time.Second

// newReconnectBackoff creates the hub reconnect policy: 1s → 60s,
// multiplier 2x, ±20% jitter.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
