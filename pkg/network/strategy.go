package network

import "time"

// Strategy decides whether and when to reconnect after a failure.
// attempt counts consecutive failures from 0.
type Strategy func(attempt int, err error) (time.Duration, bool)

const (
	defaultReconnectBase = time.Second
	defaultReconnectMax  = 10 * time.Second
)

// DefaultStrategy backs off exponentially from 1s to 10s and never gives
// up.
func DefaultStrategy() Strategy {
	return ExponentialStrategy(defaultReconnectBase, defaultReconnectMax, 0)
}

// ExponentialStrategy doubles base on each attempt up to max. It gives up
// after maxAttempts failures; zero retries forever.
func ExponentialStrategy(base, max time.Duration, maxAttempts int) Strategy {
	if base <= 0 {
		base = defaultReconnectBase
	}
	if max < base {
		max = base
	}
	return func(attempt int, _ error) (time.Duration, bool) {
		if maxAttempts > 0 && attempt >= maxAttempts {
			return 0, false
		}
		delay := base
		for i := 0; i < attempt && delay < max; i++ {
			delay *= 2
		}
		return min(delay, max), true
	}
}

// LimitedStrategy is DefaultStrategy giving up after max attempts.
func LimitedStrategy(max int) Strategy {
	return ExponentialStrategy(defaultReconnectBase, defaultReconnectMax, max)
}
