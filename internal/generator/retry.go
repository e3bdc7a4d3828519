package generator

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"clinic-sim-engine/internal/platform/logger"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
)

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// withRetry runs call with up to maxAttempts attempts, sleeping an
// exponentially growing delay between retryable failures. Fatal errors and
// exhausted budgets propagate the last error untouched. The wrapper keeps no
// shared state, so concurrent calls each run their own budget.
func withRetry[T any](log *logger.Logger, call func() (T, error)) (T, error) {
	return retryWith(log, time.Sleep, call)
}

func retryWith[T any](log *logger.Logger, sleep func(time.Duration), call func() (T, error)) (T, error) {
	b := newBackoff()
	var zero T
	for attempt := 1; ; attempt++ {
		v, err := call()
		if err == nil {
			return v, nil
		}
		if attempt >= maxAttempts || !IsRetryable(err) {
			return zero, err
		}
		delay := b.NextBackOff()
		log.Warn("generation call failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
		sleep(delay)
	}
}
