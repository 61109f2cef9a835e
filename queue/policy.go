package queue

import "time"

// RetryPolicy bounds how often a job runs and how long to wait between
// attempts. Backoff[i] is the delay after the (i+1)th failed attempt; the
// last entry repeats when attempts outnumber it.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// ExponentialPolicy doubles base after every failed attempt.
func ExponentialPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := make([]time.Duration, 0, maxAttempts-1)
	delay := base
	for i := 1; i < maxAttempts; i++ {
		backoff = append(backoff, delay)
		delay *= 2
	}
	return RetryPolicy{MaxAttempts: maxAttempts, Backoff: backoff}
}

// Delay returns the wait before the attempt following attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 || attempt < 1 {
		return 0
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Exhausted reports whether no attempt remains after attempt.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// DefaultPolicies returns the policies of the two pipeline queues. Deploy
// talks to an external service and gets one more, slower attempt.
func DefaultPolicies() map[string]RetryPolicy {
	return map[string]RetryPolicy{
		KindValidate: ExponentialPolicy(2, time.Second),
		KindDeploy:   ExponentialPolicy(3, 2*time.Second),
	}
}
