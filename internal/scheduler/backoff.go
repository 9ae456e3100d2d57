package scheduler

import "time"

// RetryPolicy shapes outbox redelivery timing.
type RetryPolicy struct {
	MaxAttempts int           // attempts including the original dispatch
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap; zero means uncapped
}

// DefaultRetryPolicy returns 5 attempts, 30s base, 30m cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, MaxDelay: 30 * time.Minute}
}

// Backoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}
