// Package fetcher holds the retry policies shared by outbound fetchers.
package fetcher

import (
	"time"
)

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait first. Attempts are numbered from 1.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// ConstantRetryPolicy retries every failure up to a fixed attempt budget,
// waiting the same interval before each retry.
type ConstantRetryPolicy struct {
	maxAttempts int
	delay       time.Duration
}

// NewConstantRetryPolicy builds a policy allowing maxAttempts attempts in
// total, including the first. Values below one are treated as one.
func NewConstantRetryPolicy(maxAttempts int, delay time.Duration) *ConstantRetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if delay < 0 {
		delay = 0
	}
	return &ConstantRetryPolicy{
		maxAttempts: maxAttempts,
		delay:       delay,
	}
}

// MaxAttempts returns the total attempt budget.
func (p *ConstantRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry reports whether another attempt is allowed after attempt failed.
func (p *ConstantRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil {
		return false
	}
	return attempt < p.maxAttempts
}

// Backoff returns the fixed wait, regardless of attempt.
func (p *ConstantRetryPolicy) Backoff(int) time.Duration {
	return p.delay
}
