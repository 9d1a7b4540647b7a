// Package backoff computes the delay schedule for client reconnection
// attempts.
package backoff

import (
	"math"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the base backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Factor is the exponential factor applied per attempt.
	Factor float64
}

// ReconnectPolicy returns the schedule offered to clients negotiating a
// reconnect: 2s, 4s, 8s, 16s, then capped at 16s.
func ReconnectPolicy() Policy {
	return Policy{
		InitialMs: 1000,
		MaxMs:     16000,
		Factor:    2,
	}
}

// Delay calculates the backoff duration for a given attempt number.
// The formula is min(maxMs, initialMs * factor^attempt). Attempt
// numbers start at 1.
func Delay(policy Policy, attempt int) time.Duration {
	exp := math.Max(float64(attempt), 0)
	base := policy.InitialMs * math.Pow(policy.Factor, exp)
	total := math.Min(policy.MaxMs, base)
	return time.Duration(math.Round(total)) * time.Millisecond
}
