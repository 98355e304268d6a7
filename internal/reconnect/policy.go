package reconnect

import (
	"math"
	"time"
)

// Policy is the retry schedule: exponential backoff with symmetric jitter.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterRange       float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       10,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterRange:       0.3,
	}
}

// normalized fills zero or out-of-range fields from the defaults.
func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.JitterRange < 0 || p.JitterRange > 1 {
		p.JitterRange = d.JitterRange
	}
	return p
}

// BaseDelay is min(initial * multiplier^(attempt-1), max) for a 1-based attempt.
func (p Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay applies jitter to BaseDelay. r is uniform in [-1, 1].
func (p Policy) Delay(attempt int, r float64) time.Duration {
	base := p.BaseDelay(attempt)
	d := float64(base) + float64(base)*p.JitterRange*r
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}
