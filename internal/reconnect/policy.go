// Package reconnect decides how long to wait before the next connection
// attempt. Policies are pure; the caller counts attempts.
package reconnect

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Policy returns the delay before attempt (0-indexed), or false to stop.
type Policy interface {
	NextDelay(attempt int) (time.Duration, bool)
}

// Policy names accepted by FromSettings.
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// DefaultInterval matches the sandbox API heartbeat cadence.
const DefaultInterval = 5 * time.Second

// Fixed waits the same interval before every attempt.
type Fixed struct {
	Interval time.Duration
}

// NextDelay implements Policy.
func (p Fixed) NextDelay(attempt int) (time.Duration, bool) {
	if p.Interval <= 0 {
		return DefaultInterval, true
	}
	return p.Interval, true
}

// Exponential grows the delay by Multiplier per attempt, capped at Max.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultExponential is the policy used when nothing is configured.
func DefaultExponential() Exponential {
	return Exponential{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2}
}

// NextDelay implements Policy.
func (p Exponential) NextDelay(attempt int) (time.Duration, bool) {
	initial := p.Initial
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	limit := p.Max
	if limit <= 0 {
		limit = 30 * time.Second
	}
	if limit < initial {
		limit = initial
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(initial) * math.Pow(mult, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay >= float64(limit) {
		return limit, true
	}
	return time.Duration(delay), true
}

// Limit stops after MaxAttempts consecutive failures. MaxAttempts <= 0
// never stops.
type Limit struct {
	Policy      Policy
	MaxAttempts int
}

// NextDelay implements Policy.
func (p Limit) NextDelay(attempt int) (time.Duration, bool) {
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	inner := p.Policy
	if inner == nil {
		inner = DefaultExponential()
	}
	return inner.NextDelay(attempt)
}

// Stop refuses every attempt.
type Stop struct{}

// NextDelay implements Policy.
func (Stop) NextDelay(int) (time.Duration, bool) { return 0, false }

// Settings mirrors the reconnect section of the config file.
type Settings struct {
	Policy       string
	Interval     time.Duration
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// FromSettings builds the configured policy.
func FromSettings(s Settings) (Policy, error) {
	var base Policy
	switch strings.ToLower(strings.TrimSpace(s.Policy)) {
	case "", PolicyExponential:
		base = Exponential{Initial: s.InitialDelay, Max: s.MaxDelay, Multiplier: s.Multiplier}
	case PolicyFixed:
		base = Fixed{Interval: s.Interval}
	default:
		return nil, fmt.Errorf("unsupported reconnect policy %q", s.Policy)
	}
	if s.MaxAttempts < 0 {
		return nil, fmt.Errorf("reconnect max attempts must not be negative")
	}
	if s.MaxAttempts > 0 {
		return Limit{Policy: base, MaxAttempts: s.MaxAttempts}, nil
	}
	return base, nil
}
