// Package retry computes wait intervals between attempts of a failed remote
// call.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy defines how the interval grows with each attempt.
type Strategy int

const (
	// Exponential waits base * 2^(attempt-1).
	Exponential Strategy = iota

	// Linear waits base * attempt.
	Linear

	// Constant always waits base.
	Constant
)

// String returns the strategy name.
func (s Strategy) String() string {
	switch s {
	case Linear:
		return "linear"
	case Constant:
		return "constant"
	default:
		return "exponential"
	}
}

// ParseStrategy maps a config value onto a Strategy. Unknown values fall back
// to Exponential.
func ParseStrategy(s string) Strategy {
	switch s {
	case "linear":
		return Linear
	case "constant":
		return Constant
	default:
		return Exponential
	}
}

// UnmarshalYAML reads a strategy by name.
func (s *Strategy) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	*s = ParseStrategy(name)
	return nil
}

// MarshalYAML writes the strategy name.
func (s Strategy) MarshalYAML() (any, error) {
	return s.String(), nil
}

// Backoff configures the wait between attempts.
type Backoff struct {
	// Strategy is the growth function. Default is Exponential.
	Strategy Strategy `yaml:"strategy"`

	// BaseInterval is the wait before the first retry.
	BaseInterval time.Duration `yaml:"base_interval"`

	// MaxInterval caps a single wait. Zero means uncapped.
	MaxInterval time.Duration `yaml:"max_interval"`

	// Jitter spreads each wait by up to ±Jitter of its value, in [0, 1].
	Jitter float64 `yaml:"jitter"`
}

// DefaultBackoff returns the backoff used by the remote API client:
//
//	attempt 1: 200ms
//	attempt 2: 400ms
//	attempt 3: 800ms
//	attempt 4: 1.6s
//	attempt 5: 3.2s
//	attempt 6: 5s (capped)
func DefaultBackoff() *Backoff {
	return &Backoff{
		Strategy:     Exponential,
		BaseInterval: 200 * time.Millisecond,
		MaxInterval:  5 * time.Second,
		Jitter:       0.1,
	}
}

// Interval returns the jittered wait before the given retry attempt (1-based).
func (b *Backoff) Interval(attempt int) time.Duration {
	return b.applyJitter(b.interval(attempt))
}

// Wait sleeps for Interval(attempt) or until ctx is done.
func (b *Backoff) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(b.Interval(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (b *Backoff) interval(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch b.Strategy {
	case Linear:
		d = b.BaseInterval * time.Duration(attempt)
	case Constant:
		d = b.BaseInterval
	default:
		// Large attempts overflow float64 -> Duration; MaxInterval clamps below.
		f := float64(b.BaseInterval) * math.Pow(2, float64(attempt-1))
		if f >= math.MaxInt64 {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}

	if b.MaxInterval > 0 && d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}

func (b *Backoff) applyJitter(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	jitter := min(b.Jitter, 1)

	// For jitter=0.1 the result lies in [0.9d, 1.1d].
	spread := float64(d) * jitter
	return time.Duration(float64(d) + (rand.Float64()*2-1)*spread)
}

// Schedule returns the unjittered waits for attempts 1..n.
func (b *Backoff) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)
	for i := range n {
		out[i] = b.interval(i + 1)
	}
	return out
}

// Total is the sum of Schedule(n): the longest a caller waits before giving
// up, excluding request time.
func (b *Backoff) Total(n int) time.Duration {
	var total time.Duration
	for _, d := range b.Schedule(n) {
		total += d
	}
	return total
}
