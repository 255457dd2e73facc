// Package backoff computes reconnection delays: exponential growth from a base
// delay, capped, with symmetric jitter so devices recovering from a shared outage
// do not retry in lockstep.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a pure delay function parameterized by a random source.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64 // fraction in [0, 1]

	// Random returns a value in [0, 1). Defaults to math/rand/v2.Float64.
	Random func() float64
}

// New creates a Policy using the package-level random source.
func New(base, maxDelay time.Duration, jitter float64) Policy {
	return Policy{
		BaseDelay: base,
		MaxDelay:  maxDelay,
		Jitter:    jitter,
		Random:    rand.Float64,
	}
}

// Delay returns the wait before the given 1-based attempt.
// The first attempt of an immediate cycle is never delayed.
func (p Policy) Delay(attempt int, immediate bool) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt == 1 && immediate {
		return 0
	}

	exp := p.Exponential(attempt)
	if p.Jitter <= 0 || exp == 0 {
		return exp
	}

	random := p.Random
	if random == nil {
		random = rand.Float64
	}

	// uniform in [-1, 1)
	u := random()*2 - 1
	delay := float64(exp) + float64(exp)*p.Jitter*u
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// Exponential returns BaseDelay * 2^(attempt-1) capped at MaxDelay, without jitter.
func (p Policy) Exponential(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.BaseDelay <= 0 {
		return 0
	}

	// float math keeps large attempt numbers from overflowing the shift
	exp := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && exp > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if exp > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(exp)
}
