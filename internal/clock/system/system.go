// Package system is the wall clock used outside tests.
package system

import (
	"math/rand/v2"
	"time"
)

// Clock implements crawler.Clock. Now is UTC truncated to Precision; After
// stretches each wait by up to Jitter of its length.
type Clock struct {
	Precision time.Duration
	Jitter    float64
}

// New returns a millisecond clock with 10% backoff jitter.
func New() *Clock {
	return &Clock{Precision: time.Millisecond, Jitter: 0.1}
}

// Now returns the current UTC time without a monotonic reading.
func (c Clock) Now() time.Time {
	now := time.Now().UTC()
	if c.Precision > 0 {
		return now.Truncate(c.Precision)
	}
	return now.Round(0)
}

// After fires once d plus jitter has elapsed.
func (c Clock) After(d time.Duration) <-chan time.Time {
	return time.After(c.stretch(d))
}

func (c Clock) stretch(d time.Duration) time.Duration {
	if d <= 0 || c.Jitter <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*c.Jitter*float64(d))
}
