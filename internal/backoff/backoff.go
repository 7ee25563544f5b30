// Package backoff computes capped exponential reconnect delays with jitter.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

const (
	DefaultBase = 1 * time.Second
	DefaultMax  = 60 * time.Second
)

// Backoff produces reconnect delays: doubling from Base, capped at Max, with
// up to Jitter (a fraction of the current step) added on top. Consecutive
// delays never decrease until Reset, and always stay within [Base, Max].
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64

	mu      sync.Mutex
	step    time.Duration
	last    time.Duration
	randSrc *rand.Rand
}

func New(base, max time.Duration, jitter float64) *Backoff {
	if base <= 0 {
		base = DefaultBase
	}
	if max < base {
		max = base
	}
	if jitter < 0 {
		jitter = 0
	}
	return &Backoff{
		Base:    base,
		Max:     max,
		Jitter:  jitter,
		randSrc: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.step == 0 {
		b.step = b.Base
	} else if b.step < b.Max {
		b.step *= 2
		if b.step > b.Max || b.step <= 0 {
			b.step = b.Max
		}
	}

	d := b.step + b.jitterLocked(b.step)
	if d > b.Max {
		d = b.Max
	}
	if d < b.last {
		d = b.last
	}
	b.last = d
	return d
}

// Reset returns the schedule to Base. Called once a stream is established.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step = 0
	b.last = 0
}

func (b *Backoff) jitterLocked(step time.Duration) time.Duration {
	if b.Jitter == 0 || b.randSrc == nil {
		return 0
	}
	span := int64(float64(step) * b.Jitter)
	if span <= 0 {
		return 0
	}
	return time.Duration(b.randSrc.Int63n(span))
}
