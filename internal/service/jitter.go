package service

import (
	"context"
	mrand "math/rand/v2"
	"sync"
	"time"
)

// Jitter is a bounded random delay applied before dispatching upstream.
type Jitter struct {
	min, max time.Duration

	mu  sync.Mutex // guards rnd
	rnd *mrand.Rand
}

// NewJitter returns a Jitter drawing uniformly from [minDelay, maxDelay].
// A zero range disables it; maxDelay below minDelay pins the delay to minDelay.
// rnd may be nil to use the global source.
func NewJitter(minDelay, maxDelay time.Duration, rnd *mrand.Rand) *Jitter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Jitter{min: minDelay, max: maxDelay, rnd: rnd}
}

// Delay returns the next delay.
func (j *Jitter) Delay() time.Duration {
	if j == nil || j.max <= 0 {
		return 0
	}
	span := int64(j.max - j.min)
	if span == 0 {
		return j.min
	}
	if j.rnd == nil {
		return j.min + time.Duration(mrand.Int64N(span+1))
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.min + time.Duration(j.rnd.Int64N(span+1))
}

// Wait sleeps for the next delay or until ctx is done, returning ctx.Err()
// in the latter case.
func (j *Jitter) Wait(ctx context.Context) error {
	d := j.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
