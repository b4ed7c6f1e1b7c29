// Package ratelimit implements a fixed-window request counter keyed by
// client identity.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of a single Take.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time // end of the current window
}

// RetryAfter returns how long the caller should wait before the window rolls
// over, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait <= 0 {
		return 0
	}
	return (wait + time.Second - 1).Truncate(time.Second)
}

type window struct {
	start time.Time
	count int
}

// FixedWindow counts requests per key and denies once a key exceeds limit
// within window. Safe for concurrent use.
type FixedWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*window
}

// NewFixedWindow creates a FixedWindow allowing limit requests per size.
func NewFixedWindow(limit int, size time.Duration) *FixedWindow {
	return &FixedWindow{
		limit:   limit,
		window:  size,
		windows: make(map[string]*window),
	}
}

// Limit returns the per-window ceiling.
func (f *FixedWindow) Limit() int { return f.limit }

// Window returns the window length.
func (f *FixedWindow) Window() time.Duration { return f.window }

// Take records one request for key at now and reports whether it is allowed.
func (f *FixedWindow) Take(key string, now time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[key]
	if !ok || !now.Before(w.start.Add(f.window)) {
		w = &window{start: now}
		f.windows[key] = w
	}
	w.count++

	remaining := f.limit - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= f.limit,
		Limit:     f.limit,
		Remaining: remaining,
		Reset:     w.start.Add(f.window),
	}
}

// Sweep drops windows that expired before now and returns how many it removed.
func (f *FixedWindow) Sweep(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for key, w := range f.windows {
		if !now.Before(w.start.Add(f.window)) {
			delete(f.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (f *FixedWindow) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}

// Run sweeps expired windows every interval until ctx is done.
func (f *FixedWindow) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			f.Sweep(now)
		}
	}
}
