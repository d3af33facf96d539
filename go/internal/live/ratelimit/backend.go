package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Backend stores per-key quota usage. Implementations may be remote, so every
// call can fail; the Limiter wrapping a backend decides what a failure means.
type Backend interface {
	Consume(key string) (Result, error)
	Delete(key string) error
	// Evict drops state that has been idle longer than idle and returns how many keys were removed.
	Evict(idle time.Duration) int
}

// fixedWindow counts consumptions per key in windows of Quota.Window starting at the first hit.
type fixedWindow struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	quota   Quota
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newFixedWindow(c clockwork.Clock, q Quota) *fixedWindow {
	return &fixedWindow{
		clock:   c,
		quota:   q,
		windows: make(map[string]*window),
	}
}

func (f *fixedWindow) Consume(key string) (Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	w, ok := f.windows[key]
	if !ok || now.Sub(w.start) >= f.quota.Window {
		w = &window{start: now}
		f.windows[key] = w
	}

	resetIn := w.start.Add(f.quota.Window).Sub(now)
	if w.count >= f.quota.Points {
		return Result{
			Allowed:         false,
			RemainingPoints: 0,
			MsBeforeNext:    ceilMillis(resetIn),
			ConsumedPoints:  w.count + 1,
		}, nil
	}

	w.count++
	return Result{
		Allowed:         true,
		RemainingPoints: f.quota.Points - w.count,
		MsBeforeNext:    ceilMillis(resetIn),
		ConsumedPoints:  w.count,
	}, nil
}

func (f *fixedWindow) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.windows, key)
	return nil
}

func (f *fixedWindow) Evict(idle time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.clock.Now()
	removed := 0
	for key, w := range f.windows {
		if now.Sub(w.start) >= f.quota.Window+idle {
			delete(f.windows, key)
			removed++
		}
	}
	return removed
}

// tokenBucket refills Quota.Points tokens evenly over Quota.Window using x/time/rate.
type tokenBucket struct {
	mu      sync.Mutex
	clock   clockwork.Clock
	quota   Quota
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newTokenBucket(c clockwork.Clock, q Quota) *tokenBucket {
	return &tokenBucket{
		clock:   c,
		quota:   q,
		buckets: make(map[string]*bucket),
	}
}

func (t *tokenBucket) every() time.Duration {
	return t.quota.Window / time.Duration(t.quota.Points)
}

func (t *tokenBucket) Consume(key string) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	b, ok := t.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Every(t.every()), t.quota.Points)}
		t.buckets[key] = b
	}
	b.lastSeen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Result{Allowed: false, ConsumedPoints: t.quota.Points + 1}, nil
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Result{
			Allowed:         false,
			RemainingPoints: 0,
			MsBeforeNext:    ceilMillis(delay),
			ConsumedPoints:  t.quota.Points + 1,
		}, nil
	}

	tokens := b.limiter.TokensAt(now)
	remaining := int(math.Floor(tokens))
	if remaining < 0 {
		remaining = 0
	}
	var next time.Duration
	if remaining == 0 {
		next = time.Duration((1 - (tokens - math.Floor(tokens))) * float64(t.every()))
	}
	return Result{
		Allowed:         true,
		RemainingPoints: remaining,
		MsBeforeNext:    ceilMillis(next),
		ConsumedPoints:  t.quota.Points - remaining,
	}, nil
}

func (t *tokenBucket) Delete(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, key)
	return nil
}

func (t *tokenBucket) Evict(idle time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for key, b := range t.buckets {
		// a bucket idle for a full window has refilled, so dropping it loses nothing
		if now.Sub(b.lastSeen) >= t.quota.Window+idle {
			delete(t.buckets, key)
			removed++
		}
	}
	return removed
}

func ceilMillis(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(d) / float64(time.Millisecond)))
}
