package timer

import (
	"sort"
	"sync"
	"time"

	"github.com/mcdev12/courtside/go/internal/live/clock"
	"github.com/mcdev12/courtside/go/internal/models"
)

// ActiveTimer is the in-memory countdown of one running contest. The clock is
// always derived from StartedAt and InitialClockSeconds, never from tick counts.
type ActiveTimer struct {
	ContestID           string
	StartedAt           time.Time
	InitialClockSeconds int
	PeriodSeconds       int
	Visibility          models.ContestVisibility
	CommunityID         string

	cancel  clock.CancelFunc
	expired bool
}

// ClockAt returns the remaining seconds at now, clamped to [0, PeriodSeconds].
func (t *ActiveTimer) ClockAt(now time.Time) int {
	elapsed := int(now.Sub(t.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	return clampClock(t.InitialClockSeconds-elapsed, t.PeriodSeconds, t.InitialClockSeconds)
}

func (t *ActiveTimer) isPublic() bool {
	return t.Visibility == models.ContestVisibilityPublic
}

func (t *ActiveTimer) stopTicking() {
	if t.cancel != nil {
		t.cancel()
	}
}

// clampClock bounds v to [0, period]. A contest without a period length is
// bounded by the clock it started from.
func clampClock(v, period, initial int) int {
	upper := period
	if upper <= 0 {
		upper = initial
	}
	if v > upper {
		v = upper
	}
	if v < 0 {
		v = 0
	}
	return v
}

// Registry holds at most one ActiveTimer per contest. It is owned by the
// server and shared by reference with the engine.
type Registry struct {
	mu     sync.RWMutex
	timers map[string]*ActiveTimer
}

func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*ActiveTimer)}
}

// Get returns the timer registered for a contest, or nil.
func (r *Registry) Get(contestID string) *ActiveTimer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timers[contestID]
}

// Len returns the number of running timers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.timers)
}

// ContestIDs returns the ids of contests with a running timer, sorted.
func (r *Registry) ContestIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.timers))
	for id := range r.timers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// put registers t and returns the timer it replaced, if any.
func (r *Registry) put(t *ActiveTimer) *ActiveTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.timers[t.ContestID]
	r.timers[t.ContestID] = t
	return prev
}

// remove deletes t only if it is still the registered timer for its contest.
func (r *Registry) remove(t *ActiveTimer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timers[t.ContestID] != t {
		return false
	}
	delete(r.timers, t.ContestID)
	return true
}

// drain removes and returns every timer.
func (r *Registry) drain() []*ActiveTimer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ActiveTimer, 0, len(r.timers))
	for id, t := range r.timers {
		out = append(out, t)
		delete(r.timers, id)
	}
	return out
}
