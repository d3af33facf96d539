package clock

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// CancelFunc stops a recurring task. It is idempotent and never blocks.
type CancelFunc func()

// Scheduler runs recurring tasks. Production code uses TickerScheduler; tests
// substitute a scheduler they can drive by hand.
type Scheduler interface {
	ScheduleRepeating(interval time.Duration, fn func()) CancelFunc
}

// TickerScheduler runs each task on its own clockwork ticker goroutine.
type TickerScheduler struct {
	clock clockwork.Clock
}

// NewTickerScheduler creates a scheduler driven by the given clock
func NewTickerScheduler(c clockwork.Clock) *TickerScheduler {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &TickerScheduler{clock: c}
}

func (s *TickerScheduler) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	ticker := s.clock.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.Chan():
				// a tick racing with cancel must not run
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}
