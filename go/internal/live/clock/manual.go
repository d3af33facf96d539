package clock

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler records tasks and runs them only when Fire is called.
// It backs deterministic tests of the timer engine and broadcast scheduler.
type ManualScheduler struct {
	mu     sync.Mutex
	nextID int
	tasks  map[int]*manualTask
}

type manualTask struct {
	interval time.Duration
	fn       func()
}

// NewManualScheduler creates an empty manual scheduler
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{tasks: make(map[int]*manualTask)}
}

func (m *ManualScheduler) ScheduleRepeating(interval time.Duration, fn func()) CancelFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.tasks[id] = &manualTask{interval: interval, fn: fn}
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tasks, id)
	}
}

// Active returns the number of scheduled tasks that have not been cancelled.
func (m *ManualScheduler) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Fire runs every live task with the given interval once, in scheduling order.
// Tasks cancelled by an earlier task in the same round are skipped.
func (m *ManualScheduler) Fire(interval time.Duration) int {
	m.mu.Lock()
	ids := make([]int, 0, len(m.tasks))
	for id, t := range m.tasks {
		if t.interval == interval {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Ints(ids)

	fired := 0
	for _, id := range ids {
		m.mu.Lock()
		t, ok := m.tasks[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		t.fn()
		fired++
	}
	return fired
}

// FireAll runs every live task once regardless of interval.
func (m *ManualScheduler) FireAll() int {
	m.mu.Lock()
	intervals := make(map[time.Duration]struct{})
	for _, t := range m.tasks {
		intervals[t.interval] = struct{}{}
	}
	m.mu.Unlock()

	fired := 0
	for iv := range intervals {
		fired += m.Fire(iv)
	}
	return fired
}
