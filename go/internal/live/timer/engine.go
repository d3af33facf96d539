package timer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/clock"
	"github.com/mcdev12/courtside/go/internal/live/events"
	"github.com/mcdev12/courtside/go/internal/models"
)

// Store is the durable contest state the engine reads and writes. The engine
// is the only writer of the clock fields.
type Store interface {
	FindContest(ctx context.Context, id string) (*models.Contest, error)
	UpdateContest(ctx context.Context, id string, update models.ContestUpdate) error
}

// Broadcaster queues room emissions.
type Broadcaster interface {
	Enqueue(room, event string, payload any, priority broadcast.Priority, contestID string)
}

// Config controls tick cadence and store timeouts for ticks that have no caller context.
type Config struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig returns a one-second tick
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Second,
		StoreTimeout: 5 * time.Second,
	}
}

// State is the outcome of a timer operation.
type State struct {
	ContestID      string
	ClockSeconds   int
	IsTimerRunning bool
	// Changed is false when the operation was a no-op.
	Changed bool
}

// Engine runs one authoritative countdown per live contest.
type Engine struct {
	cfg      Config
	store    Store
	out      Broadcaster
	registry *Registry
	tasks    clock.Scheduler
	clk      clockwork.Clock

	locks  contestLocks
	resume singleflight.Group
}

// NewEngine wires an engine to its registry, store, broadcaster and scheduler
func NewEngine(cfg Config, store Store, out Broadcaster, registry *Registry, tasks clock.Scheduler, clk clockwork.Clock) *Engine {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if tasks == nil {
		tasks = clock.NewTickerScheduler(clk)
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		out:      out,
		registry: registry,
		tasks:    tasks,
		clk:      clk,
		locks:    contestLocks{m: make(map[string]*contestLock)},
	}
}

// Registry returns the registry of running timers.
func (e *Engine) Registry() *Registry { return e.registry }

// Start begins the countdown for a contest. A running timer is stopped first.
// A contest with no clock left is not started and Changed is false.
func (e *Engine) Start(ctx context.Context, contestID string) (State, error) {
	unlock := e.locks.lock(contestID)
	defer unlock()

	if existing := e.registry.Get(contestID); existing != nil {
		if _, err := e.stopLocked(ctx, existing); err != nil {
			return State{}, fmt.Errorf("stop before restart: %w", err)
		}
	}

	contest, err := e.store.FindContest(ctx, contestID)
	if err != nil {
		return State{}, fmt.Errorf("load contest %s: %w", contestID, err)
	}

	if contest.ClockSeconds <= 0 {
		log.Debug().Str("contest_id", contestID).Msg("ignoring timer start with no clock left")
		return State{ContestID: contestID, ClockSeconds: 0}, nil
	}

	now := e.clk.Now()
	t := &ActiveTimer{
		ContestID:           contestID,
		StartedAt:           now,
		InitialClockSeconds: clampClock(contest.ClockSeconds, contest.PeriodSeconds, contest.ClockSeconds),
		PeriodSeconds:       contest.PeriodSeconds,
		Visibility:          contest.Visibility,
		CommunityID:         contest.CommunityID,
	}

	running := true
	live := models.ContestStatusLive
	if err := e.store.UpdateContest(ctx, contestID, models.ContestUpdate{
		IsTimerRunning: &running,
		Status:         &live,
		TimerStartedAt: &now,
	}); err != nil {
		return State{}, fmt.Errorf("persist timer start: %w", err)
	}

	e.activate(t)

	room := events.ContestRoom(contestID)
	e.out.Enqueue(room, events.TimerStarted, events.TimerStartedPayload{
		ContestID:    contestID,
		ClockSeconds: t.InitialClockSeconds,
		StartedAt:    events.Millis(now),
	}, broadcast.High, contestID)
	e.out.Enqueue(room, events.GameUpdated, map[string]any{
		"contestId":      contestID,
		"status":         live,
		"isTimerRunning": true,
	}, broadcast.Normal, contestID)
	e.fanOutPublic(t, t.InitialClockSeconds, true)

	log.Info().
		Str("contest_id", contestID).
		Int("clock_seconds", t.InitialClockSeconds).
		Msg("timer started")

	return State{ContestID: contestID, ClockSeconds: t.InitialClockSeconds, IsTimerRunning: true, Changed: true}, nil
}

// activate registers t and schedules its tick, cancelling any timer it replaces.
func (e *Engine) activate(t *ActiveTimer) {
	if prev := e.registry.put(t); prev != nil && prev != t {
		prev.stopTicking()
	}
	t.cancel = e.tasks.ScheduleRepeating(e.cfg.TickInterval, func() { e.tick(t) })
}

// Stop ends the countdown and persists the final clock. Stopping a contest
// that is not running is a no-op. A contest persisted as running without an
// in-memory timer (after a restart) is reconstructed and then stopped.
func (e *Engine) Stop(ctx context.Context, contestID string) (State, error) {
	unlock := e.locks.lock(contestID)
	defer unlock()

	t := e.registry.Get(contestID)
	if t == nil {
		contest, err := e.store.FindContest(ctx, contestID)
		if err != nil {
			return State{}, fmt.Errorf("load contest %s: %w", contestID, err)
		}
		if !contest.IsTimerRunning || contest.TimerStartedAt == nil {
			return State{ContestID: contestID, ClockSeconds: contest.ClockSeconds}, nil
		}
		t = reconstruct(contest)
	}

	final, err := e.stopLocked(ctx, t)
	if err != nil {
		return State{}, err
	}
	return State{ContestID: contestID, ClockSeconds: final, Changed: true}, nil
}

// stopLocked persists the final clock, then cancels the tick and announces
// the stop. When the write fails t is left untouched, so a registered timer
// keeps running. The caller holds the contest lock, which keeps ticks out.
func (e *Engine) stopLocked(ctx context.Context, t *ActiveTimer) (int, error) {
	final := t.ClockAt(e.clk.Now())
	running := false
	if err := e.store.UpdateContest(ctx, t.ContestID, models.ContestUpdate{
		IsTimerRunning:      &running,
		ClockSeconds:        &final,
		ClearTimerStartedAt: true,
	}); err != nil {
		return final, fmt.Errorf("persist timer stop: %w", err)
	}

	t.stopTicking()
	e.registry.remove(t)

	e.out.Enqueue(events.ContestRoom(t.ContestID), events.TimerStopped, events.TimerStoppedPayload{
		ContestID:    t.ContestID,
		ClockSeconds: final,
	}, broadcast.High, t.ContestID)
	e.fanOutPublic(t, final, false)

	log.Info().
		Str("contest_id", t.ContestID).
		Int("clock_seconds", final).
		Msg("timer stopped")
	return final, nil
}

// tick broadcasts the drift-corrected clock. A tick from a timer that is no
// longer registered (stopped or restarted) does nothing. An expired timer
// whose stop could not be persisted stays registered and retries on the next
// tick without repeating the zero clock.
func (e *Engine) tick(t *ActiveTimer) {
	unlock := e.locks.lock(t.ContestID)
	defer unlock()

	if e.registry.Get(t.ContestID) != t {
		return
	}

	current := t.ClockAt(e.clk.Now())
	if current > 0 || !t.expired {
		e.out.Enqueue(events.ContestRoom(t.ContestID), events.ClockUpdate, events.ClockUpdatePayload{
			ContestID:      t.ContestID,
			ClockSeconds:   current,
			IsTimerRunning: current > 0,
		}, broadcast.High, t.ContestID)
	}

	if current > 0 {
		return
	}
	t.expired = true

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StoreTimeout)
	defer cancel()
	if _, err := e.stopLocked(ctx, t); err != nil {
		log.Error().Err(err).Str("contest_id", t.ContestID).Msg("failed to persist expired timer, retrying next tick")
	}
}

// Resume reconstructs the timer of a contest persisted as running when this
// process has no ActiveTimer for it, e.g. after a restart. Concurrent calls
// for the same contest share one reconstruction.
func (e *Engine) Resume(ctx context.Context, contestID string) (bool, error) {
	if e.registry.Get(contestID) != nil {
		return false, nil
	}

	v, err, _ := e.resume.Do(contestID, func() (any, error) {
		unlock := e.locks.lock(contestID)
		defer unlock()

		if e.registry.Get(contestID) != nil {
			return false, nil
		}

		contest, err := e.store.FindContest(ctx, contestID)
		if err != nil {
			return false, fmt.Errorf("load contest %s: %w", contestID, err)
		}
		if !contest.IsTimerRunning || contest.TimerStartedAt == nil {
			return false, nil
		}

		t := reconstruct(contest)
		if t.ClockAt(e.clk.Now()) == 0 {
			// expired while nobody was ticking
			if _, err := e.stopLocked(ctx, t); err != nil {
				return false, err
			}
			return false, nil
		}

		e.activate(t)
		log.Info().
			Str("contest_id", contestID).
			Time("started_at", t.StartedAt).
			Int("initial_clock_seconds", t.InitialClockSeconds).
			Msg("resumed timer from persisted state")
		return true, nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// reconstruct rebuilds the ActiveTimer that continuous operation would hold.
// The persisted clock is the value at TimerStartedAt, so it is the initial clock.
func reconstruct(c *models.Contest) *ActiveTimer {
	return &ActiveTimer{
		ContestID:           c.ID,
		StartedAt:           *c.TimerStartedAt,
		InitialClockSeconds: clampClock(c.ClockSeconds, c.PeriodSeconds, c.ClockSeconds),
		PeriodSeconds:       c.PeriodSeconds,
		Visibility:          c.Visibility,
		CommunityID:         c.CommunityID,
	}
}

// LiveClock returns the clock a spectator should see for c right now.
func (e *Engine) LiveClock(c *models.Contest) (int, bool) {
	now := e.clk.Now()
	if t := e.registry.Get(c.ID); t != nil {
		return t.ClockAt(now), true
	}
	if c.IsTimerRunning && c.TimerStartedAt != nil {
		return reconstruct(c).ClockAt(now), true
	}
	return c.ClockSeconds, false
}

// Shutdown cancels every running timer without persisting a stop, so the
// next process resumes them from the store.
func (e *Engine) Shutdown() {
	timers := e.registry.drain()
	for _, t := range timers {
		t.stopTicking()
	}
	if len(timers) > 0 {
		log.Info().Int("timers", len(timers)).Msg("timer engine shut down")
	}
}

func (e *Engine) fanOutPublic(t *ActiveTimer, clockSeconds int, running bool) {
	if !t.isPublic() {
		return
	}
	payload := map[string]any{
		"contestId":      t.ContestID,
		"clockSeconds":   clockSeconds,
		"isTimerRunning": running,
	}
	e.out.Enqueue(events.PublicRoom, events.PublicGameUpdate, payload, broadcast.Low, t.ContestID)
	if t.CommunityID != "" {
		e.out.Enqueue(events.CommunityRoom(t.CommunityID), events.CommunityGameUpdate, payload, broadcast.Low, t.ContestID)
	}
}

// contestLocks serialises operations per contest and forgets idle locks.
type contestLocks struct {
	mu sync.Mutex
	m  map[string]*contestLock
}

type contestLock struct {
	mu   sync.Mutex
	refs int
}

func (l *contestLocks) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.m[id]
	if !ok {
		cl = &contestLock{}
		l.m[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}
