package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Strategy selects the counting algorithm of a quota class.
type Strategy string

const (
	StrategyFixedWindow Strategy = "fixed"
	StrategyTokenBucket Strategy = "token"
)

// Quota is a number of points per window.
type Quota struct {
	Points   int           `yaml:"points"`
	Window   time.Duration `yaml:"window"`
	Strategy Strategy      `yaml:"strategy"`
}

// Result reports the outcome of a single Check.
type Result struct {
	Allowed         bool  `json:"allowed"`
	RemainingPoints int   `json:"remainingPoints"`
	MsBeforeNext    int64 `json:"msBeforeNext"`
	ConsumedPoints  int   `json:"consumedPoints"`
}

// Limiter enforces one quota class. Check never fails: a backend error is
// logged and the request is allowed, so a limiter fault never blocks traffic.
type Limiter struct {
	name    string
	quota   Quota
	backend Backend
}

// NewLimiter creates a limiter for one quota class backed by the in-memory store its strategy names
func NewLimiter(name string, quota Quota, c clockwork.Clock) (*Limiter, error) {
	if quota.Points <= 0 || quota.Window <= 0 {
		return nil, fmt.Errorf("invalid %s quota: %d points per %s", name, quota.Points, quota.Window)
	}
	if c == nil {
		c = clockwork.NewRealClock()
	}

	var backend Backend
	switch quota.Strategy {
	case StrategyTokenBucket:
		backend = newTokenBucket(c, quota)
	case StrategyFixedWindow, "":
		quota.Strategy = StrategyFixedWindow
		backend = newFixedWindow(c, quota)
	default:
		return nil, fmt.Errorf("unknown %s rate limit strategy %q", name, quota.Strategy)
	}
	return NewLimiterWithBackend(name, quota, backend), nil
}

// NewLimiterWithBackend creates a limiter over a caller-supplied backend
func NewLimiterWithBackend(name string, quota Quota, backend Backend) *Limiter {
	return &Limiter{name: name, quota: quota, backend: backend}
}

// Name returns the quota class name.
func (l *Limiter) Name() string { return l.name }

// Quota returns the configured quota.
func (l *Limiter) Quota() Quota { return l.quota }

// Check consumes one point for key.
func (l *Limiter) Check(key string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("limiter", l.name).
				Str("key", key).
				Interface("panic", r).
				Msg("rate limiter panicked, allowing request")
			res = l.failOpen()
		}
	}()

	res, err := l.backend.Consume(key)
	if err != nil {
		log.Error().
			Err(err).
			Str("limiter", l.name).
			Str("key", key).
			Msg("rate limiter backend failed, allowing request")
		return l.failOpen()
	}
	return res
}

// Reset clears accumulated usage for key.
func (l *Limiter) Reset(key string) {
	if err := l.backend.Delete(key); err != nil {
		log.Warn().Err(err).Str("limiter", l.name).Str("key", key).Msg("failed to reset rate limit key")
	}
}

func (l *Limiter) failOpen() Result {
	return Result{Allowed: true, RemainingPoints: l.quota.Points}
}

// Config holds the four quota classes.
type Config struct {
	Connection    Quota         `yaml:"connection"`
	Event         Quota         `yaml:"event"`
	RoomEvent     Quota         `yaml:"room_event"`
	Burst         Quota         `yaml:"burst"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns the production quotas
func DefaultConfig() Config {
	return Config{
		Connection:    Quota{Points: 10, Window: 10 * time.Second, Strategy: StrategyFixedWindow},
		Event:         Quota{Points: 60, Window: 60 * time.Second, Strategy: StrategyFixedWindow},
		RoomEvent:     Quota{Points: 120, Window: 60 * time.Second, Strategy: StrategyFixedWindow},
		Burst:         Quota{Points: 10, Window: 5 * time.Second, Strategy: StrategyTokenBucket},
		SweepInterval: time.Minute,
	}
}

// RateLimiter groups the connection, event, room-event and burst quotas.
type RateLimiter struct {
	Connection *Limiter
	Event      *Limiter
	RoomEvent  *Limiter
	Burst      *Limiter

	clock         clockwork.Clock
	sweepInterval time.Duration
}

// New creates the four quota classes from config
func New(cfg Config, c clockwork.Clock) (*RateLimiter, error) {
	if c == nil {
		c = clockwork.NewRealClock()
	}

	connection, err := NewLimiter("connection", cfg.Connection, c)
	if err != nil {
		return nil, err
	}
	event, err := NewLimiter("event", cfg.Event, c)
	if err != nil {
		return nil, err
	}
	room, err := NewLimiter("room_event", cfg.RoomEvent, c)
	if err != nil {
		return nil, err
	}
	burst, err := NewLimiter("burst", cfg.Burst, c)
	if err != nil {
		return nil, err
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}

	return &RateLimiter{
		Connection:    connection,
		Event:         event,
		RoomEvent:     room,
		Burst:         burst,
		clock:         c,
		sweepInterval: sweep,
	}, nil
}

// Run evicts idle keys until ctx is cancelled.
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}

// Sweep evicts keys idle for at least one sweep interval past their window.
func (r *RateLimiter) Sweep() int {
	removed := 0
	for _, l := range []*Limiter{r.Connection, r.Event, r.RoomEvent, r.Burst} {
		removed += l.backend.Evict(r.sweepInterval)
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("evicted idle rate limit keys")
	}
	return removed
}
