package broadcast

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mcdev12/courtside/go/internal/live/clock"
	"github.com/mcdev12/courtside/go/internal/live/events"
)

// Emitter delivers an encoded frame to every member of a room except one socket.
type Emitter interface {
	EmitFrame(room string, frame []byte, except string) error
}

// Recorder receives broadcast throughput feedback.
type Recorder interface {
	RecordBroadcast(messages int, latency time.Duration)
	RecordStaleDrop(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordBroadcast(int, time.Duration) {}
func (noopRecorder) RecordStaleDrop(int)                {}

// LoadTier is the batching profile applied from MinConnections upwards.
type LoadTier struct {
	Name           string        `yaml:"name"`
	MinConnections int           `yaml:"min_connections"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	NormalInterval time.Duration `yaml:"normal_interval"`
}

// Config holds the flush cadences and load tiers.
type Config struct {
	HighInterval   time.Duration `yaml:"high_interval"`
	NormalInterval time.Duration `yaml:"normal_interval"`
	LowInterval    time.Duration `yaml:"low_interval"`
	MaxBatchSize   int           `yaml:"max_batch_size"`
	StaleAfter     time.Duration `yaml:"stale_after"`
	// Tiers are ordered by MinConnections; the first tier is the unloaded profile.
	Tiers []LoadTier `yaml:"tiers"`
}

// DefaultConfig returns the production flush settings
func DefaultConfig() Config {
	return Config{
		HighInterval:   16 * time.Millisecond,
		NormalInterval: 50 * time.Millisecond,
		LowInterval:    100 * time.Millisecond,
		MaxBatchSize:   50,
		StaleAfter:     500 * time.Millisecond,
		Tiers: []LoadTier{
			{Name: "normal", MinConnections: 0, MaxBatchSize: 50, NormalInterval: 50 * time.Millisecond},
			{Name: "elevated", MinConnections: 1000, MaxBatchSize: 25, NormalInterval: 33 * time.Millisecond},
			{Name: "high", MinConnections: 5000, MaxBatchSize: 10, NormalInterval: 20 * time.Millisecond},
		},
	}
}

// Scheduler batches room emissions per priority and flushes them on fixed cadences.
type Scheduler struct {
	cfg      Config
	clk      clockwork.Clock
	tasks    clock.Scheduler
	emitter  Emitter
	recorder Recorder

	mu        sync.Mutex
	queues    map[string]*roomQueue
	intervals [len(priorities)]time.Duration
	maxBatch  int
	tier      string
	cancels   [len(priorities)]clock.CancelFunc
	running   bool
	stopped   bool

	emitErrLog rate.Sometimes
}

// NewScheduler creates a scheduler; call Start to begin the flush loops
func NewScheduler(cfg Config, emitter Emitter, recorder Recorder, tasks clock.Scheduler, clk clockwork.Clock) *Scheduler {
	def := DefaultConfig()
	if cfg.HighInterval <= 0 {
		cfg.HighInterval = def.HighInterval
	}
	if cfg.NormalInterval <= 0 {
		cfg.NormalInterval = def.NormalInterval
	}
	if cfg.LowInterval <= 0 {
		cfg.LowInterval = def.LowInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if tasks == nil {
		tasks = clock.NewTickerScheduler(clk)
	}
	if recorder == nil {
		recorder = noopRecorder{}
	}

	s := &Scheduler{
		cfg:        cfg,
		clk:        clk,
		tasks:      tasks,
		emitter:    emitter,
		recorder:   recorder,
		queues:     make(map[string]*roomQueue),
		maxBatch:   cfg.MaxBatchSize,
		tier:       "normal",
		emitErrLog: rate.Sometimes{Interval: time.Second},
	}
	s.intervals[High] = cfg.HighInterval
	s.intervals[Normal] = cfg.NormalInterval
	s.intervals[Low] = cfg.LowInterval
	if len(cfg.Tiers) > 0 {
		s.tier = cfg.Tiers[0].Name
	}
	return s
}

// Start schedules the high, normal and low flush loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	for _, p := range priorities {
		s.scheduleLoopLocked(p)
	}
	log.Info().
		Dur("high", s.intervals[High]).
		Dur("normal", s.intervals[Normal]).
		Dur("low", s.intervals[Low]).
		Msg("broadcast flush loops started")
}

func (s *Scheduler) scheduleLoopLocked(p Priority) {
	if s.cancels[p] != nil {
		s.cancels[p]()
	}
	s.cancels[p] = s.tasks.ScheduleRepeating(s.intervals[p], func() { s.flushPriority(p) })
}

// Enqueue queues a message for room. See EnqueueExcept.
func (s *Scheduler) Enqueue(room, event string, payload any, priority Priority, contestID string) {
	s.EnqueueExcept(room, event, payload, priority, contestID, "")
}

// EnqueueExcept queues a message for every member of room except the socket
// except. The room is flushed at once when its queue reaches the max batch
// size, or that priority is flushed when its interval has already elapsed.
func (s *Scheduler) EnqueueExcept(room, event string, payload any, priority Priority, contestID, except string) {
	if priority < High || priority > Low {
		priority = Normal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	msg := QueuedMessage{
		Event:      event,
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: now,
		ContestID:  contestID,
		Except:     except,
	}

	if s.stopped {
		// nothing will flush after stop, so deliver straight away
		s.emitLocked(room, []QueuedMessage{msg}, now)
		return
	}

	q, ok := s.queues[room]
	if !ok {
		q = &roomQueue{}
		s.queues[room] = q
	}
	q.messages = append(q.messages, msg)

	switch {
	case len(q.messages) >= s.maxBatch:
		s.flushRoomLocked(room, q, now)
	case now.Sub(q.lastFlush[priority]) >= s.intervals[priority]:
		s.flushLocked(room, q, priority, now)
	}
}

// flushPriority is the body of a flush loop: every room with pending
// messages of priority p is flushed for that priority.
func (s *Scheduler) flushPriority(p Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	for room, q := range s.queues {
		if q.has(p) {
			s.flushLocked(room, q, p, now)
		}
	}
}

func (s *Scheduler) flushRoomLocked(room string, q *roomQueue, now time.Time) {
	for _, p := range priorities {
		s.flushLocked(room, q, p, now)
	}
}

// flushLocked emits the pending messages of one priority. Low priority
// messages older than StaleAfter are dropped.
func (s *Scheduler) flushLocked(room string, q *roomQueue, p Priority, now time.Time) {
	q.lastFlush[p] = now
	msgs := q.take(p)
	if len(msgs) == 0 {
		return
	}

	if p == Low {
		fresh := msgs[:0]
		for _, m := range msgs {
			if now.Sub(m.EnqueuedAt) <= s.cfg.StaleAfter {
				fresh = append(fresh, m)
			}
		}
		if dropped := len(msgs) - len(fresh); dropped > 0 {
			s.recorder.RecordStaleDrop(dropped)
			log.Debug().Str("room", room).Int("dropped", dropped).Msg("dropped stale low priority messages")
		}
		msgs = fresh
	}

	for _, run := range splitByExcept(msgs) {
		s.emitLocked(room, run, now)
	}
}

// emitLocked sends one run of messages sharing an exclusion: a single message
// as itself, several as one batch-update envelope.
func (s *Scheduler) emitLocked(room string, run []QueuedMessage, now time.Time) {
	if len(run) == 0 {
		return
	}

	var (
		frame []byte
		err   error
	)
	if len(run) == 1 {
		frame, err = events.Encode(run[0].Event, run[0].Payload)
	} else {
		batch := events.BatchUpdatePayload{
			Timestamp: events.Millis(now),
			Messages:  make([]events.BatchedMessage, 0, len(run)),
		}
		for _, m := range run {
			batch.Messages = append(batch.Messages, events.BatchedMessage{Event: m.Event, Data: m.Payload})
		}
		frame, err = events.Encode(events.BatchUpdate, batch)
	}
	if err != nil {
		log.Error().Err(err).Str("room", room).Str("event", run[0].Event).Msg("failed to encode broadcast")
		return
	}

	if err := s.emitter.EmitFrame(room, frame, run[0].Except); err != nil {
		s.emitErrLog.Do(func() {
			log.Warn().Err(err).Str("room", room).Msg("broadcast emit failed")
		})
	}
	s.recorder.RecordBroadcast(len(run), now.Sub(run[0].EnqueuedAt))
}

// BroadcastImmediate emits one message to room without batching.
func (s *Scheduler) BroadcastImmediate(room, event string, payload any) {
	start := s.clk.Now()
	frame, err := events.Encode(event, payload)
	if err != nil {
		log.Error().Err(err).Str("room", room).Str("event", event).Msg("failed to encode broadcast")
		return
	}
	if err := s.emitter.EmitFrame(room, frame, ""); err != nil {
		s.emitErrLog.Do(func() {
			log.Warn().Err(err).Str("room", room).Msg("broadcast emit failed")
		})
	}
	s.recorder.RecordBroadcast(1, s.clk.Since(start))
}

// AdaptToLoad selects the load tier for the active connection count and
// applies its batch size and normal interval. It returns the tier name.
func (s *Scheduler) AdaptToLoad(activeConnections int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cfg.Tiers) == 0 {
		return s.tier
	}
	tier := s.cfg.Tiers[0]
	for _, t := range s.cfg.Tiers[1:] {
		if activeConnections >= t.MinConnections {
			tier = t
		}
	}
	if tier.Name == s.tier {
		return s.tier
	}

	prev := s.tier
	s.tier = tier.Name
	if tier.MaxBatchSize > 0 {
		s.maxBatch = tier.MaxBatchSize
	}
	if tier.NormalInterval > 0 && tier.NormalInterval != s.intervals[Normal] {
		s.intervals[Normal] = tier.NormalInterval
		if s.running {
			s.scheduleLoopLocked(Normal)
		}
	}

	log.Info().
		Str("from", prev).
		Str("to", s.tier).
		Int("active_connections", activeConnections).
		Int("max_batch", s.maxBatch).
		Dur("normal_interval", s.intervals[Normal]).
		Msg("broadcast load tier changed")
	return s.tier
}

// Stats describes the scheduler for operational endpoints.
type Stats struct {
	Rooms          int           `json:"rooms"`
	QueuedMessages int           `json:"queuedMessages"`
	Tier           string        `json:"tier"`
	MaxBatchSize   int           `json:"maxBatchSize"`
	NormalInterval time.Duration `json:"normalInterval"`
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, q := range s.queues {
		queued += len(q.messages)
	}
	return Stats{
		Rooms:          len(s.queues),
		QueuedMessages: queued,
		Tier:           s.tier,
		MaxBatchSize:   s.maxBatch,
		NormalInterval: s.intervals[Normal],
	}
}

// Stop cancels the flush loops and flushes every queue one last time. Stale
// low priority messages are dropped as in any flush. Later enqueues are
// emitted immediately.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.running = false

	for i, cancel := range s.cancels {
		if cancel != nil {
			cancel()
			s.cancels[i] = nil
		}
	}

	now := s.clk.Now()
	flushed := 0
	for room, q := range s.queues {
		flushed += len(q.messages)
		s.flushRoomLocked(room, q, now)
	}
	log.Info().Int("flushed", flushed).Int("rooms", len(s.queues)).Msg("broadcast scheduler stopped")
}
