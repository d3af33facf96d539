package metrics

import (
	"context"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Config controls the collector windows and the health thresholds.
type Config struct {
	Window            time.Duration `yaml:"window"`
	RecomputeInterval time.Duration `yaml:"recompute_interval"`

	DegradedConnections int `yaml:"degraded_connections"`
	CriticalConnections int `yaml:"critical_connections"`

	DegradedEventRate float64 `yaml:"degraded_event_rate"`
	CriticalEventRate float64 `yaml:"critical_event_rate"`

	DegradedLag time.Duration `yaml:"degraded_lag"`
	CriticalLag time.Duration `yaml:"critical_lag"`
}

// DefaultConfig returns the thresholds used in production
func DefaultConfig() Config {
	return Config{
		Window:              60 * time.Second,
		RecomputeInterval:   5 * time.Second,
		DegradedConnections: 7500,
		CriticalConnections: 9500,
		DegradedEventRate:   500,
		CriticalEventRate:   1000,
		DegradedLag:         100 * time.Millisecond,
		CriticalLag:         500 * time.Millisecond,
	}
}

// Snapshot is an immutable copy of the process metrics at ComputedAt.
type Snapshot struct {
	ActiveConnections    int64          `json:"activeConnections"`
	PeakConnections      int64          `json:"peakConnections"`
	TotalConnections     uint64         `json:"totalConnections"`
	TotalDisconnections  uint64         `json:"totalDisconnections"`
	ConnectionsPerSecond float64        `json:"connectionsPerSecond"`
	TotalEvents          uint64         `json:"totalEvents"`
	EventsPerSecond      float64        `json:"eventsPerSecond"`
	MessagesBroadcast    uint64         `json:"messagesBroadcast"`
	StaleDropped         uint64         `json:"staleDropped"`
	ConnectionErrors     uint64         `json:"connectionErrors"`
	EventErrors          uint64         `json:"eventErrors"`
	RateLimitHits        uint64         `json:"rateLimitHits"`
	LastBroadcastLatency time.Duration  `json:"lastBroadcastLatency"`
	AvgBroadcastLatency  time.Duration  `json:"avgBroadcastLatency"`
	MemoryBytes          uint64         `json:"memoryBytes"`
	EventLoopLag         time.Duration  `json:"eventLoopLag"`
	RoomSizes            map[string]int `json:"roomSizes"`
	ComputedAt           time.Time      `json:"computedAt"`
}

// Collector aggregates connection, event and broadcast metrics for the process.
// Every Record method is safe on a nil receiver and never panics.
type Collector struct {
	cfg   Config
	clock clockwork.Clock
	proc  *process.Process

	active      atomic.Int64
	peak        atomic.Int64
	connections atomic.Uint64
	disconnects atomic.Uint64
	events      atomic.Uint64
	broadcast   atomic.Uint64
	stale       atomic.Uint64
	connErrors  atomic.Uint64
	eventErrors atomic.Uint64
	rateHits    atomic.Uint64

	mu           sync.Mutex
	connWindow   *rollingCounter
	eventWindow  *rollingCounter
	roomSizes    map[string]int
	lastLatency  time.Duration
	latencySum   time.Duration
	latencyCount int64
	lag          time.Duration
	memory       uint64
	snapshot     Snapshot

	prom *promMetrics
}

// NewCollector creates a collector and takes an initial snapshot
func NewCollector(cfg Config, c clockwork.Clock) *Collector {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 5 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		log.Warn().Err(err).Msg("process stats unavailable, falling back to runtime memory stats")
		proc = nil
	}

	col := &Collector{
		cfg:         cfg,
		clock:       c,
		proc:        proc,
		connWindow:  newRollingCounter(cfg.Window),
		eventWindow: newRollingCounter(cfg.Window),
		roomSizes:   make(map[string]int),
		prom:        newPromMetrics(),
	}
	col.Recompute()
	return col
}

// RecordConnection counts an admitted connection.
func (c *Collector) RecordConnection() {
	if c == nil {
		return
	}
	c.connections.Add(1)
	active := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if active <= peak || c.peak.CompareAndSwap(peak, active) {
			break
		}
	}

	c.mu.Lock()
	c.connWindow.add(c.clock.Now())
	c.mu.Unlock()

	c.prom.connections.Inc()
	c.prom.active.Set(float64(active))
}

// RecordDisconnection counts a closed connection.
func (c *Collector) RecordDisconnection() {
	if c == nil {
		return
	}
	c.disconnects.Add(1)
	active := c.active.Add(-1)
	if active < 0 {
		c.active.CompareAndSwap(active, 0)
		active = 0
	}
	c.prom.active.Set(float64(active))
}

// RecordEvent counts an inbound client event.
func (c *Collector) RecordEvent() {
	if c == nil {
		return
	}
	c.events.Add(1)

	c.mu.Lock()
	c.eventWindow.add(c.clock.Now())
	c.mu.Unlock()

	c.prom.events.Inc()
}

func (c *Collector) RecordConnectionError() {
	if c == nil {
		return
	}
	c.connErrors.Add(1)
	c.prom.errors.WithLabelValues("connection").Inc()
}

func (c *Collector) RecordEventError() {
	if c == nil {
		return
	}
	c.eventErrors.Add(1)
	c.prom.errors.WithLabelValues("event").Inc()
}

// RecordRateLimitHit counts a request rejected by a quota class.
func (c *Collector) RecordRateLimitHit(class string) {
	if c == nil {
		return
	}
	c.rateHits.Add(1)
	c.prom.rateLimitHits.WithLabelValues(class).Inc()
}

// RecordRoomSize stores the member count of a room; zero removes it.
func (c *Collector) RecordRoomSize(room string, size int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if size <= 0 {
		delete(c.roomSizes, room)
	} else {
		c.roomSizes[room] = size
	}
	rooms := len(c.roomSizes)
	c.mu.Unlock()

	c.prom.rooms.Set(float64(rooms))
}

// RecordBroadcast counts messages emitted to a room and the time they waited.
func (c *Collector) RecordBroadcast(messages int, latency time.Duration) {
	if c == nil || messages <= 0 {
		return
	}
	if latency < 0 {
		latency = 0
	}
	c.broadcast.Add(uint64(messages))

	c.mu.Lock()
	c.lastLatency = latency
	c.latencySum += latency
	c.latencyCount++
	c.mu.Unlock()

	c.prom.broadcast.Add(float64(messages))
	c.prom.latency.Observe(latency.Seconds())
}

// RecordStaleDrop counts low-priority messages discarded for being too old.
func (c *Collector) RecordStaleDrop(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.stale.Add(uint64(n))
	c.prom.stale.Add(float64(n))
}

// ActiveConnections returns the live connection count without waiting for a recompute.
func (c *Collector) ActiveConnections() int {
	if c == nil {
		return 0
	}
	return int(c.active.Load())
}

// Snapshot returns the most recently computed metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{RoomSizes: map[string]int{}}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Run recomputes the snapshot every RecomputeInterval until ctx is cancelled.
// The lateness of each tick is recorded as the event loop lag.
func (c *Collector) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.RecomputeInterval)
	defer ticker.Stop()

	expected := c.clock.Now().Add(c.cfg.RecomputeInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			now := c.clock.Now()
			c.recordLag(now.Sub(expected))
			expected = now.Add(c.cfg.RecomputeInterval)
			c.Recompute()
		}
	}
}

func (c *Collector) recordLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	c.mu.Lock()
	c.lag = lag
	c.mu.Unlock()
	c.prom.lag.Set(lag.Seconds())
}

// Recompute samples memory and rebuilds the snapshot.
func (c *Collector) Recompute() {
	memory := c.sampleMemory()
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = memory
	rooms := make(map[string]int, len(c.roomSizes))
	for room, size := range c.roomSizes {
		rooms[room] = size
	}
	var avg time.Duration
	if c.latencyCount > 0 {
		avg = c.latencySum / time.Duration(c.latencyCount)
	}

	c.snapshot = Snapshot{
		ActiveConnections:    c.active.Load(),
		PeakConnections:      c.peak.Load(),
		TotalConnections:     c.connections.Load(),
		TotalDisconnections:  c.disconnects.Load(),
		ConnectionsPerSecond: c.connWindow.rate(now),
		TotalEvents:          c.events.Load(),
		EventsPerSecond:      c.eventWindow.rate(now),
		MessagesBroadcast:    c.broadcast.Load(),
		StaleDropped:         c.stale.Load(),
		ConnectionErrors:     c.connErrors.Load(),
		EventErrors:          c.eventErrors.Load(),
		RateLimitHits:        c.rateHits.Load(),
		LastBroadcastLatency: c.lastLatency,
		AvgBroadcastLatency:  avg,
		MemoryBytes:          memory,
		EventLoopLag:         c.lag,
		RoomSizes:            rooms,
		ComputedAt:           now,
	}

	c.prom.peak.Set(float64(c.snapshot.PeakConnections))
	c.prom.memory.Set(float64(memory))
	c.prom.eventRate.Set(c.snapshot.EventsPerSecond)
}

func (c *Collector) sampleMemory() uint64 {
	if c.proc != nil {
		info, err := c.proc.MemoryInfo()
		if err == nil {
			return info.RSS
		}
		log.Debug().Err(err).Msg("failed to read process memory")
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}

// LargestRooms returns up to n rooms ordered by member count.
func (s Snapshot) LargestRooms(n int) []string {
	rooms := make([]string, 0, len(s.RoomSizes))
	for room := range s.RoomSizes {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if s.RoomSizes[rooms[i]] != s.RoomSizes[rooms[j]] {
			return s.RoomSizes[rooms[i]] > s.RoomSizes[rooms[j]]
		}
		return rooms[i] < rooms[j]
	})
	if len(rooms) > n {
		rooms = rooms[:n]
	}
	return rooms
}
