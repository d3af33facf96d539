package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/events"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
	"github.com/mcdev12/courtside/go/internal/live/ratelimit"
	"github.com/mcdev12/courtside/go/internal/live/timer"
	"github.com/mcdev12/courtside/go/internal/models"
)

// Store is the read side of the game store used for hydration and authorization.
type Store interface {
	FindContest(ctx context.Context, id string) (*models.Contest, error)
	FindScorer(ctx context.Context, contestID, userID string) (*models.Scorer, error)
}

// Timers is the timer engine as seen by the gateway.
type Timers interface {
	Start(ctx context.Context, contestID string) (timer.State, error)
	Stop(ctx context.Context, contestID string) (timer.State, error)
	Resume(ctx context.Context, contestID string) (bool, error)
	LiveClock(c *models.Contest) (int, bool)
}

// Broadcaster queues room emissions and adapts batching to load.
type Broadcaster interface {
	EnqueueExcept(room, event string, payload any, priority broadcast.Priority, contestID, except string)
	AdaptToLoad(activeConnections int) string
}

// Config holds admission limits and websocket settings.
type Config struct {
	MaxConnections int           `yaml:"max_connections"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LoadInterval   time.Duration `yaml:"load_interval"`
	MetaTTL        time.Duration `yaml:"meta_ttl"`
	WebSocket      SocketConfig  `yaml:"websocket"`
}

// DefaultConfig returns production admission limits
func DefaultConfig() Config {
	return Config{
		MaxConnections: 10000,
		RequestTimeout: 5 * time.Second,
		LoadInterval:   5 * time.Second,
		MetaTTL:        time.Minute,
		WebSocket:      DefaultSocketConfig(),
	}
}

const (
	msgRateLimited   = "Rate limit exceeded"
	msgAtCapacity    = "Server at capacity, try again later"
	msgTimerFailed   = "Failed to control timer"
	msgInvalidAction = "Invalid timer action"
	msgMissingID     = "contestId is required"
	msgUpdateDenied  = "Not authorized to update game"
)

// Session is the gateway state of one admitted socket.
type Session struct {
	socket  Socket
	address string

	mu     sync.RWMutex
	userID string
	closed bool
}

func (s *Session) ID() string      { return s.socket.ID() }
func (s *Session) Address() string { return s.address }

// UserID returns the authenticated user, or "" before authentication.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) send(frame []byte) {
	if err := s.socket.Send(frame); err != nil {
		log.Warn().Err(err).Str("socket_id", s.ID()).Msg("failed to send frame")
	}
}

// contestMeta is the part of a contest needed to route client updates.
type contestMeta struct {
	visibility  models.ContestVisibility
	communityID string
	loadedAt    time.Time
}

// Gateway admits sockets, enforces quotas and authorization, and routes
// client events to the timer engine and the broadcast scheduler.
type Gateway struct {
	cfg     Config
	store   Store
	timers  Timers
	out     Broadcaster
	rooms   *Rooms
	limits  *ratelimit.RateLimiter
	metrics *metrics.Collector
	clock   clockwork.Clock

	active atomic.Int64

	metaMu sync.RWMutex
	meta   map[string]contestMeta
}

// New creates a gateway. metrics may be nil.
func New(cfg Config, store Store, timers Timers, out Broadcaster, rooms *Rooms, limits *ratelimit.RateLimiter, m *metrics.Collector, clk clockwork.Clock) *Gateway {
	def := DefaultConfig()
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.LoadInterval <= 0 {
		cfg.LoadInterval = def.LoadInterval
	}
	if cfg.MetaTTL <= 0 {
		cfg.MetaTTL = def.MetaTTL
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if rooms == nil {
		rooms = NewRooms()
	}
	return &Gateway{
		cfg:     cfg,
		store:   store,
		timers:  timers,
		out:     out,
		rooms:   rooms,
		limits:  limits,
		metrics: m,
		clock:   clk,
		meta:    make(map[string]contestMeta),
	}
}

// Rooms returns the local room membership hub.
func (g *Gateway) Rooms() *Rooms { return g.rooms }

// ActiveConnections returns the number of admitted, not yet disconnected sockets.
func (g *Gateway) ActiveConnections() int { return int(g.active.Load()) }

// OnConnect admits or rejects a new socket. A rejected socket receives an
// error frame and is closed; it is never counted as connected.
func (g *Gateway) OnConnect(s Socket) (*Session, bool) {
	address := s.RemoteAddr()

	if n := g.active.Add(1); n > int64(g.cfg.MaxConnections) {
		g.active.Add(-1)
		g.metrics.RecordConnectionError()
		log.Warn().
			Str("socket_id", s.ID()).
			Str("address", address).
			Int("max_connections", g.cfg.MaxConnections).
			Msg("rejecting connection, server at capacity")
		g.reject(s, events.ErrorPayload{Code: events.CodeServerAtCapacity, Message: msgAtCapacity})
		return nil, false
	}

	if res := g.limits.Connection.Check(address); !res.Allowed {
		g.active.Add(-1)
		g.metrics.RecordRateLimitHit("connection")
		log.Warn().
			Str("socket_id", s.ID()).
			Str("address", address).
			Int64("retry_after_ms", res.MsBeforeNext).
			Msg("rejecting connection, rate limited")
		g.reject(s, events.ErrorPayload{
			Code:         events.CodeRateLimited,
			Message:      msgRateLimited,
			RetryAfterMs: res.MsBeforeNext,
		})
		return nil, false
	}

	g.metrics.RecordConnection()
	log.Debug().Str("socket_id", s.ID()).Str("address", address).Msg("connection admitted")
	return &Session{socket: s, address: address}, true
}

func (g *Gateway) reject(s Socket, payload events.ErrorPayload) {
	if frame, err := events.Encode(events.Error, payload); err == nil {
		if err := s.Send(frame); err != nil {
			log.Debug().Err(err).Str("socket_id", s.ID()).Msg("failed to send rejection")
		}
	}
	if err := s.Close(); err != nil {
		log.Debug().Err(err).Str("socket_id", s.ID()).Msg("failed to close rejected socket")
	}
}

// OnAuthenticate binds a user to the session and forgives the connection
// quota used by the client's address.
func (g *Gateway) OnAuthenticate(sess *Session, p events.AuthenticatePayload) events.AckPayload {
	if p.UserID == "" {
		return events.AckPayload{Error: "userId is required"}
	}
	sess.mu.Lock()
	sess.userID = p.UserID
	sess.mu.Unlock()

	g.limits.Connection.Reset(sess.address)
	log.Info().Str("socket_id", sess.ID()).Str("user_id", p.UserID).Msg("socket authenticated")
	return events.AckPayload{Success: true}
}

// OnJoinRoom adds the session to a contest room and sends it the current
// contest state. The state is sent to the joining socket only.
func (g *Gateway) OnJoinRoom(ctx context.Context, sess *Session, contestID string) events.AckPayload {
	if contestID == "" {
		return events.AckPayload{Error: msgMissingID}
	}
	if !g.allowEvent(sess) {
		return events.AckPayload{Error: msgRateLimited}
	}
	g.metrics.RecordEvent()

	room := events.ContestRoom(contestID)
	g.join(sess, room)

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	if err := g.hydrate(ctx, sess, contestID); err != nil {
		g.metrics.RecordEventError()
		log.Error().Err(err).Str("contest_id", contestID).Str("socket_id", sess.ID()).Msg("failed to hydrate joining socket")
		g.sendError(sess, events.ErrorPayload{
			Code:    events.CodeGameStateUnavailable,
			Message: "Failed to load game state",
		})
		return events.AckPayload{Error: "Failed to load game state"}
	}
	return events.AckPayload{Success: true}
}

// hydrate sends one game-state frame with the clock corrected for time
// elapsed since the timer started. A contest persisted as running without a
// local timer has its timer resumed first.
func (g *Gateway) hydrate(ctx context.Context, sess *Session, contestID string) error {
	contest, err := g.store.FindContest(ctx, contestID)
	if err != nil {
		return err
	}
	g.remember(contest)

	if contest.IsTimerRunning {
		if _, err := g.timers.Resume(ctx, contestID); err != nil {
			log.Warn().Err(err).Str("contest_id", contestID).Msg("failed to resume timer during hydration")
		}
	}
	clockSeconds, running := g.timers.LiveClock(contest)
	contest.ClockSeconds = clockSeconds
	contest.IsTimerRunning = running && clockSeconds > 0

	frame, err := events.Encode(events.GameState, events.GameStatePayload{
		Contest: contest,
		Events:  contest.RecentEvents,
	})
	if err != nil {
		return err
	}
	sess.send(frame)
	return nil
}

// OnTimerControl authorizes and applies a start or stop. Unauthorized users
// get a failure ack and nothing is written.
func (g *Gateway) OnTimerControl(ctx context.Context, sess *Session, p events.TimerControlPayload) events.AckPayload {
	if p.ContestID == "" {
		return events.AckPayload{Error: msgMissingID}
	}
	if !g.allowEvent(sess) {
		return events.AckPayload{Error: msgRateLimited}
	}
	if res := g.limits.Burst.Check("timer-control:" + p.ContestID + ":" + sess.ID()); !res.Allowed {
		g.rateLimited(sess, "burst", res)
		return events.AckPayload{Error: msgRateLimited}
	}
	g.metrics.RecordEvent()

	if p.Action != events.TimerActionStart && p.Action != events.TimerActionStop {
		return events.AckPayload{Error: msgInvalidAction}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()

	userID := sess.UserID()
	if userID == "" {
		userID = p.UserID
	}
	if !g.IsAuthorized(ctx, p.ContestID, userID) {
		log.Warn().
			Str("contest_id", p.ContestID).
			Str("user_id", userID).
			Str("action", p.Action).
			Msg("unauthorized timer control")
		return events.AckPayload{Error: events.ErrNotAuthorized}
	}

	var (
		state timer.State
		err   error
	)
	if p.Action == events.TimerActionStart {
		state, err = g.timers.Start(ctx, p.ContestID)
	} else {
		state, err = g.timers.Stop(ctx, p.ContestID)
	}
	if err != nil {
		g.metrics.RecordEventError()
		log.Error().Err(err).Str("contest_id", p.ContestID).Str("action", p.Action).Msg("timer control failed")
		return events.AckPayload{Error: msgTimerFailed}
	}
	return events.AckPayload{
		Success:        true,
		ClockSeconds:   &state.ClockSeconds,
		IsTimerRunning: &state.IsTimerRunning,
	}
}

// IsAuthorized reports whether userID owns the contest or is one of its
// scorers. Store errors deny access.
func (g *Gateway) IsAuthorized(ctx context.Context, contestID, userID string) bool {
	if contestID == "" || userID == "" {
		return false
	}
	contest, err := g.store.FindContest(ctx, contestID)
	if err != nil {
		log.Warn().Err(err).Str("contest_id", contestID).Msg("authorization lookup failed, denying")
		return false
	}
	if contest.OwnerID == userID {
		return true
	}
	scorer, err := g.store.FindScorer(ctx, contestID, userID)
	if err != nil {
		log.Warn().Err(err).Str("contest_id", contestID).Msg("scorer lookup failed, denying")
		return false
	}
	return scorer != nil
}

// OnUpdateGame relays a score or status change to the contest room, and to
// the public and community rooms when the contest is public. Clock fields
// are owned by the timer engine and are not relayed.
func (g *Gateway) OnUpdateGame(ctx context.Context, sess *Session, p events.UpdateGamePayload) events.AckPayload {
	if ack, ok := g.admitUpdate(ctx, sess, p.ContestID); !ok {
		return ack
	}
	p.Updates = withoutClockFields(p.Updates)
	if v, ok := p.Updates["visibility"].(string); ok {
		g.setVisibility(ctx, p.ContestID, models.ContestVisibility(v))
	}
	g.relay(ctx, sess, p.ContestID, events.GameUpdated, p)
	return events.AckPayload{Success: true}
}

// OnAddEvent relays a play-by-play event the same way as OnUpdateGame.
func (g *Gateway) OnAddEvent(ctx context.Context, sess *Session, p events.AddEventPayload) events.AckPayload {
	if ack, ok := g.admitUpdate(ctx, sess, p.ContestID); !ok {
		return ack
	}
	g.relay(ctx, sess, p.ContestID, events.EventAdded, p)
	return events.AckPayload{Success: true}
}

// admitUpdate applies the socket quota, requires the authenticated user to
// own or score the contest, and then applies the shared room quota.
func (g *Gateway) admitUpdate(ctx context.Context, sess *Session, contestID string) (events.AckPayload, bool) {
	if contestID == "" {
		return events.AckPayload{Error: msgMissingID}, false
	}
	if !g.allowEvent(sess) {
		return events.AckPayload{Error: msgRateLimited}, false
	}

	authCtx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	if userID := sess.UserID(); !g.IsAuthorized(authCtx, contestID, userID) {
		log.Warn().
			Str("contest_id", contestID).
			Str("socket_id", sess.ID()).
			Str("user_id", userID).
			Msg("unauthorized game update")
		return events.AckPayload{Error: msgUpdateDenied}, false
	}

	if res := g.limits.RoomEvent.Check(events.ContestRoom(contestID)); !res.Allowed {
		g.rateLimited(sess, "room", res)
		return events.AckPayload{Error: msgRateLimited}, false
	}
	g.metrics.RecordEvent()
	return events.AckPayload{}, true
}

func (g *Gateway) relay(ctx context.Context, sess *Session, contestID, event string, payload any) {
	g.out.EnqueueExcept(events.ContestRoom(contestID), event, payload, broadcast.Normal, contestID, sess.ID())

	meta, ok := g.lookup(ctx, contestID)
	if ok && meta.visibility == models.ContestVisibilityPublic {
		g.out.EnqueueExcept(events.PublicRoom, events.PublicGameUpdate, payload, broadcast.Low, contestID, sess.ID())
		if meta.communityID != "" {
			g.out.EnqueueExcept(events.CommunityRoom(meta.communityID), events.CommunityGameUpdate, payload, broadcast.Low, contestID, sess.ID())
		}
	}
}

// clockFields are written only by the timer engine.
var clockFields = []string{"clockSeconds", "isTimerRunning", "timerStartedAt"}

func withoutClockFields(updates map[string]any) map[string]any {
	out := make(map[string]any, len(updates))
	for k, v := range updates {
		out[k] = v
	}
	for _, k := range clockFields {
		delete(out, k)
	}
	return out
}

func (g *Gateway) OnJoinPublic(sess *Session) events.AckPayload {
	g.join(sess, events.PublicRoom)
	return events.AckPayload{Success: true}
}

func (g *Gateway) OnLeavePublic(sess *Session) events.AckPayload {
	g.leave(sess, events.PublicRoom)
	return events.AckPayload{Success: true}
}

func (g *Gateway) OnJoinCommunity(sess *Session, p events.CommunityPayload) events.AckPayload {
	if p.CommunityID == "" {
		return events.AckPayload{Error: "communityId is required"}
	}
	g.join(sess, events.CommunityRoom(p.CommunityID))
	return events.AckPayload{Success: true}
}

func (g *Gateway) OnLeaveCommunity(sess *Session, p events.CommunityPayload) events.AckPayload {
	if p.CommunityID == "" {
		return events.AckPayload{Error: "communityId is required"}
	}
	g.leave(sess, events.CommunityRoom(p.CommunityID))
	return events.AckPayload{Success: true}
}

// OnDisconnect releases the session's room memberships. Running timers are
// owned by their contest and keep going.
func (g *Gateway) OnDisconnect(sess *Session) {
	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return
	}
	sess.closed = true
	sess.mu.Unlock()

	for room, size := range g.rooms.LeaveAll(sess.ID()) {
		g.metrics.RecordRoomSize(room, size)
	}
	g.active.Add(-1)
	g.metrics.RecordDisconnection()
	log.Debug().Str("socket_id", sess.ID()).Str("user_id", sess.UserID()).Msg("socket disconnected")
}

func (g *Gateway) join(sess *Session, room string) {
	size := g.rooms.Join(room, sess.socket)
	g.metrics.RecordRoomSize(room, size)
}

func (g *Gateway) leave(sess *Session, room string) {
	size := g.rooms.Leave(room, sess.ID())
	g.metrics.RecordRoomSize(room, size)
}

// allowEvent applies the per-socket event quota and reports rejections to the client.
func (g *Gateway) allowEvent(sess *Session) bool {
	res := g.limits.Event.Check(sess.ID())
	if res.Allowed {
		return true
	}
	g.rateLimited(sess, "event", res)
	return false
}

func (g *Gateway) rateLimited(sess *Session, class string, res ratelimit.Result) {
	g.metrics.RecordRateLimitHit(class)
	log.Debug().
		Str("socket_id", sess.ID()).
		Str("class", class).
		Int64("retry_after_ms", res.MsBeforeNext).
		Msg("event rate limited")
	g.sendError(sess, events.ErrorPayload{
		Code:         events.CodeRateLimited,
		Message:      msgRateLimited,
		RetryAfterMs: res.MsBeforeNext,
	})
}

func (g *Gateway) sendError(sess *Session, payload events.ErrorPayload) {
	frame, err := events.Encode(events.Error, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode error frame")
		return
	}
	sess.send(frame)
}

func (g *Gateway) remember(c *models.Contest) {
	g.metaMu.Lock()
	g.meta[c.ID] = contestMeta{
		visibility:  c.Visibility,
		communityID: c.CommunityID,
		loadedAt:    g.clock.Now(),
	}
	g.metaMu.Unlock()
}

// setVisibility records a visibility change. A contest not cached yet is
// loaded first so its community is known.
func (g *Gateway) setVisibility(ctx context.Context, contestID string, v models.ContestVisibility) {
	m, _ := g.lookup(ctx, contestID)
	m.visibility = v
	m.loadedAt = g.clock.Now()

	g.metaMu.Lock()
	g.meta[contestID] = m
	g.metaMu.Unlock()
}

// lookup returns routing metadata for a contest, loading it on first use and
// again once the cached entry is older than MetaTTL. A contest that cannot be
// loaded is treated as private.
func (g *Gateway) lookup(ctx context.Context, contestID string) (contestMeta, bool) {
	g.metaMu.RLock()
	m, ok := g.meta[contestID]
	g.metaMu.RUnlock()
	if ok && g.clock.Since(m.loadedAt) < g.cfg.MetaTTL {
		return m, true
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.RequestTimeout)
	defer cancel()
	contest, err := g.store.FindContest(ctx, contestID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("contest_id", contestID).Msg("failed to load contest visibility")
		}
		return contestMeta{}, false
	}
	g.remember(contest)
	return contestMeta{visibility: contest.Visibility, communityID: contest.CommunityID}, true
}
