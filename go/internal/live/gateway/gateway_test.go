package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/courtside/go/internal/contest"
	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/clock"
	"github.com/mcdev12/courtside/go/internal/live/cluster"
	"github.com/mcdev12/courtside/go/internal/live/events"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
	"github.com/mcdev12/courtside/go/internal/live/ratelimit"
	"github.com/mcdev12/courtside/go/internal/live/timer"
	"github.com/mcdev12/courtside/go/internal/models"
)

type fakeSocket struct {
	id   string
	addr string

	mu     sync.Mutex
	frames []events.Frame
	closed bool
}

func newSocket(id, addr string) *fakeSocket {
	return &fakeSocket{id: id, addr: addr}
}

func (f *fakeSocket) ID() string         { return f.id }
func (f *fakeSocket) RemoteAddr() string { return f.addr }

func (f *fakeSocket) Send(frame []byte) error {
	var decoded events.Frame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, decoded)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// received returns the frames with the given event name.
func (f *fakeSocket) received(event string) []events.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []events.Frame
	for _, fr := range f.frames {
		if fr.Event == event {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSocket) lastError(t *testing.T) events.ErrorPayload {
	t.Helper()
	errs := f.received(events.Error)
	require.NotEmpty(t, errs, "expected an error frame on %s", f.id)
	var p events.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Data, &p))
	return p
}

type harness struct {
	clock  *clockwork.FakeClock
	repo   *contest.MemoryRepository
	tasks  *clock.ManualScheduler
	sched  *broadcast.Scheduler
	engine *timer.Engine
	stats  *metrics.Collector
	gw     *Gateway
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 14, 19, 0, 0, 0, time.UTC))

	repo := contest.NewMemoryRepository()
	repo.PutContest(models.Contest{
		ID:            "c1",
		OwnerID:       "owner",
		HomeTeam:      "Hawks",
		AwayTeam:      "Owls",
		ClockSeconds:  600,
		PeriodSeconds: 600,
		Status:        models.ContestStatusScheduled,
		Visibility:    models.ContestVisibilityPrivate,
		Roster:        []models.RosterEntry{{PlayerID: "p1", Name: "Ana", TeamSide: "home"}},
	})
	repo.AddScorer(models.Scorer{ContestID: "c1", UserID: "scorer", Role: models.ScorerRoleAssistant})

	tasks := clock.NewManualScheduler()
	stats := metrics.NewCollector(metrics.DefaultConfig(), clk)
	rooms := NewRooms()
	adapter := cluster.NewAdapter(cluster.DefaultConfig(), "test-instance", rooms)
	sched := broadcast.NewScheduler(broadcast.DefaultConfig(), adapter, stats, tasks, clk)
	sched.Start()
	engine := timer.NewEngine(timer.DefaultConfig(), repo, sched, timer.NewRegistry(), tasks, clk)

	limits, err := ratelimit.New(ratelimit.DefaultConfig(), clk)
	require.NoError(t, err)

	return &harness{
		clock:  clk,
		repo:   repo,
		tasks:  tasks,
		sched:  sched,
		engine: engine,
		stats:  stats,
		gw:     New(cfg, repo, engine, sched, rooms, limits, stats, clk),
	}
}

// flush runs the three broadcast loops once.
func (h *harness) flush() {
	cfg := broadcast.DefaultConfig()
	h.tasks.Fire(cfg.HighInterval)
	h.tasks.Fire(cfg.NormalInterval)
	h.tasks.Fire(cfg.LowInterval)
}

func (h *harness) connect(t *testing.T, id, addr string) (*fakeSocket, *Session) {
	t.Helper()
	s := newSocket(id, addr)
	sess, ok := h.gw.OnConnect(s)
	require.True(t, ok, "connection %s should be admitted", id)
	return s, sess
}

// connectAs admits a socket and authenticates it as userID.
func (h *harness) connectAs(t *testing.T, id, addr, userID string) (*fakeSocket, *Session) {
	t.Helper()
	s, sess := h.connect(t, id, addr)
	require.True(t, h.gw.OnAuthenticate(sess, events.AuthenticatePayload{UserID: userID}).Success)
	return s, sess
}

func gameState(t *testing.T, s *fakeSocket) events.GameStatePayload {
	t.Helper()
	states := s.received(events.GameState)
	require.Len(t, states, 1)
	var p events.GameStatePayload
	require.NoError(t, json.Unmarshal(states[0].Data, &p))
	return p
}

func TestOnConnect_RejectsAtCapacity(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 2})

	h.connect(t, "a", "10.0.0.1")
	h.connect(t, "b", "10.0.0.2")

	third := newSocket("c", "10.0.0.3")
	sess, ok := h.gw.OnConnect(third)
	assert.False(t, ok)
	assert.Nil(t, sess)
	assert.True(t, third.isClosed())
	assert.Equal(t, events.CodeServerAtCapacity, third.lastError(t).Code)
	assert.Equal(t, 2, h.gw.ActiveConnections())
}

func TestOnConnect_ConnectionStorm(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	for i := 1; i <= 20; i++ {
		s := newSocket(fmt.Sprintf("s%d", i), "203.0.113.9")
		_, ok := h.gw.OnConnect(s)
		if i <= 10 {
			assert.True(t, ok, "connection %d", i)
			assert.False(t, s.isClosed())
			continue
		}
		assert.False(t, ok, "connection %d", i)
		assert.True(t, s.isClosed())
		e := s.lastError(t)
		assert.Equal(t, events.CodeRateLimited, e.Code)
		assert.Positive(t, e.RetryAfterMs)
	}
	assert.Equal(t, 10, h.gw.ActiveConnections())

	h.stats.Recompute()
	assert.EqualValues(t, 10, h.stats.Snapshot().RateLimitHits)
	assert.EqualValues(t, 10, h.stats.Snapshot().ActiveConnections)
}

func TestOnAuthenticate_ClearsConnectionPenalty(t *testing.T) {
	h := newHarness(t, DefaultConfig())

	var last *Session
	for i := 0; i < 10; i++ {
		_, last = h.connect(t, fmt.Sprintf("s%d", i), "198.51.100.4")
	}

	ack := h.gw.OnAuthenticate(last, events.AuthenticatePayload{UserID: "owner"})
	assert.True(t, ack.Success)
	assert.Equal(t, "owner", last.UserID())

	h.connect(t, "after-auth", "198.51.100.4")
}

func TestOnAuthenticate_RequiresUser(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, sess := h.connect(t, "a", "10.0.0.1")

	ack := h.gw.OnAuthenticate(sess, events.AuthenticatePayload{})
	assert.False(t, ack.Success)
	assert.Empty(t, sess.UserID())
}

func TestJoinRoom_HydratesJoiningSocketOnly(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repo.AddEvent(models.GameEvent{ID: "e1", ContestID: "c1", Type: "score", Points: 2})
	ctx := context.Background()

	first, firstSess := h.connect(t, "first", "10.0.0.1")
	second, secondSess := h.connect(t, "second", "10.0.0.2")

	require.True(t, h.gw.OnJoinRoom(ctx, firstSess, "c1").Success)
	require.True(t, h.gw.OnJoinRoom(ctx, secondSess, "c1").Success)
	h.flush()

	// each socket receives exactly its own hydration
	state := gameState(t, first)
	gameState(t, second)

	assert.Equal(t, "owner", state.Contest.OwnerID)
	assert.Equal(t, 600, state.Contest.ClockSeconds)
	assert.False(t, state.Contest.IsTimerRunning)
	assert.Len(t, state.Contest.Roster, 1)
	assert.Len(t, state.Contest.Scorers, 1)
	require.Len(t, state.Events, 1)
	assert.Equal(t, "e1", state.Events[0].ID)

	assert.Equal(t, 2, h.gw.Rooms().Size(events.ContestRoom("c1")))
	h.stats.Recompute()
	assert.Equal(t, 2, h.stats.Snapshot().RoomSizes[events.ContestRoom("c1")])
}

func TestJoinRoom_UnknownContest(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	s, sess := h.connect(t, "a", "10.0.0.1")

	ack := h.gw.OnJoinRoom(context.Background(), sess, "missing")
	assert.False(t, ack.Success)
	assert.Equal(t, events.CodeGameStateUnavailable, s.lastError(t).Code)
	assert.Empty(t, s.received(events.GameState))
}

func TestJoinRoom_CorrectsRunningClock(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, owner := h.connect(t, "owner-socket", "10.0.0.1")
	ack := h.gw.OnTimerControl(ctx, owner, events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStart, UserID: "owner"})
	require.True(t, ack.Success)
	require.NotNil(t, ack.ClockSeconds)
	assert.Equal(t, 600, *ack.ClockSeconds)
	assert.True(t, *ack.IsTimerRunning)

	h.clock.Advance(42*time.Second + 500*time.Millisecond)

	late, lateSess := h.connect(t, "late", "10.0.0.2")
	require.True(t, h.gw.OnJoinRoom(ctx, lateSess, "c1").Success)

	state := gameState(t, late)
	assert.Equal(t, 558, state.Contest.ClockSeconds)
	assert.True(t, state.Contest.IsTimerRunning)
}

func TestJoinRoom_ResumesPersistedTimer(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	startedAt := h.clock.Now().Add(-100 * time.Second)
	h.repo.PutContest(models.Contest{
		ID:             "c2",
		OwnerID:        "owner",
		ClockSeconds:   600,
		PeriodSeconds:  600,
		IsTimerRunning: true,
		TimerStartedAt: &startedAt,
		Status:         models.ContestStatusLive,
		Visibility:     models.ContestVisibilityPrivate,
	})

	s, sess := h.connect(t, "a", "10.0.0.1")
	require.True(t, h.gw.OnJoinRoom(context.Background(), sess, "c2").Success)

	assert.Equal(t, 1, h.engine.Registry().Len())
	state := gameState(t, s)
	assert.Equal(t, 500, state.Contest.ClockSeconds)
	assert.True(t, state.Contest.IsTimerRunning)
}

func TestJoinRoom_ExpiredPersistedTimerShowsStopped(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	startedAt := h.clock.Now().Add(-20 * time.Minute)
	h.repo.PutContest(models.Contest{
		ID:             "c2",
		OwnerID:        "owner",
		ClockSeconds:   600,
		PeriodSeconds:  600,
		IsTimerRunning: true,
		TimerStartedAt: &startedAt,
		Visibility:     models.ContestVisibilityPrivate,
	})

	s, sess := h.connect(t, "a", "10.0.0.1")
	require.True(t, h.gw.OnJoinRoom(context.Background(), sess, "c2").Success)

	assert.Zero(t, h.engine.Registry().Len())
	state := gameState(t, s)
	assert.Zero(t, state.Contest.ClockSeconds)
	assert.False(t, state.Contest.IsTimerRunning)
}

func TestTimerControl_UnauthorizedWritesNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, sess := h.connect(t, "a", "10.0.0.1")

	ack := h.gw.OnTimerControl(context.Background(), sess, events.TimerControlPayload{
		ContestID: "c1",
		Action:    events.TimerActionStart,
		UserID:    "stranger",
	})
	assert.False(t, ack.Success)
	assert.Equal(t, events.ErrNotAuthorized, ack.Error)
	assert.Zero(t, h.repo.UpdateCount())
	assert.Zero(t, h.engine.Registry().Len())
}

func TestTimerControl_AuthenticatedUserOverridesPayload(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, sess := h.connect(t, "a", "10.0.0.1")
	h.gw.OnAuthenticate(sess, events.AuthenticatePayload{UserID: "stranger"})

	ack := h.gw.OnTimerControl(ctx, sess, events.TimerControlPayload{
		ContestID: "c1",
		Action:    events.TimerActionStart,
		UserID:    "owner",
	})
	assert.Equal(t, events.ErrNotAuthorized, ack.Error)
	assert.Zero(t, h.engine.Registry().Len())
}

func TestTimerControl_ScorerCanStartAndStop(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	_, sess := h.connect(t, "a", "10.0.0.1")
	h.gw.OnAuthenticate(sess, events.AuthenticatePayload{UserID: "scorer"})

	ack := h.gw.OnTimerControl(ctx, sess, events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStart})
	require.True(t, ack.Success)
	assert.Equal(t, 1, h.engine.Registry().Len())

	h.clock.Advance(30 * time.Second)
	ack = h.gw.OnTimerControl(ctx, sess, events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStop})
	require.True(t, ack.Success)
	assert.Equal(t, 570, *ack.ClockSeconds)
	assert.False(t, *ack.IsTimerRunning)

	c, err := h.repo.FindContest(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 570, c.ClockSeconds)
	assert.False(t, c.IsTimerRunning)
}

func TestTimerControl_InvalidAction(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	_, sess := h.connect(t, "a", "10.0.0.1")

	ack := h.gw.OnTimerControl(context.Background(), sess, events.TimerControlPayload{ContestID: "c1", Action: "pause", UserID: "owner"})
	assert.False(t, ack.Success)
	assert.Zero(t, h.repo.UpdateCount())
}

func TestTimerControl_BurstQuota(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	s, sess := h.connect(t, "a", "10.0.0.1")

	stop := events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStop, UserID: "owner"}
	for i := 0; i < 10; i++ {
		require.True(t, h.gw.OnTimerControl(ctx, sess, stop).Success, "control %d", i+1)
	}
	ack := h.gw.OnTimerControl(ctx, sess, stop)
	assert.False(t, ack.Success)
	assert.Equal(t, events.CodeRateLimited, s.lastError(t).Code)

	// another socket has its own bucket for the same contest
	_, other := h.connect(t, "b", "10.0.0.2")
	assert.True(t, h.gw.OnTimerControl(ctx, other, stop).Success)
}

type failingStore struct{}

func (failingStore) FindContest(context.Context, string) (*models.Contest, error) {
	return nil, errors.New("connection refused")
}

func (failingStore) FindScorer(context.Context, string, string) (*models.Scorer, error) {
	return nil, errors.New("connection refused")
}

type scorerErrStore struct {
	*contest.MemoryRepository
}

func (scorerErrStore) FindScorer(context.Context, string, string) (*models.Scorer, error) {
	return nil, errors.New("timeout")
}

func TestIsAuthorized(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	assert.True(t, h.gw.IsAuthorized(ctx, "c1", "owner"))
	assert.True(t, h.gw.IsAuthorized(ctx, "c1", "scorer"))
	assert.False(t, h.gw.IsAuthorized(ctx, "c1", "stranger"))
	assert.False(t, h.gw.IsAuthorized(ctx, "c1", ""))
	assert.False(t, h.gw.IsAuthorized(ctx, "missing", "owner"))

	down := New(DefaultConfig(), failingStore{}, h.engine, h.sched, nil, h.gw.limits, nil, h.clock)
	assert.False(t, down.IsAuthorized(ctx, "c1", "owner"))

	partial := New(DefaultConfig(), scorerErrStore{h.repo}, h.engine, h.sched, nil, h.gw.limits, nil, h.clock)
	assert.True(t, partial.IsAuthorized(ctx, "c1", "owner"))
	assert.False(t, partial.IsAuthorized(ctx, "c1", "scorer"))
}

func TestTimerControl_StoreFailureFailsClosed(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	gw := New(DefaultConfig(), failingStore{}, h.engine, h.sched, nil, h.gw.limits, h.stats, h.clock)
	_, sess := h.connect(t, "a", "10.0.0.1")

	ack := gw.OnTimerControl(context.Background(), sess, events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStart, UserID: "owner"})
	assert.False(t, ack.Success)
	assert.Equal(t, events.ErrNotAuthorized, ack.Error)
	assert.Zero(t, h.repo.UpdateCount())
}

func TestUpdateGame_ExcludesSender(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	a, aSess := h.connectAs(t, "a", "10.0.0.1", "scorer")
	b, bSess := h.connect(t, "b", "10.0.0.2")
	require.True(t, h.gw.OnJoinRoom(ctx, aSess, "c1").Success)
	require.True(t, h.gw.OnJoinRoom(ctx, bSess, "c1").Success)

	ack := h.gw.OnUpdateGame(ctx, aSess, events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"homeScore": 2}})
	require.True(t, ack.Success)
	h.flush()

	assert.Empty(t, a.received(events.GameUpdated))
	require.Len(t, b.received(events.GameUpdated), 1)

	var p events.UpdateGamePayload
	require.NoError(t, json.Unmarshal(b.received(events.GameUpdated)[0].Data, &p))
	assert.Equal(t, "c1", p.ContestID)
	assert.EqualValues(t, 2, p.Updates["homeScore"])
}

func TestUpdateGame_PublicContestFansOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repo.PutContest(models.Contest{
		ID:          "pub",
		OwnerID:     "owner",
		Visibility:  models.ContestVisibilityPublic,
		CommunityID: "league-1",
	})
	ctx := context.Background()

	_, sender := h.connectAs(t, "sender", "10.0.0.1", "owner")
	lobby, lobbySess := h.connect(t, "lobby", "10.0.0.2")
	community, communitySess := h.connect(t, "community", "10.0.0.3")
	h.gw.OnJoinPublic(lobbySess)
	h.gw.OnJoinCommunity(communitySess, events.CommunityPayload{CommunityID: "league-1"})

	require.True(t, h.gw.OnAddEvent(ctx, sender, events.AddEventPayload{ContestID: "pub", Event: map[string]any{"type": "foul"}}).Success)
	h.flush()

	assert.Len(t, lobby.received(events.PublicGameUpdate), 1)
	assert.Len(t, community.received(events.CommunityGameUpdate), 1)
	assert.Empty(t, lobby.received(events.EventAdded))
}

func TestUpdateGame_PrivateContestStaysInRoom(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, sender := h.connectAs(t, "sender", "10.0.0.1", "owner")
	lobby, lobbySess := h.connect(t, "lobby", "10.0.0.2")
	h.gw.OnJoinPublic(lobbySess)

	require.True(t, h.gw.OnUpdateGame(ctx, sender, events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"period": 2}}).Success)
	h.flush()

	assert.Empty(t, lobby.received(events.PublicGameUpdate))
}

func TestUpdateGame_RejectsUnauthorizedSender(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	spectator, spectatorSess := h.connect(t, "spectator", "10.0.0.1")
	require.True(t, h.gw.OnJoinRoom(ctx, spectatorSess, "c1").Success)

	_, anonymous := h.connect(t, "anonymous", "10.0.0.2")
	_, fan := h.connectAs(t, "fan", "10.0.0.3", "fan")

	for _, sess := range []*Session{anonymous, fan} {
		ack := h.gw.OnAddEvent(ctx, sess, events.AddEventPayload{ContestID: "c1", Event: map[string]any{"type": "score"}})
		assert.False(t, ack.Success)
		assert.Equal(t, msgUpdateDenied, ack.Error)

		// 59 more denied updates per socket, 120 in total
		for i := 0; i < 59; i++ {
			ack = h.gw.OnUpdateGame(ctx, sess, events.UpdateGamePayload{
				ContestID: "c1",
				Updates:   map[string]any{"homeScore": 99, "clockSeconds": 1},
			})
			require.False(t, ack.Success)
			require.Equal(t, msgUpdateDenied, ack.Error)
		}
	}
	h.flush()

	assert.Empty(t, spectator.received(events.GameUpdated))
	assert.Empty(t, spectator.received(events.EventAdded))

	// denied updates do not spend the shared room quota
	_, scorer := h.connectAs(t, "scorer", "10.0.0.4", "scorer")
	update := events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"homeScore": 1}}
	require.True(t, h.gw.OnUpdateGame(ctx, scorer, update).Success)
	h.flush()
	assert.Len(t, spectator.received(events.GameUpdated), 1)
}

func TestUpdateGame_DropsClockFields(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, owner := h.connectAs(t, "owner", "10.0.0.1", "owner")
	spectator, spectatorSess := h.connect(t, "spectator", "10.0.0.2")
	require.True(t, h.gw.OnJoinRoom(ctx, spectatorSess, "c1").Success)

	require.True(t, h.gw.OnUpdateGame(ctx, owner, events.UpdateGamePayload{
		ContestID: "c1",
		Updates:   map[string]any{"homeScore": 3, "clockSeconds": 1, "isTimerRunning": true},
	}).Success)
	h.flush()

	updates := spectator.received(events.GameUpdated)
	require.Len(t, updates, 1)
	var p events.UpdateGamePayload
	require.NoError(t, json.Unmarshal(updates[0].Data, &p))
	assert.Equal(t, map[string]any{"homeScore": float64(3)}, p.Updates)
}

func TestUpdateGame_VisibilityChangeBeforeFirstLookup(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repo.PutContest(models.Contest{
		ID:          "c2",
		OwnerID:     "owner",
		Visibility:  models.ContestVisibilityPrivate,
		CommunityID: "league-2",
	})
	ctx := context.Background()

	_, owner := h.connectAs(t, "owner", "10.0.0.1", "owner")
	lobby, lobbySess := h.connect(t, "lobby", "10.0.0.2")
	community, communitySess := h.connect(t, "community", "10.0.0.3")
	h.gw.OnJoinPublic(lobbySess)
	h.gw.OnJoinCommunity(communitySess, events.CommunityPayload{CommunityID: "league-2"})

	require.True(t, h.gw.OnUpdateGame(ctx, owner, events.UpdateGamePayload{
		ContestID: "c2",
		Updates:   map[string]any{"visibility": "public"},
	}).Success)
	require.True(t, h.gw.OnAddEvent(ctx, owner, events.AddEventPayload{ContestID: "c2", Event: map[string]any{"type": "foul"}}).Success)
	h.flush()

	assert.Len(t, lobby.received(events.PublicGameUpdate), 2)
	assert.Len(t, community.received(events.CommunityGameUpdate), 2)
}

func TestUpdateGame_VisibilityCacheExpires(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, owner := h.connectAs(t, "owner", "10.0.0.1", "owner")
	lobby, lobbySess := h.connect(t, "lobby", "10.0.0.2")
	h.gw.OnJoinPublic(lobbySess)
	update := events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"homeScore": 1}}

	require.True(t, h.gw.OnUpdateGame(ctx, owner, update).Success)
	h.flush()
	assert.Empty(t, lobby.received(events.PublicGameUpdate))

	c, err := h.repo.FindContest(ctx, "c1")
	require.NoError(t, err)
	c.Visibility = models.ContestVisibilityPublic
	h.repo.PutContest(*c)

	h.clock.Advance(DefaultConfig().MetaTTL)
	require.True(t, h.gw.OnUpdateGame(ctx, owner, update).Success)
	h.flush()
	assert.Len(t, lobby.received(events.PublicGameUpdate), 1)
}

func TestLeavePublic_StopsFanOut(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.repo.PutContest(models.Contest{ID: "pub", OwnerID: "owner", Visibility: models.ContestVisibilityPublic})
	ctx := context.Background()

	_, sender := h.connectAs(t, "sender", "10.0.0.1", "owner")
	lobby, lobbySess := h.connect(t, "lobby", "10.0.0.2")
	h.gw.OnJoinPublic(lobbySess)
	h.gw.OnLeavePublic(lobbySess)

	require.True(t, h.gw.OnUpdateGame(ctx, sender, events.UpdateGamePayload{ContestID: "pub", Updates: map[string]any{"homeScore": 1}}).Success)
	h.flush()

	assert.Empty(t, lobby.received(events.PublicGameUpdate))
	assert.Zero(t, h.gw.Rooms().Size(events.PublicRoom))
}

func TestEventQuota_Rejects61st(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	s, sess := h.connectAs(t, "a", "10.0.0.1", "owner")

	update := events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"homeScore": 1}}
	for i := 0; i < 60; i++ {
		require.True(t, h.gw.OnUpdateGame(ctx, sess, update).Success, "event %d", i+1)
	}

	ack := h.gw.OnUpdateGame(ctx, sess, update)
	assert.False(t, ack.Success)
	e := s.lastError(t)
	assert.Equal(t, events.CodeRateLimited, e.Code)
	assert.Positive(t, e.RetryAfterMs)
}

func TestRoomQuota_SharedAcrossSockets(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	update := events.UpdateGamePayload{ContestID: "c1", Updates: map[string]any{"homeScore": 1}}
	for i := 0; i < 3; i++ {
		_, sess := h.connectAs(t, fmt.Sprintf("s%d", i), fmt.Sprintf("10.0.0.%d", i), "scorer")
		for j := 0; j < 40; j++ {
			require.True(t, h.gw.OnUpdateGame(ctx, sess, update).Success)
		}
	}

	s, sess := h.connectAs(t, "extra", "10.0.0.9", "scorer")
	assert.False(t, h.gw.OnUpdateGame(ctx, sess, update).Success)
	assert.Equal(t, events.CodeRateLimited, s.lastError(t).Code)
}

func TestOnDisconnect_KeepsTimerRunning(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	_, sess := h.connect(t, "a", "10.0.0.1")
	require.True(t, h.gw.OnJoinRoom(ctx, sess, "c1").Success)
	require.True(t, h.gw.OnTimerControl(ctx, sess, events.TimerControlPayload{ContestID: "c1", Action: events.TimerActionStart, UserID: "owner"}).Success)

	h.gw.OnDisconnect(sess)
	h.gw.OnDisconnect(sess)

	assert.Equal(t, 1, h.engine.Registry().Len())
	assert.Zero(t, h.gw.ActiveConnections())
	assert.Zero(t, h.gw.Rooms().Size(events.ContestRoom("c1")))
	assert.Empty(t, h.gw.Rooms().RoomsOf("a"))
}

func TestHandleFrame(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	s, sess := h.connect(t, "a", "10.0.0.1")

	h.gw.HandleFrame(ctx, sess, []byte(`{not json`))
	assert.Equal(t, events.CodeBadRequest, s.lastError(t).Code)

	h.gw.HandleFrame(ctx, sess, []byte(`{"event":"explode","ackId":7}`))
	acks := s.received(events.Ack)
	require.Len(t, acks, 1)
	assert.EqualValues(t, 7, *acks[0].AckID)

	h.gw.HandleFrame(ctx, sess, []byte(`{"event":"authenticate","data":{"userId":"owner"},"ackId":8}`))
	h.gw.HandleFrame(ctx, sess, []byte(`{"event":"timer-control","data":{"contestId":"c1","action":"start"},"ackId":9}`))

	acks = s.received(events.Ack)
	require.Len(t, acks, 3)
	var ack events.AckPayload
	require.NoError(t, json.Unmarshal(acks[2].Data, &ack))
	assert.EqualValues(t, 9, *acks[2].AckID)
	assert.True(t, ack.Success)
	assert.Equal(t, 1, h.engine.Registry().Len())

	// frames without an ack id get no ack
	h.gw.HandleFrame(ctx, sess, []byte(`{"event":"join-public-games"}`))
	assert.Len(t, s.received(events.Ack), 3)
	assert.Equal(t, 1, h.gw.Rooms().Size(events.PublicRoom))
}

func TestCheckLoad_AdaptsBroadcastTier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 5000
	h := newHarness(t, cfg)

	for i := 0; i < 1000; i++ {
		s := newSocket(fmt.Sprintf("s%d", i), fmt.Sprintf("addr-%d", i))
		_, ok := h.gw.OnConnect(s)
		require.True(t, ok)
	}

	h.stats.Recompute()
	assert.Equal(t, metrics.Healthy, h.gw.checkLoad(metrics.Healthy))
	assert.Equal(t, "elevated", h.sched.Stats().Tier)
}
