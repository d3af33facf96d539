package contest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mcdev12/courtside/go/internal/models"
)

// MemoryRepository is an in-process contest store for development and tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	contests map[string]*models.Contest
	scorers  map[string]map[string]models.Scorer
	events   map[string][]models.GameEvent
	updates  int

	recentEventLimit int
}

// NewMemoryRepository creates an empty in-memory contest store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		contests:         make(map[string]*models.Contest),
		scorers:          make(map[string]map[string]models.Scorer),
		events:           make(map[string][]models.GameEvent),
		recentEventLimit: defaultRecentEventLimit,
	}
}

// PutContest inserts or replaces a contest.
func (m *MemoryRepository) PutContest(c models.Contest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := c
	m.contests[c.ID] = &cp
}

// AddScorer grants a user a role on a contest.
func (m *MemoryRepository) AddScorer(s models.Scorer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.scorers[s.ContestID] == nil {
		m.scorers[s.ContestID] = make(map[string]models.Scorer)
	}
	m.scorers[s.ContestID][s.UserID] = s
}

// AddEvent appends a play-by-play event.
func (m *MemoryRepository) AddEvent(e models.GameEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ContestID] = append(m.events[e.ContestID], e)
}

// UpdateCount returns how many UpdateContest calls have been applied.
func (m *MemoryRepository) UpdateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.updates
}

func (m *MemoryRepository) FindContest(ctx context.Context, id string) (*models.Contest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contests[id]
	if !ok {
		return nil, ErrNotFound
	}

	out, err := cloneContest(c)
	if err != nil {
		return nil, err
	}

	out.Scorers = []models.Scorer{}
	for _, s := range m.scorers[id] {
		out.Scorers = append(out.Scorers, s)
	}

	evs := m.events[id]
	if len(evs) > m.recentEventLimit {
		evs = evs[len(evs)-m.recentEventLimit:]
	}
	out.RecentEvents = append([]models.GameEvent{}, evs...)
	return out, nil
}

func (m *MemoryRepository) FindScorer(ctx context.Context, contestID, userID string) (*models.Scorer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.scorers[contestID][userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryRepository) UpdateContest(ctx context.Context, id string, update models.ContestUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contests[id]
	if !ok {
		return ErrNotFound
	}
	if update.IsEmpty() {
		return nil
	}

	if update.ClockSeconds != nil {
		c.ClockSeconds = *update.ClockSeconds
	}
	if update.IsTimerRunning != nil {
		c.IsTimerRunning = *update.IsTimerRunning
	}
	if update.Status != nil {
		c.Status = *update.Status
	}
	if update.ClearTimerStartedAt {
		c.TimerStartedAt = nil
	} else if update.TimerStartedAt != nil {
		t := *update.TimerStartedAt
		c.TimerStartedAt = &t
	}
	c.UpdatedAt = time.Now()
	m.updates++
	return nil
}

// cloneContest deep-copies through JSON so callers can never alias stored state.
func cloneContest(c *models.Contest) (*models.Contest, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to copy contest: %w", err)
	}
	var out models.Contest
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to copy contest: %w", err)
	}
	if out.Roster == nil {
		out.Roster = []models.RosterEntry{}
	}
	return &out, nil
}
