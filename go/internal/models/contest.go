package models

import (
	"encoding/json"
	"time"
)

// ContestStatus defines the lifecycle status of a contest.
type ContestStatus string

const (
	ContestStatusScheduled ContestStatus = "scheduled"
	ContestStatusLive      ContestStatus = "live"
	ContestStatusFinal     ContestStatus = "final"
)

// ContestVisibility controls whether spectators outside the contest room see updates.
type ContestVisibility string

const (
	ContestVisibilityPrivate ContestVisibility = "private"
	ContestVisibilityPublic  ContestVisibility = "public"
)

// ScorerRole is the role a user holds on a contest's scoring table.
type ScorerRole string

const (
	ScorerRoleScorekeeper ScorerRole = "scorekeeper"
	ScorerRoleAssistant   ScorerRole = "assistant"
	ScorerRoleViewer      ScorerRole = "viewer"
)

// RosterEntry is a single player line on a contest roster.
type RosterEntry struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name"`
	Number   string `json:"number,omitempty"`
	TeamSide string `json:"teamSide"` // "home" or "away"
	Points   int    `json:"points"`
	Fouls    int    `json:"fouls"`
}

// Scorer is a user allowed to operate a contest's scoring controls.
type Scorer struct {
	ContestID string     `json:"contestId"`
	UserID    string     `json:"userId"`
	Role      ScorerRole `json:"role"`
	CreatedAt time.Time  `json:"createdAt"`
}

// GameEvent is a recorded play-by-play entry.
type GameEvent struct {
	ID           string          `json:"id"`
	ContestID    string          `json:"contestId"`
	Type         string          `json:"type"`
	Period       int             `json:"period"`
	ClockSeconds int             `json:"clockSeconds"`
	TeamSide     string          `json:"teamSide,omitempty"`
	PlayerID     string          `json:"playerId,omitempty"`
	Points       int             `json:"points,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Contest is the durable state of a single scored event.
type Contest struct {
	ID             string            `json:"id"`
	OwnerID        string            `json:"ownerId"`
	HomeTeam       string            `json:"homeTeam"`
	AwayTeam       string            `json:"awayTeam"`
	HomeScore      int               `json:"homeScore"`
	AwayScore      int               `json:"awayScore"`
	HomeFouls      int               `json:"homeFouls"`
	AwayFouls      int               `json:"awayFouls"`
	Period         int               `json:"period"`
	ClockSeconds   int               `json:"clockSeconds"`
	PeriodSeconds  int               `json:"periodSeconds"`
	IsTimerRunning bool              `json:"isTimerRunning"`
	TimerStartedAt *time.Time        `json:"timerStartedAt"`
	Status         ContestStatus     `json:"status"`
	Visibility     ContestVisibility `json:"visibility"`
	CommunityID    string            `json:"communityId,omitempty"`
	Roster         []RosterEntry     `json:"roster"`
	Scorers        []Scorer          `json:"scorers"`
	RecentEvents   []GameEvent       `json:"recentEvents"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// IsPublic reports whether updates should fan out beyond the contest room.
func (c *Contest) IsPublic() bool {
	return c.Visibility == ContestVisibilityPublic
}

// ContestUpdate is a partial update of a contest. Nil fields are left untouched.
type ContestUpdate struct {
	ClockSeconds        *int
	IsTimerRunning      *bool
	Status              *ContestStatus
	TimerStartedAt      *time.Time
	ClearTimerStartedAt bool
}

// IsEmpty reports whether the update would change nothing.
func (u ContestUpdate) IsEmpty() bool {
	return u.ClockSeconds == nil &&
		u.IsTimerRunning == nil &&
		u.Status == nil &&
		u.TimerStartedAt == nil &&
		!u.ClearTimerStartedAt
}
