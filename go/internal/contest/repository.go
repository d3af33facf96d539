package contest

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/courtside/go/internal/models"
	"github.com/mcdev12/courtside/go/internal/sqlutil"
	"github.com/sqlc-dev/pqtype"
)

//go:embed schema.sql
var Schema string

// ErrNotFound is returned when a contest does not exist.
var ErrNotFound = errors.New("contest not found")

const defaultRecentEventLimit = 20

// Repository reads and writes contest state in Postgres.
type Repository struct {
	db               *sql.DB
	recentEventLimit int
}

// NewRepository creates a new Postgres-backed contest repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{
		db:               db,
		recentEventLimit: defaultRecentEventLimit,
	}
}

// EnsureSchema creates the contest tables if they do not exist.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply contest schema: %w", err)
	}
	return nil
}

// FindContest loads a contest together with its roster, scorers and most recent events.
func (r *Repository) FindContest(ctx context.Context, id string) (*models.Contest, error) {
	var c *models.Contest
	err := sqlutil.Run(ctx, r.db, sqlutil.ReadSnapshot, func(tx *sql.Tx) error {
		var err error
		c, err = r.findContest(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Repository) findContest(ctx context.Context, q sqlutil.Querier, id string) (*models.Contest, error) {
	const query = `
		SELECT id, owner_id, home_team, away_team, home_score, away_score,
		       home_fouls, away_fouls, period, clock_seconds, period_seconds,
		       is_timer_running, timer_started_at, status, visibility,
		       community_id, roster, created_at, updated_at
		FROM contests
		WHERE id = $1`

	var (
		c              models.Contest
		timerStartedAt sql.NullTime
		communityID    sql.NullString
		roster         pqtype.NullRawMessage
		status         string
		visibility     string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.OwnerID, &c.HomeTeam, &c.AwayTeam, &c.HomeScore, &c.AwayScore,
		&c.HomeFouls, &c.AwayFouls, &c.Period, &c.ClockSeconds, &c.PeriodSeconds,
		&c.IsTimerRunning, &timerStartedAt, &status, &visibility,
		&communityID, &roster, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contest: %w", err)
	}

	c.Status = models.ContestStatus(status)
	c.Visibility = models.ContestVisibility(visibility)
	c.TimerStartedAt = sqlutil.FromSqlTime(timerStartedAt)
	c.CommunityID = sqlutil.FromSqlString(communityID, "")
	c.Roster = []models.RosterEntry{}
	if roster.Valid {
		if err := json.Unmarshal(roster.RawMessage, &c.Roster); err != nil {
			return nil, fmt.Errorf("failed to decode roster: %w", err)
		}
	}

	if c.Scorers, err = r.listScorers(ctx, q, id); err != nil {
		return nil, err
	}
	if c.RecentEvents, err = r.listRecentEvents(ctx, q, id); err != nil {
		return nil, err
	}
	return &c, nil
}

// FindScorer returns the scorer record for the user, or nil when the user holds no role.
func (r *Repository) FindScorer(ctx context.Context, contestID, userID string) (*models.Scorer, error) {
	const query = `
		SELECT contest_id, user_id, role, created_at
		FROM contest_scorers
		WHERE contest_id = $1 AND user_id = $2`

	var (
		s    models.Scorer
		role string
	)
	err := r.db.QueryRowContext(ctx, query, contestID, userID).Scan(&s.ContestID, &s.UserID, &role, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scorer: %w", err)
	}
	s.Role = models.ScorerRole(role)
	return &s, nil
}

// UpdateContest applies a partial update to the contest row.
func (r *Repository) UpdateContest(ctx context.Context, id string, update models.ContestUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.ClockSeconds != nil {
		add("clock_seconds", *update.ClockSeconds)
	}
	if update.IsTimerRunning != nil {
		add("is_timer_running", *update.IsTimerRunning)
	}
	if update.Status != nil {
		add("status", string(*update.Status))
	}
	if update.ClearTimerStartedAt {
		sets = append(sets, "timer_started_at = NULL")
	} else if update.TimerStartedAt != nil {
		add("timer_started_at", sqlutil.ToSqlTime(update.TimerStartedAt))
	}
	sets = append(sets, "updated_at = now()")

	args = append(args, id)
	query := fmt.Sprintf("UPDATE contests SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update contest: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) listScorers(ctx context.Context, q sqlutil.Querier, contestID string) ([]models.Scorer, error) {
	const query = `
		SELECT contest_id, user_id, role, created_at
		FROM contest_scorers
		WHERE contest_id = $1
		ORDER BY created_at`

	rows, err := q.QueryContext(ctx, query, contestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scorers: %w", err)
	}
	defer rows.Close()

	scorers := []models.Scorer{}
	for rows.Next() {
		var (
			s    models.Scorer
			role string
		)
		if err := rows.Scan(&s.ContestID, &s.UserID, &role, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan scorer: %w", err)
		}
		s.Role = models.ScorerRole(role)
		scorers = append(scorers, s)
	}
	return scorers, rows.Err()
}

func (r *Repository) listRecentEvents(ctx context.Context, q sqlutil.Querier, contestID string) ([]models.GameEvent, error) {
	const query = `
		SELECT id, contest_id, type, period, clock_seconds, team_side,
		       player_id, points, data, created_at
		FROM game_events
		WHERE contest_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := q.QueryContext(ctx, query, contestID, r.recentEventLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent events: %w", err)
	}
	defer rows.Close()

	events := []models.GameEvent{}
	for rows.Next() {
		var (
			e        models.GameEvent
			teamSide sql.NullString
			playerID sql.NullString
			data     pqtype.NullRawMessage
		)
		if err := rows.Scan(&e.ID, &e.ContestID, &e.Type, &e.Period, &e.ClockSeconds,
			&teamSide, &playerID, &e.Points, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.TeamSide = sqlutil.FromSqlString(teamSide, "")
		e.PlayerID = sqlutil.FromSqlString(playerID, "")
		if data.Valid {
			e.Data = data.RawMessage
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest first from the index, chronological on the wire
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}
