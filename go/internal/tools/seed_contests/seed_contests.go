package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mcdev12/courtside/go/internal/contest"
	"github.com/mcdev12/courtside/go/internal/dbconfig"
)

func main() {
	path := flag.String("file", "go/internal/assets/contests.json", "seed snapshot to load")
	flag.Parse()

	// 1) Load the JSON snapshot
	seed, err := contest.ReadSeed(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	// 2) Connect using shared dbconfig
	ctx := context.Background()
	cfg := dbconfig.NewConfigFromEnv()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid database config for %s: %v\n", cfg.Target(), err)
		os.Exit(1)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := pool.Exec(ctx, contest.Schema); err != nil {
		fmt.Fprintf(os.Stderr, "apply schema: %v\n", err)
		os.Exit(1)
	}

	// 3) Insert in one batch per table, skipping rows that already exist
	contests := &pgx.Batch{}
	for _, c := range seed.Contests {
		roster, err := json.Marshal(c.Roster)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode roster for %s: %v\n", c.ID, err)
			os.Exit(1)
		}
		contests.Queue(`
            INSERT INTO contests (
              id, owner_id, home_team, away_team, home_score, away_score,
              period, clock_seconds, period_seconds, status, visibility,
              community_id, roster
            ) VALUES (
              $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,NULLIF($12, ''),$13
            )
            ON CONFLICT (id) DO NOTHING
        `,
			c.ID, c.OwnerID, c.HomeTeam, c.AwayTeam, c.HomeScore, c.AwayScore,
			c.Period, c.ClockSeconds, c.PeriodSeconds, string(c.Status), string(c.Visibility),
			c.CommunityID, roster,
		)
	}
	insertedContests, errsContests := run(ctx, pool, contests, "contest")

	scorers := &pgx.Batch{}
	for _, s := range seed.Scorers {
		scorers.Queue(`
            INSERT INTO contest_scorers (contest_id, user_id, role, created_at)
            VALUES ($1,$2,$3,$4)
            ON CONFLICT (contest_id, user_id) DO NOTHING
        `, s.ContestID, s.UserID, string(s.Role), s.CreatedAt)
	}
	insertedScorers, errsScorers := run(ctx, pool, scorers, "scorer")

	gameEvents := &pgx.Batch{}
	for _, e := range seed.Events {
		var data any
		if len(e.Data) > 0 {
			data = []byte(e.Data)
		}
		gameEvents.Queue(`
            INSERT INTO game_events (
              id, contest_id, type, period, clock_seconds, team_side,
              player_id, points, data, created_at
            ) VALUES (
              $1,$2,$3,$4,$5,NULLIF($6, ''),NULLIF($7, ''),$8,$9,$10
            )
            ON CONFLICT (id) DO NOTHING
        `, e.ID, e.ContestID, e.Type, e.Period, e.ClockSeconds, e.TeamSide,
			e.PlayerID, e.Points, data, e.CreatedAt)
	}
	insertedEvents, errsEvents := run(ctx, pool, gameEvents, "event")

	// 4) Print summary
	fmt.Printf(
		"Contests seed complete: %d/%d contests, %d/%d scorers, %d/%d events inserted, %d errors\n",
		insertedContests, len(seed.Contests),
		insertedScorers, len(seed.Scorers),
		insertedEvents, len(seed.Events),
		errsContests+errsScorers+errsEvents,
	)
}

// run sends the batch and counts inserted rows and failed statements.
func run(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch, kind string) (inserted, errs int) {
	if batch.Len() == 0 {
		return 0, 0
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error inserting %s %d: %v\n", kind, i, err)
			errs++
			continue
		}
		if tag.RowsAffected() == 1 {
			inserted++
		}
	}
	return inserted, errs
}
