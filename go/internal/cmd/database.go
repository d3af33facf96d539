package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/contest"
	"github.com/mcdev12/courtside/go/internal/dbconfig"
	"github.com/mcdev12/courtside/go/internal/models"
)

// GameStore is everything the live subsystem reads and writes.
type GameStore interface {
	FindContest(ctx context.Context, id string) (*models.Contest, error)
	FindScorer(ctx context.Context, contestID, userID string) (*models.Scorer, error)
	UpdateContest(ctx context.Context, id string, update models.ContestUpdate) error
}

func setupDatabase(ctx context.Context) (*sql.DB, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	database, err := sql.Open("postgres", dbCfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}
	database.SetMaxOpenConns(dbCfg.MaxOpenConns)
	database.SetMaxIdleConns(dbCfg.MaxIdleConns)
	database.SetConnMaxIdleTime(dbCfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("target", dbCfg.Target()).
		Int("max_open_conns", dbCfg.MaxOpenConns).
		Msg("connected to database")
	return database, nil
}

// setupStore opens the configured game store. The returned close function
// is never nil.
func setupStore(ctx context.Context, cfg *Config) (GameStore, func(), error) {
	if cfg.Store == storeMemory {
		repo := contest.NewMemoryRepository()
		if cfg.SeedFile != "" {
			seed, err := contest.ReadSeed(cfg.SeedFile)
			if err != nil {
				return nil, nil, err
			}
			repo.Load(seed)
			log.Info().Str("file", cfg.SeedFile).Int("contests", len(seed.Contests)).Msg("loaded seed into memory store")
		}
		log.Warn().Msg("using in-memory game store, state is lost on restart")
		return repo, func() {}, nil
	}

	database, err := setupDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	repo := contest.NewRepository(database)
	if err := repo.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	return repo, func() {
		if err := database.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close database")
		}
	}, nil
}
