package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/clock"
	"github.com/mcdev12/courtside/go/internal/live/cluster"
	"github.com/mcdev12/courtside/go/internal/live/gateway"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
	"github.com/mcdev12/courtside/go/internal/live/ops"
	"github.com/mcdev12/courtside/go/internal/live/ratelimit"
	"github.com/mcdev12/courtside/go/internal/live/timer"
)

// Components is the live subsystem of one server process.
type Components struct {
	Metrics   *metrics.Collector
	Limits    *ratelimit.RateLimiter
	Cluster   *cluster.Adapter
	Scheduler *broadcast.Scheduler
	Engine    *timer.Engine
	Gateway   *gateway.Gateway
	Ops       *ops.Service
}

func setupComponents(cfg *Config, store GameStore) (*Components, error) {
	// Wire up dependency chain
	// Rooms → Cluster adapter → Broadcast scheduler → Timer engine → Gateway
	clk := clockwork.NewRealClock()
	tasks := clock.NewTickerScheduler(clk)

	stats := metrics.NewCollector(cfg.Metrics, clk)

	limits, err := ratelimit.New(cfg.RateLimit, clk)
	if err != nil {
		return nil, fmt.Errorf("failed to build rate limiter: %w", err)
	}

	rooms := gateway.NewRooms()
	adapter := cluster.NewAdapter(cfg.Cluster, instanceID(), rooms)
	scheduler := broadcast.NewScheduler(cfg.Broadcast, adapter, stats, tasks, clk)
	engine := timer.NewEngine(cfg.Timer, store, scheduler, timer.NewRegistry(), tasks, clk)
	gw := gateway.New(cfg.Gateway, store, engine, scheduler, rooms, limits, stats, clk)

	return &Components{
		Metrics:   stats,
		Limits:    limits,
		Cluster:   adapter,
		Scheduler: scheduler,
		Engine:    engine,
		Gateway:   gw,
		Ops:       ops.NewService(stats, adapter, engine.Registry(), scheduler, gw),
	}, nil
}

// Start joins the cluster and launches the background loops. They stop when
// ctx is cancelled.
func (c *Components) Start(ctx context.Context) {
	c.Cluster.Connect(ctx)
	c.Scheduler.Start()

	go c.Metrics.Run(ctx)
	go c.Limits.Run(ctx)
	go c.Gateway.RunLoadLoop(ctx)
}

// Shutdown flushes pending broadcasts, releases running timers and leaves
// the cluster. Timers are not persisted as stopped so another process can
// resume them.
func (c *Components) Shutdown() {
	c.Scheduler.Stop()
	c.Engine.Shutdown()
	if err := c.Cluster.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close cluster connection")
	}
}

func instanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		host = "courtside"
	}
	return host + "-" + uuid.NewString()[:8]
}
