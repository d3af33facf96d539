package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mcdev12/courtside/go/internal/live/gateway"
	"github.com/mcdev12/courtside/go/internal/live/ops"
)

func setupServer(ctx context.Context, cfg *Config, c *Components) *http.Server {
	mux := http.NewServeMux()

	// Setup CORS middleware
	co := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})

	// Websocket endpoint for clients
	mux.Handle("/ws", gateway.NewHandler(ctx, c.Gateway))

	// Operational RPCs
	mux.Handle(ops.NewHandler(c.Ops))

	// Health and prometheus scrape endpoints
	mux.Handle("/health", c.Metrics)
	mux.Handle("/metrics", c.Metrics.Handler())

	// Wrap with CORS
	handler := co.Handler(mux)

	// Setup HTTP/2 server
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
