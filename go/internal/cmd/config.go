package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/cluster"
	"github.com/mcdev12/courtside/go/internal/live/gateway"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
	"github.com/mcdev12/courtside/go/internal/live/ratelimit"
	"github.com/mcdev12/courtside/go/internal/live/timer"
)

// Store backends
const (
	storePostgres = "postgres"
	storeMemory   = "memory"
)

type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		AllowedOrigins  []string      `yaml:"allowed_origins"`
	} `yaml:"server"`

	Log struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"log"`

	// Store selects the game store: "postgres" or "memory".
	Store string `yaml:"store"`
	// SeedFile loads contests into the memory store at startup.
	SeedFile string `yaml:"seed_file"`

	Gateway   gateway.Config   `yaml:"gateway"`
	RateLimit ratelimit.Config `yaml:"rate_limit"`
	Metrics   metrics.Config   `yaml:"metrics"`
	Broadcast broadcast.Config `yaml:"broadcast"`
	Timer     timer.Config     `yaml:"timer"`
	Cluster   cluster.Config   `yaml:"cluster"`
}

func defaultConfig() *Config {
	cfg := &Config{
		Store:     storePostgres,
		Gateway:   gateway.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Metrics:   metrics.DefaultConfig(),
		Broadcast: broadcast.DefaultConfig(),
		Timer:     timer.DefaultConfig(),
		Cluster:   cluster.DefaultConfig(),
	}
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 10 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Log.Level = "info"
	cfg.Log.Console = true
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// loadConfig reads path over the defaults. A missing file leaves the
// defaults in place. Environment variables win over both.
func loadConfig(path string) (*Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	config.Server.Port = getEnv("PORT", config.Server.Port)
	config.Log.Level = getEnv("LOG_LEVEL", config.Log.Level)
	config.Store = getEnv("STORE", config.Store)
	config.SeedFile = getEnv("SEED_FILE", config.SeedFile)
	config.Cluster.URL = getEnv("NATS_URL", config.Cluster.URL)
	config.Gateway.MaxConnections = getEnvAsInt("MAX_CONNECTIONS", config.Gateway.MaxConnections)

	if config.Store != storePostgres && config.Store != storeMemory {
		return nil, fmt.Errorf("unknown store %q", config.Store)
	}
	return config, nil
}

func setupLogging(cfg *Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.DurationFieldUnit = time.Millisecond
	if cfg.Log.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
