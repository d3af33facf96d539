package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Level classifies the process load.
type Level string

const (
	Healthy  Level = "healthy"
	Degraded Level = "degraded"
	Critical Level = "critical"
)

func (l Level) gauge() float64 {
	switch l {
	case Degraded:
		return 1
	case Critical:
		return 2
	default:
		return 0
	}
}

// HealthStatus is the classification of a snapshot and the reasons behind it.
type HealthStatus struct {
	Status  Level    `json:"status"`
	Reasons []string `json:"reasons"`
	Metrics Snapshot `json:"metrics"`
}

// HealthStatus classifies the latest snapshot against the configured thresholds.
func (c *Collector) HealthStatus() HealthStatus {
	if c == nil {
		return HealthStatus{Status: Healthy, Reasons: []string{}}
	}
	snap := c.Snapshot()
	status := Classify(c.cfg, snap)
	c.prom.health.Set(status.Status.gauge())
	return status
}

// Classify applies the thresholds in cfg to a snapshot. The worst triggered
// threshold wins.
func Classify(cfg Config, snap Snapshot) HealthStatus {
	status := HealthStatus{
		Status:  Healthy,
		Reasons: []string{},
		Metrics: snap,
	}

	raise := func(level Level, reason string) {
		if level == Critical || status.Status == Healthy {
			status.Status = level
		}
		status.Reasons = append(status.Reasons, reason)
	}

	conns := int(snap.ActiveConnections)
	switch {
	case cfg.CriticalConnections > 0 && conns >= cfg.CriticalConnections:
		raise(Critical, fmt.Sprintf("connections at %d (critical %d)", conns, cfg.CriticalConnections))
	case cfg.DegradedConnections > 0 && conns >= cfg.DegradedConnections:
		raise(Degraded, fmt.Sprintf("connections at %d (degraded %d)", conns, cfg.DegradedConnections))
	}

	switch {
	case cfg.CriticalEventRate > 0 && snap.EventsPerSecond >= cfg.CriticalEventRate:
		raise(Critical, fmt.Sprintf("event rate %.1f/s (critical %.0f/s)", snap.EventsPerSecond, cfg.CriticalEventRate))
	case cfg.DegradedEventRate > 0 && snap.EventsPerSecond >= cfg.DegradedEventRate:
		raise(Degraded, fmt.Sprintf("event rate %.1f/s (degraded %.0f/s)", snap.EventsPerSecond, cfg.DegradedEventRate))
	}

	switch {
	case cfg.CriticalLag > 0 && snap.EventLoopLag >= cfg.CriticalLag:
		raise(Critical, fmt.Sprintf("scheduling lag %s (critical %s)", snap.EventLoopLag, cfg.CriticalLag))
	case cfg.DegradedLag > 0 && snap.EventLoopLag >= cfg.DegradedLag:
		raise(Degraded, fmt.Sprintf("scheduling lag %s (degraded %s)", snap.EventLoopLag, cfg.DegradedLag))
	}

	return status
}

// ServeHTTP reports the health classification as JSON. Critical answers 503.
func (c *Collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := c.HealthStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == Critical {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}
