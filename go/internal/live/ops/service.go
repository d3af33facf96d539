package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/live/broadcast"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
)

const (
	ServiceName = "courtside.ops.v1.OpsService"

	GetHealthProcedure = "/" + ServiceName + "/GetHealth"
	GetStatsProcedure  = "/" + ServiceName + "/GetStats"
)

var errNegativeLimit = errors.New("largestRooms must not be negative")

type GetHealthRequest struct{}

type GetHealthResponse struct {
	Status  metrics.Level    `json:"status"`
	Reasons []string         `json:"reasons"`
	Metrics metrics.Snapshot `json:"metrics"`
}

type GetStatsRequest struct {
	// LargestRooms limits how many of the biggest rooms are listed. Zero means 10.
	LargestRooms int `json:"largestRooms,omitempty"`
}

type GetStatsResponse struct {
	InstanceID        string          `json:"instanceId"`
	Clustered         bool            `json:"clustered"`
	BrokerRTTMs       float64         `json:"brokerRttMs,omitempty"`
	BrokerError       string          `json:"brokerError,omitempty"`
	ActiveConnections int             `json:"activeConnections"`
	ActiveTimers      int             `json:"activeTimers"`
	TimerContests     []string        `json:"timerContests"`
	Broadcast         broadcast.Stats `json:"broadcast"`
	LargestRooms      []string        `json:"largestRooms"`
}

// ClusterInfo describes the broker link.
type ClusterInfo interface {
	InstanceID() string
	Clustered() bool
	Ping(ctx context.Context) (time.Duration, error)
}

// TimerInfo lists running timers.
type TimerInfo interface {
	Len() int
	ContestIDs() []string
}

type QueueInfo interface {
	Stats() broadcast.Stats
}

type ConnectionInfo interface {
	ActiveConnections() int
}

// Service implements the operational RPCs
type Service struct {
	metrics     *metrics.Collector
	cluster     ClusterInfo
	timers      TimerInfo
	queue       QueueInfo
	connections ConnectionInfo
}

// NewService creates the ops service. Any source may be nil.
func NewService(m *metrics.Collector, cluster ClusterInfo, timers TimerInfo, queue QueueInfo, connections ConnectionInfo) *Service {
	return &Service{
		metrics:     m,
		cluster:     cluster,
		timers:      timers,
		queue:       queue,
		connections: connections,
	}
}

// GetHealth returns the load classification of this instance.
func (s *Service) GetHealth(ctx context.Context, req *connect.Request[GetHealthRequest]) (*connect.Response[GetHealthResponse], error) {
	status := s.metrics.HealthStatus()
	return connect.NewResponse(&GetHealthResponse{
		Status:  status.Status,
		Reasons: status.Reasons,
		Metrics: status.Metrics,
	}), nil
}

// GetStats returns cluster, timer and queue state.
func (s *Service) GetStats(ctx context.Context, req *connect.Request[GetStatsRequest]) (*connect.Response[GetStatsResponse], error) {
	if req.Msg.LargestRooms < 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errNegativeLimit)
	}
	limit := req.Msg.LargestRooms
	if limit == 0 {
		limit = 10
	}

	resp := &GetStatsResponse{
		TimerContests: []string{},
		LargestRooms:  s.metrics.Snapshot().LargestRooms(limit),
	}

	if s.cluster != nil {
		resp.InstanceID = s.cluster.InstanceID()
		resp.Clustered = s.cluster.Clustered()
		if resp.Clustered {
			rtt, err := s.cluster.Ping(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("broker ping failed")
				resp.BrokerError = err.Error()
			} else {
				resp.BrokerRTTMs = float64(rtt) / float64(time.Millisecond)
			}
		}
	}
	if s.timers != nil {
		resp.ActiveTimers = s.timers.Len()
		resp.TimerContests = s.timers.ContestIDs()
	}
	if s.queue != nil {
		resp.Broadcast = s.queue.Stats()
	}
	if s.connections != nil {
		resp.ActiveConnections = s.connections.ActiveConnections()
	}
	return connect.NewResponse(resp), nil
}

// NewHandler mounts the service the same way generated connect code does and
// returns the path prefix to register it under.
func NewHandler(svc *Service, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(jsonCodec{})}, opts...)

	health := connect.NewUnaryHandler(GetHealthProcedure, svc.GetHealth, opts...)
	stats := connect.NewUnaryHandler(GetStatsProcedure, svc.GetStats, opts...)

	return "/" + ServiceName + "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case GetHealthProcedure:
			health.ServeHTTP(w, r)
		case GetStatsProcedure:
			stats.ServeHTTP(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}
