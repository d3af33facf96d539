package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/live/events"
	"github.com/mcdev12/courtside/go/internal/live/metrics"
)

// HandleFrame decodes one inbound frame, runs its handler and, when the
// client asked for one, sends the acknowledgment.
func (g *Gateway) HandleFrame(ctx context.Context, sess *Session, raw []byte) {
	var frame events.Frame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
		g.badRequest(sess, nil, "malformed frame")
		return
	}

	ack, err := g.dispatch(ctx, sess, frame)
	if err != nil {
		g.metrics.RecordEventError()
		log.Debug().Err(err).Str("socket_id", sess.ID()).Str("event", frame.Event).Msg("rejecting client frame")
		g.badRequest(sess, frame.AckID, err.Error())
		return
	}
	g.ack(sess, frame.AckID, ack)
}

func (g *Gateway) dispatch(ctx context.Context, sess *Session, frame events.Frame) (events.AckPayload, error) {
	switch frame.Event {
	case events.Authenticate:
		var p events.AuthenticatePayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		return g.OnAuthenticate(sess, p), nil

	case events.JoinGame:
		var p events.JoinGamePayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		return g.OnJoinRoom(ctx, sess, p.ContestID), nil

	case events.TimerControl:
		var p events.TimerControlPayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		return g.OnTimerControl(ctx, sess, p), nil

	case events.UpdateGame:
		var p events.UpdateGamePayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		return g.OnUpdateGame(ctx, sess, p), nil

	case events.AddEvent:
		var p events.AddEventPayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		return g.OnAddEvent(ctx, sess, p), nil

	case events.JoinPublicGames:
		return g.OnJoinPublic(sess), nil

	case events.LeavePublicGames:
		return g.OnLeavePublic(sess), nil

	case events.JoinCommunity, events.LeaveCommunity:
		var p events.CommunityPayload
		if err := decode(frame, &p); err != nil {
			return events.AckPayload{}, err
		}
		if frame.Event == events.JoinCommunity {
			return g.OnJoinCommunity(sess, p), nil
		}
		return g.OnLeaveCommunity(sess, p), nil

	default:
		return events.AckPayload{}, fmt.Errorf("unknown event %q", frame.Event)
	}
}

func decode(frame events.Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s: missing data", frame.Event)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", frame.Event, err)
	}
	return nil
}

func (g *Gateway) ack(sess *Session, ackID *int64, ack events.AckPayload) {
	if ackID == nil {
		return
	}
	frame, err := events.EncodeAck(*ackID, ack)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode ack")
		return
	}
	sess.send(frame)
}

func (g *Gateway) badRequest(sess *Session, ackID *int64, message string) {
	g.sendError(sess, events.ErrorPayload{Code: events.CodeBadRequest, Message: message})
	g.ack(sess, ackID, events.AckPayload{Error: message})
}

// RunLoadLoop feeds the connection count into the broadcast scheduler and
// logs health level changes until ctx is cancelled.
func (g *Gateway) RunLoadLoop(ctx context.Context) {
	ticker := g.clock.NewTicker(g.cfg.LoadInterval)
	defer ticker.Stop()

	last := metrics.Healthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			last = g.checkLoad(last)
		}
	}
}

func (g *Gateway) checkLoad(last metrics.Level) metrics.Level {
	active := g.ActiveConnections()
	tier := g.out.AdaptToLoad(active)

	health := g.metrics.HealthStatus()
	if health.Status != last {
		ev := log.Info()
		if health.Status != metrics.Healthy {
			ev = log.Warn()
		}
		ev.Str("from", string(last)).
			Str("to", string(health.Status)).
			Strs("reasons", health.Reasons).
			Int("active_connections", active).
			Str("broadcast_tier", tier).
			Msg("health status changed")
	}
	return health.Status
}
