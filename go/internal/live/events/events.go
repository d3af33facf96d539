package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mcdev12/courtside/go/internal/models"
)

// Inbound client -> server event names
const (
	Authenticate     = "authenticate"
	JoinGame         = "join-game"
	TimerControl     = "timer-control"
	UpdateGame       = "update-game"
	AddEvent         = "add-event"
	JoinPublicGames  = "join-public-games"
	LeavePublicGames = "leave-public-games"
	JoinCommunity    = "join-community"
	LeaveCommunity   = "leave-community"
)

// Outbound server -> client event names
const (
	GameState           = "game-state"
	ClockUpdate         = "clock-update"
	TimerStarted        = "timer-started"
	TimerStopped        = "timer-stopped"
	GameUpdated         = "game-updated"
	EventAdded          = "event-added"
	BatchUpdate         = "batch-update"
	PublicGameUpdate    = "public-game-update"
	CommunityGameUpdate = "community-game-update"
	Error               = "error"
	Ack                 = "ack"
)

// Error codes carried in error frames
const (
	CodeServerAtCapacity     = "SERVER_AT_CAPACITY"
	CodeRateLimited          = "RATE_LIMITED"
	CodeBadRequest           = "BAD_REQUEST"
	CodeGameStateUnavailable = "GAME_STATE_UNAVAILABLE"
)

// Timer actions accepted by timer-control
const (
	TimerActionStart = "start"
	TimerActionStop  = "stop"
)

// ErrNotAuthorized is the ack error returned to users who may not control a timer.
const ErrNotAuthorized = "Not authorized to control timer"

// PublicRoom is the global fan-out room for publicly visible contests.
const PublicRoom = "public-games"

// ContestRoom returns the room name for a contest.
func ContestRoom(contestID string) string {
	return "game-" + contestID
}

// CommunityRoom returns the room name for a community channel.
func CommunityRoom(communityID string) string {
	return "community-" + communityID
}

// ContestIDFromRoom extracts the contest id from a contest room name.
func ContestIDFromRoom(room string) (string, bool) {
	id, ok := strings.CutPrefix(room, "game-")
	return id, ok && id != ""
}

// Frame is the envelope for every websocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID *int64          `json:"ackId,omitempty"`
}

// Encode builds a wire frame for an outbound event.
func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

// EncodeAck builds the acknowledgment frame for a client request.
func EncodeAck(ackID int64, ack AckPayload) ([]byte, error) {
	data, err := json.Marshal(ack)
	if err != nil {
		return nil, fmt.Errorf("marshal ack payload: %w", err)
	}
	return json.Marshal(Frame{Event: Ack, Data: data, AckID: &ackID})
}

// Millis converts a time to the millisecond epoch used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Inbound payloads

type AuthenticatePayload struct {
	UserID string `json:"userId"`
}

type JoinGamePayload struct {
	ContestID string `json:"contestId"`
}

type TimerControlPayload struct {
	ContestID string `json:"contestId"`
	Action    string `json:"action"`
	UserID    string `json:"userId"`
}

type UpdateGamePayload struct {
	ContestID string         `json:"contestId"`
	Updates   map[string]any `json:"updates"`
}

type AddEventPayload struct {
	ContestID string         `json:"contestId"`
	Event     map[string]any `json:"event"`
}

type CommunityPayload struct {
	CommunityID string `json:"communityId"`
}

// Outbound payloads

type GameStatePayload struct {
	Contest *models.Contest    `json:"contest"`
	Events  []models.GameEvent `json:"events"`
}

type ClockUpdatePayload struct {
	ContestID      string `json:"contestId"`
	ClockSeconds   int    `json:"clockSeconds"`
	IsTimerRunning bool   `json:"isTimerRunning"`
}

type TimerStartedPayload struct {
	ContestID    string `json:"contestId"`
	ClockSeconds int    `json:"clockSeconds"`
	StartedAt    int64  `json:"startedAt"`
}

type TimerStoppedPayload struct {
	ContestID    string `json:"contestId"`
	ClockSeconds int    `json:"clockSeconds"`
}

// BatchedMessage is one entry of a batch-update envelope.
type BatchedMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type BatchUpdatePayload struct {
	Timestamp int64            `json:"timestamp"`
	Messages  []BatchedMessage `json:"messages"`
}

type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// AckPayload is the two-outcome response to a client request.
type AckPayload struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ClockSeconds   *int   `json:"clockSeconds,omitempty"`
	IsTimerRunning *bool  `json:"isTimerRunning,omitempty"`
}
