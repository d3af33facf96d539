package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcdev12/courtside/go/internal/live/events"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) events.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f events.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func TestWebSocket_AuthenticateAndJoin(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	srv := httptest.NewServer(NewHandler(context.Background(), h.gw))
	defer srv.Close()

	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"authenticate","data":{"userId":"owner"},"ackId":1}`)))
	ack := readFrame(t, conn)
	assert.Equal(t, events.Ack, ack.Event)
	require.NotNil(t, ack.AckID)
	assert.EqualValues(t, 1, *ack.AckID)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"event":"join-game","data":{"contestId":"c1"},"ackId":2}`)))

	state := readFrame(t, conn)
	assert.Equal(t, events.GameState, state.Event)
	var payload events.GameStatePayload
	require.NoError(t, json.Unmarshal(state.Data, &payload))
	assert.Equal(t, "c1", payload.Contest.ID)

	ack = readFrame(t, conn)
	assert.Equal(t, events.Ack, ack.Event)
	assert.EqualValues(t, 2, *ack.AckID)

	assert.Eventually(t, func() bool { return h.gw.Rooms().Size(events.ContestRoom("c1")) == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.gw.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.gw.Rooms().Size(events.ContestRoom("c1")))
}

func TestWebSocket_RejectionIsDeliveredBeforeClose(t *testing.T) {
	h := newHarness(t, Config{MaxConnections: 1})
	srv := httptest.NewServer(NewHandler(context.Background(), h.gw))
	defer srv.Close()

	dial(t, srv)
	require.Eventually(t, func() bool { return h.gw.ActiveConnections() == 1 }, time.Second, 5*time.Millisecond)
	rejected := dial(t, srv)

	f := readFrame(t, rejected)
	assert.Equal(t, events.Error, f.Event)
	var p events.ErrorPayload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, events.CodeServerAtCapacity, p.Code)

	_, _, err := rejected.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 1, h.gw.ActiveConnections())
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name      string
		remote    string
		forwarded string
		want      string
	}{
		{name: "tcp peer", remote: "192.0.2.1:51234", want: "192.0.2.1"},
		{name: "forwarded", remote: "10.0.0.1:80", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "first hop wins", remote: "10.0.0.1:80", forwarded: " 203.0.113.7 , 10.1.1.1", want: "203.0.113.7"},
		{name: "no port", remote: "pipe", want: "pipe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, ClientAddress(r))
		})
	}
}

func TestRooms_DeliverLocalSkipsSender(t *testing.T) {
	rooms := NewRooms()
	a, b := newSocket("a", ""), newSocket("b", "")
	assert.Equal(t, 1, rooms.Join("r", a))
	assert.Equal(t, 2, rooms.Join("r", b))
	rooms.Join("other", a)

	frame, err := events.Encode(events.GameUpdated, map[string]int{"homeScore": 1})
	require.NoError(t, err)
	rooms.DeliverLocal("r", frame, "a")

	assert.Empty(t, a.received(events.GameUpdated))
	assert.Len(t, b.received(events.GameUpdated), 1)

	assert.Equal(t, []string{"other", "r"}, rooms.RoomsOf("a"))
	sizes := rooms.LeaveAll("a")
	assert.Equal(t, map[string]int{"r": 1, "other": 0}, sizes)
	n, members := rooms.Stats()
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, members)
}
