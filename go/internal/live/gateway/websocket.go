package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ErrSendBufferFull is returned when a client is not reading fast enough.
var ErrSendBufferFull = errors.New("gateway: send buffer full")

// ErrSocketClosed is returned when sending to a closed socket.
var ErrSocketClosed = errors.New("gateway: socket closed")

// SocketConfig holds configuration for websocket connections.
type SocketConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	SendBuffer      int           `yaml:"send_buffer"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// DefaultSocketConfig returns default websocket configuration
func DefaultSocketConfig() SocketConfig {
	return SocketConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    25 * time.Second,
		MaxMessageSize:  16 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      256,
	}
}

// wsSocket adapts a gorilla connection to Socket.
type wsSocket struct {
	id      string
	address string
	conn    *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

func (s *wsSocket) ID() string         { return s.id }
func (s *wsSocket) RemoteAddr() string { return s.address }

func (s *wsSocket) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSocketClosed
	default:
		return ErrSendBufferFull
	}
}

// Close lets the write pump flush queued frames, then closes the connection.
func (s *wsSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// Handler upgrades HTTP requests on /ws and runs the socket pumps.
type Handler struct {
	gateway  *Gateway
	cfg      SocketConfig
	upgrader websocket.Upgrader
	ctx      context.Context
}

// NewHandler creates the websocket endpoint. Frames are handled with ctx,
// so cancelling it aborts in-flight store calls on shutdown.
func NewHandler(ctx context.Context, g *Gateway) *Handler {
	cfg := g.cfg.WebSocket
	def := DefaultSocketConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.ReadTimeout {
		cfg.PingInterval = cfg.ReadTimeout * 9 / 10
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}

	h := &Handler{gateway: g, cfg: cfg, ctx: ctx}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("failed to upgrade websocket connection")
		return
	}

	s := &wsSocket{
		id:      uuid.NewString(),
		address: ClientAddress(r),
		conn:    conn,
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
	}

	sess, ok := h.gateway.OnConnect(s)
	if !ok {
		// flush the rejection frame and close
		h.writePump(s)
		return
	}

	go h.writePump(s)
	go h.readPump(s, sess)
}

func (h *Handler) readPump(s *wsSocket, sess *Session) {
	defer func() {
		h.gateway.OnDisconnect(sess)
		s.Close()
	}()

	s.conn.SetReadLimit(h.cfg.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("socket_id", s.id).Msg("unexpected websocket close")
			}
			return
		}
		h.gateway.HandleFrame(h.ctx, sess, message)
		s.conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	}
}

// writePump is the only writer on the connection.
func (h *Handler) writePump(s *wsSocket) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame := <-s.send:
			if err := h.write(s, websocket.TextMessage, frame); err != nil {
				log.Debug().Err(err).Str("socket_id", s.id).Msg("failed to write frame")
				s.Close()
				return
			}

		case <-s.done:
			// drain what was queued before the close
			for {
				select {
				case frame := <-s.send:
					if err := h.write(s, websocket.TextMessage, frame); err != nil {
						return
					}
				default:
					h.write(s, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case <-ticker.C:
			if err := h.write(s, websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("socket_id", s.id).Msg("failed to send ping")
				s.Close()
				return
			}
		}
	}
}

func (h *Handler) write(s *wsSocket, messageType int, data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	return s.conn.WriteMessage(messageType, data)
}

// ClientAddress returns the first X-Forwarded-For hop, or the TCP peer
// address without its port.
func ClientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if addr := strings.TrimSpace(first); addr != "" {
			return addr
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
