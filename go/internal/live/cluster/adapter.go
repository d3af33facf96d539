package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/courtside/go/internal/live/events"
)

// ErrNotConnected is returned by broker operations in single-instance mode.
var ErrNotConnected = errors.New("cluster: not connected to broker")

// LocalDelivery hands an encoded frame to the sockets of this process that
// are members of room, skipping the socket whose id equals except.
type LocalDelivery interface {
	DeliverLocal(room string, frame []byte, except string)
}

// Config holds the broker connection settings.
type Config struct {
	URL            string        `yaml:"url"`
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Token          string        `yaml:"token"`
	Subject        string        `yaml:"subject"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns single-instance settings; set URL to join a cluster
func DefaultConfig() Config {
	return Config{
		Subject:        "courtside.rooms",
		MaxReconnects:  -1, // Infinite
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 2 * time.Second,
	}
}

// envelope is what travels between instances.
type envelope struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

// Adapter makes room emissions visible to sockets on every instance sharing
// the broker. Without a broker it delivers to local sockets only.
type Adapter struct {
	cfg        Config
	instanceID string
	local      LocalDelivery

	mu           sync.RWMutex
	pub          *nats.Conn
	sub          *nats.Conn
	subscription *nats.Subscription
}

// NewAdapter creates an adapter in single-instance mode. Call Connect to join the cluster
func NewAdapter(cfg Config, instanceID string, local LocalDelivery) *Adapter {
	if cfg.Subject == "" {
		cfg.Subject = DefaultConfig().Subject
	}
	return &Adapter{
		cfg:        cfg,
		instanceID: instanceID,
		local:      local,
	}
}

// InstanceID identifies this process on the broker.
func (a *Adapter) InstanceID() string { return a.instanceID }

// Connect opens the publisher and subscriber connections. Failure is logged
// and leaves the adapter in single-instance mode.
func (a *Adapter) Connect(ctx context.Context) {
	if a.cfg.URL == "" {
		log.Info().Msg("no cluster broker configured, running single instance")
		return
	}
	if err := ctx.Err(); err != nil {
		log.Warn().Err(err).Msg("cluster connect cancelled, running single instance")
		return
	}

	pub, err := a.dial("pub")
	if err != nil {
		log.Warn().Err(err).Str("url", a.cfg.URL).Msg("cluster broker unreachable, running single instance")
		return
	}
	sub, err := a.dial("sub")
	if err != nil {
		pub.Close()
		log.Warn().Err(err).Str("url", a.cfg.URL).Msg("cluster broker unreachable, running single instance")
		return
	}

	subscription, err := sub.Subscribe(a.cfg.Subject+".>", a.handleMessage)
	if err != nil {
		pub.Close()
		sub.Close()
		log.Warn().Err(err).Str("subject", a.cfg.Subject).Msg("cluster subscribe failed, running single instance")
		return
	}

	a.mu.Lock()
	a.pub, a.sub, a.subscription = pub, sub, subscription
	a.mu.Unlock()

	log.Info().
		Str("url", pub.ConnectedUrl()).
		Str("subject", a.cfg.Subject).
		Str("instance", a.instanceID).
		Msg("joined cluster")
}

func (a *Adapter) dial(role string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("courtside-%s-%s", a.instanceID, role)),
		nats.MaxReconnects(a.cfg.MaxReconnects),
		nats.ReconnectWait(a.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Str("role", role).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("role", role).Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Str("role", role).Msg("NATS error")
		}),
	}
	if a.cfg.ConnectTimeout > 0 {
		opts = append(opts, nats.Timeout(a.cfg.ConnectTimeout))
	}
	if a.cfg.Token != "" {
		opts = append(opts, nats.Token(a.cfg.Token))
	} else if a.cfg.User != "" {
		opts = append(opts, nats.UserInfo(a.cfg.User, a.cfg.Password))
	}

	nc, err := nats.Connect(a.cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect %s connection: %w", role, err)
	}
	return nc, nil
}

// Clustered reports whether emissions are shared with other instances.
func (a *Adapter) Clustered() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pub != nil
}

// Emit encodes the event once and delivers it to the room on every instance.
func (a *Adapter) Emit(room, event string, payload any, except string) error {
	frame, err := events.Encode(event, payload)
	if err != nil {
		return err
	}
	return a.EmitFrame(room, frame, except)
}

// EmitFrame delivers an encoded frame to the room on every instance. Local
// delivery always happens; a publish failure is returned but does not undo it.
func (a *Adapter) EmitFrame(room string, frame []byte, except string) error {
	if a.local != nil {
		a.local.DeliverLocal(room, frame, except)
	}

	a.mu.RLock()
	pub := a.pub
	a.mu.RUnlock()
	if pub == nil {
		return nil
	}

	data, err := json.Marshal(envelope{
		Origin: a.instanceID,
		Room:   room,
		Except: except,
		Frame:  frame,
	})
	if err != nil {
		return fmt.Errorf("marshal cluster envelope: %w", err)
	}
	if err := pub.Publish(a.subject(room), data); err != nil {
		return fmt.Errorf("publish to %s: %w", room, err)
	}
	return nil
}

func (a *Adapter) handleMessage(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed cluster message")
		return
	}
	if env.Origin == a.instanceID {
		return
	}
	if env.Room == "" || len(env.Frame) == 0 {
		log.Warn().Str("subject", msg.Subject).Str("origin", env.Origin).Msg("dropping incomplete cluster message")
		return
	}
	if a.local != nil {
		a.local.DeliverLocal(env.Room, env.Frame, env.Except)
	}
}

func (a *Adapter) subject(room string) string {
	return a.cfg.Subject + "." + sanitizeToken(room)
}

// sanitizeToken makes a room name a single NATS subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Ping returns the broker round-trip time.
func (a *Adapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.RLock()
	pub := a.pub
	a.mu.RUnlock()
	if pub == nil {
		return 0, ErrNotConnected
	}

	type result struct {
		rtt time.Duration
		err error
	}
	ch := make(chan result, 1)
	go func() {
		rtt, err := pub.RTT()
		ch <- result{rtt, err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return 0, fmt.Errorf("broker ping: %w", r.err)
		}
		return r.rtt, nil
	}
}

// Close drains the subscriber and publisher connections.
func (a *Adapter) Close() error {
	a.mu.Lock()
	pub, sub := a.pub, a.sub
	a.pub, a.sub, a.subscription = nil, nil, nil
	a.mu.Unlock()

	var errs []error
	if sub != nil {
		if err := sub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain subscriber: %w", err))
		}
	}
	if pub != nil {
		if err := pub.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("drain publisher: %w", err))
		}
	}
	if pub != nil || sub != nil {
		log.Info().Str("instance", a.instanceID).Msg("left cluster")
	}
	return errors.Join(errs...)
}
