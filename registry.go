package chatsync

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ConnectionFactory builds the Connection for one channel. Tests replace it
// to count or fake connections.
type ConnectionFactory func(channel ChannelKind, config RealtimeConfig) *Connection

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// BaseURL is the websocket root, e.g. "wss://example.com/ws".
	BaseURL  string
	Channels []ChannelKind
	Realtime RealtimeConfig
	Factory  ConnectionFactory
	Logger   *zap.Logger
}

func (c *RegistryConfig) defaults() {
	if len(c.Channels) == 0 {
		c.Channels = []ChannelKind{ChannelMessages, ChannelNotifications}
	}
	if c.Factory == nil {
		c.Factory = NewConnection
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Realtime.Logger == nil {
		c.Realtime.Logger = c.Logger
	}
}

// Registry owns one Connection per channel for the current identity. It is
// the only component that opens or closes sockets.
type Registry struct {
	config RegistryConfig
	logger *zap.Logger

	// lifecycle serializes Attach and Detach; mu guards the fields below.
	lifecycle sync.Mutex
	mu        sync.Mutex
	identity  string
	conns     map[ChannelKind]*Connection
	unsubs    []func()
	handlers  map[ChannelKind][]EventHandler
	watchers  []func(StateChange)
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	config.defaults()
	return &Registry{
		config:   config,
		logger:   config.Logger,
		conns:    make(map[ChannelKind]*Connection),
		handlers: make(map[ChannelKind][]EventHandler),
	}
}

// Endpoint returns <base>/<channel>/<userId>.
func Endpoint(base string, channel ChannelKind, identity string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("empty realtime base url")
	}
	u, err := url.JoinPath(strings.TrimRight(base, "/"), string(channel), identity)
	if err != nil {
		return "", fmt.Errorf("build %s endpoint: %w", channel, err)
	}
	return u, nil
}

// Subscribe binds h to every connection of channel, current and future.
func (r *Registry) Subscribe(channel ChannelKind, h EventHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[channel] = append(r.handlers[channel], h)
	if conn := r.conns[channel]; conn != nil {
		r.unsubs = append(r.unsubs, conn.Subscribe(h))
	}
}

// OnStateChange observes lifecycle transitions of every connection the
// registry creates from now on.
func (r *Registry) OnStateChange(h func(StateChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, h)
}

// Identity returns the identity currently attached, or "".
func (r *Registry) Identity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Attach opens one connection per channel for identity. Attaching the same
// identity again is a no-op; a different identity detaches the old one first.
func (r *Registry) Attach(ctx context.Context, identity string) error {
	if identity == "" {
		return fmt.Errorf("attach: empty identity")
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	current, live := r.identity, len(r.conns) > 0
	r.mu.Unlock()
	if current == identity && live {
		return nil
	}
	if live {
		r.logger.Info("identity_changed", zap.String("from", current), zap.String("to", identity))
		r.detach()
	}

	endpoints := make(map[ChannelKind]string, len(r.config.Channels))
	for _, ch := range r.config.Channels {
		ep, err := Endpoint(r.config.BaseURL, ch, identity)
		if err != nil {
			return err
		}
		endpoints[ch] = ep
	}

	r.mu.Lock()
	r.identity = identity
	opened := make([]*Connection, 0, len(r.config.Channels))
	for _, ch := range r.config.Channels {
		conn := r.config.Factory(ch, r.config.Realtime)
		for _, h := range r.handlers[ch] {
			r.unsubs = append(r.unsubs, conn.Subscribe(h))
		}
		for _, w := range r.watchers {
			conn.OnStateChange(w)
		}
		r.conns[ch] = conn
		opened = append(opened, conn)
	}
	r.mu.Unlock()

	// Open outside r.mu: state observers may query the registry.
	for _, conn := range opened {
		if err := conn.Open(ctx, endpoints[conn.Channel()]); err != nil {
			r.detach()
			return err
		}
	}
	r.logger.Info("registry_attached", zap.String("identity", identity), zap.Int("channels", len(opened)))
	return nil
}

// Detach closes and discards every connection of the current identity.
func (r *Registry) Detach() {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.detach()
}

// detach must be called with r.lifecycle held.
func (r *Registry) detach() {
	r.mu.Lock()
	unsubs, conns, identity := r.unsubs, r.conns, r.identity
	r.unsubs = nil
	r.conns = make(map[ChannelKind]*Connection)
	r.identity = ""
	r.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, conn := range conns {
		conn.Close("detach")
	}
	if identity != "" {
		r.logger.Info("registry_detached", zap.String("identity", identity))
	}
}

// Connection returns the live connection for channel, or nil.
func (r *Registry) Connection(channel ChannelKind) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[channel]
}

// State reports the state of channel; Idle when nothing is attached.
func (r *Registry) State(channel ChannelKind) ConnectionState {
	conn := r.Connection(channel)
	if conn == nil {
		return StateIdle
	}
	return conn.State()
}

// Send writes payload on channel's connection.
func (r *Registry) Send(ctx context.Context, channel ChannelKind, payload any) error {
	conn := r.Connection(channel)
	if conn == nil {
		return ErrNotOpen
	}
	return conn.Send(ctx, payload)
}
