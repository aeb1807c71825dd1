package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Channels and States
// ============================================================================

// ChannelKind names one logical realtime stream.
type ChannelKind string

const (
	ChannelMessages      ChannelKind = "messages"
	ChannelNotifications ChannelKind = "notifications"
)

// ConnectionState represents the lifecycle state of a Connection.
type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "closed"
	StateFailed     ConnectionState = "failed"
)

// Event is one inbound payload, already stripped of keepalive traffic.
type Event struct {
	Channel ChannelKind
	Type    string
	Raw     []byte
}

// EventHandler receives inbound events. Handlers run on the connection's
// read goroutine, one event at a time, in arrival order.
type EventHandler func(Event)

// StateChange describes one lifecycle transition.
type StateChange struct {
	Channel ChannelKind
	From    ConnectionState
	To      ConnectionState
	Attempt int
	Err     error
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a Connection. One config is shared by every
// channel a Registry opens.
type RealtimeConfig struct {
	// ReconnectDelay is the fixed wait between Failed and the next attempt.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts caps automatic attempts; negative disables them.
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	// SendRate and SendBurst bound outbound Send calls (keepalives excluded).
	SendRate  rate.Limit
	SendBurst int
	Dialer    Dialer
	Logger    *zap.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 5 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 3
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SendRate == 0 {
		c.SendRate = 20
	}
	if c.SendBurst == 0 {
		c.SendBurst = 10
	}
	if c.Dialer == nil {
		c.Dialer = &WebsocketDialer{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// ============================================================================
// Transport
// ============================================================================

// Conn is the subset of *websocket.Conn a Connection uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials with nhooyr.io/websocket.
type WebsocketDialer struct {
	HTTPClient *http.Client
	Header     http.Header
	// ReadLimit overrides the library's 32 KiB default when positive.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: d.Header,
	})
	if err != nil {
		return nil, err
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return conn, nil
}

// ============================================================================
// Connection
// ============================================================================

type subscription struct {
	id uint64
	h  EventHandler
}

// Connection manages one realtime channel with a bounded auto-reconnect
// state machine. It is safe for concurrent use.
type Connection struct {
	channel ChannelKind
	config  RealtimeConfig
	logger  *zap.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	state    ConnectionState
	endpoint string
	conn     Conn
	attempts int
	cancelFn context.CancelFunc
	retry    *time.Timer
	changed  chan struct{}

	// emitMu keeps state-change notifications in transition order.
	emitMu    sync.Mutex
	subMu     sync.RWMutex
	subs      []subscription
	nextSub   uint64
	stateSubs []func(StateChange)
}

// NewConnection creates an Idle connection for channel.
func NewConnection(channel ChannelKind, config RealtimeConfig) *Connection {
	config.defaults()
	return &Connection{
		channel: channel,
		config:  config,
		logger:  config.Logger.With(zap.String("channel", string(channel))),
		limiter: rate.NewLimiter(config.SendRate, config.SendBurst),
		state:   StateIdle,
		changed: make(chan struct{}),
	}
}

// Channel returns the channel kind of this connection.
func (c *Connection) Channel() ChannelKind { return c.channel }

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Attempts returns the number of automatic reconnect attempts made since the
// last successful Open.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Endpoint returns the endpoint passed to the last Open.
func (c *Connection) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Subscribe registers an inbound event handler and returns a function that
// removes it.
func (c *Connection) Subscribe(h EventHandler) func() {
	c.subMu.Lock()
	c.nextSub++
	id := c.nextSub
	c.subs = append(c.subs, subscription{id: id, h: h})
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers a lifecycle observer. Observers must not call Open
// or Close synchronously.
func (c *Connection) OnStateChange(h func(StateChange)) {
	c.subMu.Lock()
	c.stateSubs = append(c.stateSubs, h)
	c.subMu.Unlock()
}

// Open starts connecting to endpoint. It returns immediately; progress is
// reported through OnStateChange. Open on a Connecting or Open connection is
// a no-op.
func (c *Connection) Open(ctx context.Context, endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("open %s: empty endpoint", c.channel)
	}

	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()

	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelFn = cancel
	c.endpoint = endpoint
	change, ok := c.setStateLocked(StateConnecting, nil)
	c.emitUnlock(change, ok)

	go c.run(lifeCtx, endpoint)
	return nil
}

// Close shuts the connection down, cancelling any pending reconnect and the
// keepalive loop. It is idempotent and safe from any state.
func (c *Connection) Close(reason string) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	// Cancelled under c.mu so an in-flight dial sees it before it can
	// store a conn or schedule a retry.
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	change, ok := c.setStateLocked(StateClosed, nil)
	c.emitUnlock(change, ok)

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, reason); err != nil {
			c.logger.Debug("connection_close_error", zap.Error(err))
		}
	}
	return nil
}

// WaitOpen blocks until the connection is Open, or returns an error once it
// is Closed, has given up retrying, or ctx ends.
func (c *Connection) WaitOpen(ctx context.Context) error {
	for {
		c.mu.Lock()
		state, attempts, ch := c.state, c.attempts, c.changed
		retrying := c.retry != nil
		c.mu.Unlock()

		switch {
		case state == StateOpen:
			return nil
		case state == StateClosed, state == StateIdle:
			return fmt.Errorf("%s: %w", c.channel, ErrNotOpen)
		case state == StateFailed && !retrying:
			return fmt.Errorf("%s: gave up after %d attempts: %w", c.channel, attempts, ErrNotOpen)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Send marshals payload as JSON and writes it as one text frame.
func (c *Connection) Send(ctx context.Context, payload any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		return ErrNotOpen
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── lifecycle internals ──────────────────────────────────

// setStateLocked must be called with c.mu held.
func (c *Connection) setStateLocked(to ConnectionState, err error) (StateChange, bool) {
	from := c.state
	if from == to {
		return StateChange{}, false
	}
	c.state = to
	close(c.changed)
	c.changed = make(chan struct{})
	return StateChange{Channel: c.channel, From: from, To: to, Attempt: c.attempts, Err: err}, true
}

// emitUnlock releases c.mu and publishes change in transition order.
func (c *Connection) emitUnlock(change StateChange, ok bool) {
	if !ok {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	stateTransitions.WithLabelValues(string(c.channel), string(change.To)).Inc()
	fields := []zap.Field{
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.Int("attempt", change.Attempt),
	}
	if change.Err != nil {
		fields = append(fields, zap.Error(change.Err))
	}
	c.logger.Info("connection_state_changed", fields...)

	c.subMu.RLock()
	handlers := append([]func(StateChange){}, c.stateSubs...)
	c.subMu.RUnlock()
	for _, h := range handlers {
		c.safeCall(func() { h(change) })
	}
}

// stopLocked cancels the previous lifecycle, if any.
func (c *Connection) stopLocked() {
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	if c.conn != nil {
		go c.conn.Close(websocket.StatusNormalClosure, "reopen")
		c.conn = nil
	}
}

func (c *Connection) run(ctx context.Context, endpoint string) {
	conn, err := c.config.Dialer.Dial(ctx, endpoint)
	if err != nil {
		c.fail(ctx, fmt.Errorf("dial: %w", err))
		return
	}

	c.mu.Lock()
	if ctx.Err() != nil || c.state == StateClosed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "closed while connecting")
		return
	}
	c.conn = conn
	c.attempts = 0
	change, ok := c.setStateLocked(StateOpen, nil)
	c.emitUnlock(change, ok)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.keepalive(connCtx, conn)
	c.readLoop(connCtx, conn)
}

func (c *Connection) readLoop(ctx context.Context, conn Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.readFailed(ctx, conn, err)
			return
		}
		c.deliver(data)
	}
}

func (c *Connection) readFailed(ctx context.Context, conn Conn, err error) {
	c.mu.Lock()
	if ctx.Err() != nil || c.conn != conn {
		// Closed or reopened underneath us.
		c.mu.Unlock()
		return
	}
	c.conn = nil

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		if c.cancelFn != nil {
			c.cancelFn()
			c.cancelFn = nil
		}
		change, ok := c.setStateLocked(StateClosed, nil)
		c.emitUnlock(change, ok)
		return
	}
	c.mu.Unlock()
	c.fail(ctx, err)
}

// fail moves the connection to Failed and schedules a retry while attempts
// remain.
func (c *Connection) fail(ctx context.Context, cause error) {
	c.mu.Lock()
	if ctx.Err() != nil || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	change, ok := c.setStateLocked(StateFailed, cause)

	maxAttempts := c.config.MaxReconnectAttempts
	if maxAttempts > 0 && c.attempts < maxAttempts {
		c.attempts++
		attempt := c.attempts
		c.retry = time.AfterFunc(c.config.ReconnectDelay, func() { c.reconnect(ctx) })
		c.emitUnlock(change, ok)

		reconnectAttempts.WithLabelValues(string(c.channel)).Inc()
		c.logger.Info("reconnect_scheduled",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", c.config.ReconnectDelay),
		)
		return
	}
	c.emitUnlock(change, ok)
	c.logger.Warn("reconnect_exhausted", zap.Int("max_attempts", maxAttempts), zap.Error(cause))
}

func (c *Connection) reconnect(ctx context.Context) {
	c.mu.Lock()
	if ctx.Err() != nil || c.state != StateFailed {
		c.mu.Unlock()
		return
	}
	c.retry = nil
	endpoint := c.endpoint
	change, ok := c.setStateLocked(StateConnecting, nil)
	c.emitUnlock(change, ok)

	c.run(ctx, endpoint)
}

func (c *Connection) keepalive(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(Command{Type: TypePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A missing pong is not treated as failure; only the transport's
			// own close or error moves the state machine.
			if err := conn.Write(ctx, websocket.MessageText, ping); err != nil {
				c.logger.Debug("keepalive_write_failed", zap.Error(err))
			}
		}
	}
}

func (c *Connection) deliver(data []byte) {
	if !gjson.ValidBytes(data) {
		droppedPayloads.WithLabelValues("transport", "malformed").Inc()
		c.logger.Warn("payload_dropped", zap.Error(ErrMalformedPayload), zap.Int("bytes", len(data)))
		return
	}
	typ := gjson.GetBytes(data, "type").String()
	switch typ {
	case TypePong:
		return
	case "":
		droppedPayloads.WithLabelValues("transport", "missing_type").Inc()
		c.logger.Warn("payload_dropped", zap.String("reason", "missing type"))
		return
	}

	ev := Event{Channel: c.channel, Type: typ, Raw: data}
	c.subMu.RLock()
	subs := append([]subscription{}, c.subs...)
	c.subMu.RUnlock()
	for _, s := range subs {
		h := s.h
		c.safeCall(func() { h(ev) })
	}
}

// safeCall shields the connection goroutines from panicking callbacks.
func (c *Connection) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("handler_panic", zap.Any("panic", r))
		}
	}()
	fn()
}

// IsNotOpen reports whether err means the connection could not carry a send.
func IsNotOpen(err error) bool { return errors.Is(err, ErrNotOpen) }
