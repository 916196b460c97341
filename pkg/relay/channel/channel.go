// Package channel wraps one outbound persistent connection to the avatar
// provider's realtime control channel. It owns the connection lifecycle
// (connect, reconnect with linear backoff, heartbeat, graceful close) and
// exposes typed command operations plus an inbound event dispatch table.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avatar-relay/avatar-relay/pkg/relay/events"
	"github.com/avatar-relay/avatar-relay/pkg/trace"
)

const (
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultHandshakeTimeout     = 10 * time.Second

	// clientID identifies this relay to the avatar provider on dial.
	clientID = "avatar-relay-go"
)

// State represents the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// ErrConnectInProgress is returned when Connect is called while a dial is
// already in flight.
var ErrConnectInProgress = errors.New("connect already in progress")

// Config holds configuration for a Channel.
type Config struct {
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	HeartbeatInterval    time.Duration
	HandshakeTimeout     time.Duration
}

// DefaultConfig returns the default channel configuration.
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		ReconnectBaseDelay:   DefaultReconnectBaseDelay,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		HandshakeTimeout:     DefaultHandshakeTimeout,
	}
}

// Handler processes one inbound control-channel event.
type Handler func(event *events.ProviderEvent)

// Channel is a resilient client for the avatar provider's control channel.
type Channel struct {
	sessionID string
	endpoint  string
	token     string
	cfg       Config

	mu                sync.Mutex
	state             State
	conn              *websocket.Conn
	epoch             int // increments per dial; callbacks from superseded epochs are ignored
	reconnectAttempts int
	deliberate        bool // set by Disconnect; suppresses automatic reconnection
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}

	writeMu sync.Mutex

	handlersMu     sync.RWMutex
	handlers       map[events.ProviderEventType][]Handler
	catchAll       []Handler
	onConnected    func()
	onDisconnected func(code int, reason string)
}

// New creates a Channel for one session. The endpoint URL is provider-issued
// and per-session; the token is the process-wide credential.
func New(sessionID, endpoint, token string, cfg Config) *Channel {
	return &Channel{
		sessionID: sessionID,
		endpoint:  endpoint,
		token:     token,
		cfg:       cfg,
		state:     StateDisconnected,
		handlers:  make(map[events.ProviderEventType][]Handler),
	}
}

// On registers a handler for a specific inbound event type. Handlers must be
// registered before Connect so they cannot race with initial traffic.
func (c *Channel) On(eventType events.ProviderEventType, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

// OnAny registers a catch-all handler invoked for every valid inbound event,
// after the type-specific handlers.
func (c *Channel) OnAny(handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.catchAll = append(c.catchAll, handler)
}

// OnConnected registers a notification callback fired once per successful open.
func (c *Channel) OnConnected(fn func()) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onConnected = fn
}

// OnDisconnected registers a notification callback fired on connection close,
// carrying the closure code and reason.
func (c *Channel) OnDisconnected(fn func(code int, reason string)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onDisconnected = fn
}

// Connect establishes the control-channel connection. It returns once the
// connection is confirmed open, or with an error if the dial fails. On open
// the reconnect-attempt counter is reset, the heartbeat starts, and the
// connected notification fires. A manual Connect clears the deliberate flag,
// re-enabling automatic reconnection.
func (c *Channel) Connect(ctx context.Context) error {
	return c.connect(ctx, -1)
}

// connect performs one dial attempt. A non-negative expectEpoch marks an
// automatic reconnect: the attempt is abandoned when the epoch has moved or a
// deliberate disconnect happened since it was scheduled, and it never clears
// the deliberate flag. The supersession check and the epoch mint happen under
// one lock acquisition, so a Disconnect cannot slip between them.
func (c *Channel) connect(ctx context.Context, expectEpoch int) error {
	c.mu.Lock()
	if expectEpoch >= 0 && (c.deliberate || c.epoch != expectEpoch) {
		c.mu.Unlock()
		return nil
	}
	switch c.state {
	case StateConnected:
		c.mu.Unlock()
		return nil
	case StateConnecting:
		c.mu.Unlock()
		return ErrConnectInProgress
	}
	c.state = StateConnecting
	if expectEpoch < 0 {
		c.deliberate = false
	}
	c.epoch++
	epoch := c.epoch
	c.mu.Unlock()

	ctx, span := trace.InstrumentChannelConnect(ctx, c.sessionID, c.endpoint)
	defer span.End()

	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	header.Set("X-API-Client", clientID)

	conn, _, err := dialer.DialContext(ctx, c.endpoint, header)
	if err != nil {
		trace.RecordError(span, err)
		c.mu.Lock()
		if c.epoch == epoch {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		return fmt.Errorf("control channel dial failed: %w", err)
	}

	c.mu.Lock()
	if c.epoch != epoch || c.deliberate {
		// A deliberate disconnect won the race with this dial. The late open
		// is immediately followed by a close.
		c.mu.Unlock()
		conn.Close()
		log.Printf("[channel %s] superseded connection closed", c.sessionID)
		return nil
	}
	c.conn = conn
	c.state = StateConnected
	c.reconnectAttempts = 0
	c.heartbeatStop = make(chan struct{})
	heartbeatStop := c.heartbeatStop
	c.mu.Unlock()

	go c.heartbeatLoop(heartbeatStop)
	go c.readLoop(conn, epoch)

	log.Printf("[channel %s] connected to %s", c.sessionID, c.endpoint)

	c.handlersMu.RLock()
	onConnected := c.onConnected
	c.handlersMu.RUnlock()
	if onConnected != nil {
		onConnected()
	}
	return nil
}

// readLoop reads inbound messages until the connection closes.
func (c *Channel) readLoop(conn *websocket.Conn, epoch int) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}
			c.handleClose(epoch, code, reason)
			return
		}
		c.handleMessage(data)
	}
}

// handleMessage parses one inbound message and dispatches it. Malformed
// payloads are logged and dropped without terminating the connection.
func (c *Channel) handleMessage(data []byte) {
	event, err := events.ParseProviderEvent(data)
	if err != nil {
		log.Printf("[channel %s] dropping malformed event: %v", c.sessionID, err)
		return
	}

	c.handlersMu.RLock()
	specific := c.handlers[event.Type]
	catchAll := c.catchAll
	c.handlersMu.RUnlock()

	// Specific handlers run before the catch-all list, in registration order.
	for _, h := range specific {
		h(event)
	}
	for _, h := range catchAll {
		h(event)
	}
}

// handleClose processes a connection close observed by the read loop. Stale
// epochs (a newer dial or a deliberate disconnect already took over) are
// ignored.
func (c *Channel) handleClose(epoch, code int, reason string) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	c.stopHeartbeatLocked()
	c.conn = nil
	c.state = StateDisconnected
	deliberate := c.deliberate
	attempts := c.reconnectAttempts
	c.mu.Unlock()

	log.Printf("[channel %s] disconnected (code=%d reason=%q)", c.sessionID, code, reason)

	c.handlersMu.RLock()
	onDisconnected := c.onDisconnected
	c.handlersMu.RUnlock()
	if onDisconnected != nil {
		onDisconnected(code, reason)
	}

	if deliberate || code == websocket.CloseNormalClosure {
		return
	}
	if attempts >= c.cfg.MaxReconnectAttempts {
		log.Printf("[channel %s] reconnect attempts exhausted (%d)", c.sessionID, attempts)
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect increments the attempt counter and arms the reconnect
// timer with a linear backoff delay.
func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.deliberate {
		c.mu.Unlock()
		return
	}
	c.reconnectAttempts++
	delay := c.reconnectDelay(c.reconnectAttempts)
	// The timer carries the epoch it was armed under; a Disconnect (or any
	// newer dial) bumps the epoch, so a stale timer firing after Stop was too
	// late cannot revive the channel.
	epoch := c.epoch
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(epoch) })
	attempt := c.reconnectAttempts
	c.mu.Unlock()

	log.Printf("[channel %s] reconnecting in %s (attempt %d/%d)",
		c.sessionID, delay, attempt, c.cfg.MaxReconnectAttempts)
}

// reconnectDelay returns the backoff delay for the nth reconnection attempt.
func (c *Channel) reconnectDelay(attempt int) time.Duration {
	return time.Duration(attempt) * c.cfg.ReconnectBaseDelay
}

// reconnect is the timer callback for an automatic reconnection attempt,
// scoped to the epoch it was scheduled under. A failed dial arms the next
// attempt until the attempt budget runs out.
func (c *Channel) reconnect(epoch int) {
	err := c.connect(context.Background(), epoch)
	if err == nil {
		return
	}
	log.Printf("[channel %s] reconnect failed: %v", c.sessionID, err)

	c.mu.Lock()
	deliberate := c.deliberate
	attempts := c.reconnectAttempts
	c.mu.Unlock()
	if deliberate {
		return
	}
	if attempts >= c.cfg.MaxReconnectAttempts {
		log.Printf("[channel %s] reconnect attempts exhausted (%d)", c.sessionID, attempts)
		return
	}
	c.scheduleReconnect()
}

// heartbeatLoop sends a keep-alive command on a fixed interval while the
// connection stays open, preventing idle timeout at the provider.
func (c *Channel) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.KeepAlive()
		}
	}
}

// stopHeartbeatLocked cancels the heartbeat ticker. Caller holds c.mu.
func (c *Channel) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// send marshals and transmits a command if the channel is Connected. When not
// connected the command is logged and dropped, but the generated event ID is
// still returned so callers can track the command optimistically.
func (c *Channel) send(cmd events.Command) string {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		log.Printf("[channel %s] not connected, dropping %s command", c.sessionID, cmd.Type)
		return cmd.EventID
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		log.Printf("[channel %s] failed to marshal %s command: %v", c.sessionID, cmd.Type, err)
		return cmd.EventID
	}

	_, span := trace.InstrumentCommandSend(context.Background(), c.sessionID, string(cmd.Type), len(data))
	defer span.End()

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		trace.RecordError(span, err)
		log.Printf("[channel %s] write error for %s command: %v", c.sessionID, cmd.Type, err)
	}
	return cmd.EventID
}

// Speak sends an agent.speak command carrying base64 audio and returns the
// command's event ID.
func (c *Channel) Speak(audio string) string {
	return c.send(events.NewSpeakCommand(audio))
}

// SpeakEnd sends an agent.speak_end command. Audio is optional.
func (c *Channel) SpeakEnd(audio string) string {
	return c.send(events.NewSpeakEndCommand(audio))
}

// Interrupt sends an agent.interrupt command.
func (c *Channel) Interrupt() string {
	return c.send(events.NewCommand(events.CommandTypeInterrupt))
}

// StartListening sends an agent.start_listening command.
func (c *Channel) StartListening() string {
	return c.send(events.NewCommand(events.CommandTypeStartListening))
}

// StopListening sends an agent.stop_listening command.
func (c *Channel) StopListening() string {
	return c.send(events.NewCommand(events.CommandTypeStopListening))
}

// ClearBuffer sends an agent.audio_buffer_clear command.
func (c *Channel) ClearBuffer() string {
	return c.send(events.NewCommand(events.CommandTypeAudioBufferClear))
}

// KeepAlive sends a session.keep_alive command.
func (c *Channel) KeepAlive() string {
	return c.send(events.NewCommand(events.CommandTypeKeepAlive))
}

// IsOpen reports whether the channel is Connected with a live socket.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected && c.conn != nil
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session identifier this channel belongs to.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Disconnect closes the connection with a normal-closure code, cancels the
// heartbeat and any pending reconnection, and leaves the channel Disconnected.
// Idempotent and safe to call from any state.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.deliberate = true
	// Bump the epoch so late callbacks from the closing connection (or an
	// in-flight dial) are ignored.
	c.epoch++
	epoch := c.epoch
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	conn := c.conn
	c.conn = nil
	hadConn := conn != nil
	if hadConn {
		c.state = StateClosing
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if hadConn {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"))
		c.writeMu.Unlock()
		conn.Close()

		c.mu.Lock()
		// A manual Connect may have started in the closing window; leave its
		// Connecting state alone.
		if c.epoch == epoch {
			c.state = StateDisconnected
		}
		c.mu.Unlock()

		log.Printf("[channel %s] disconnected (deliberate)", c.sessionID)

		c.handlersMu.RLock()
		onDisconnected := c.onDisconnected
		c.handlersMu.RUnlock()
		if onDisconnected != nil {
			onDisconnected(websocket.CloseNormalClosure, "client disconnect")
		}
	}
}
