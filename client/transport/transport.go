// Package transport implements the client side of the realtime messaging
// connection: a single WebSocket to the gateway with a connection state
// machine, exponential-backoff reconnection, and per-event-type listener
// dispatch. Sends are dropped when the connection is not open; queuing
// writes for later delivery belongs to the offline sync coordinator, not
// this layer.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tasklink/messaging/internal/protocol"
)

// Connection states.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String implements fmt.Stringer for log output.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Local lifecycle events delivered through On alongside the server event
// types from the protocol package.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
)

const (
	// DefaultMaxAttempts is the reconnection attempt budget. After this
	// many consecutive failures the client stays disconnected until
	// Connect is called again.
	DefaultMaxAttempts = 5

	// DefaultBaseDelay seeds the exponential backoff:
	// delay = base * 2^(attempt-1).
	DefaultBaseDelay = 1 * time.Second
)

// Handler receives the raw JSON payload of an event.
type Handler func(data json.RawMessage)

// DialFunc opens the underlying WebSocket connection. Injectable for tests.
type DialFunc func(ctx context.Context, url string) (net.Conn, error)

// Config holds transport settings.
type Config struct {
	// URL is the gateway WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string

	// MaxAttempts overrides the reconnection budget (default 5).
	MaxAttempts int

	// BaseDelay overrides the backoff base delay (default 1s).
	BaseDelay time.Duration

	// Dial overrides the WebSocket dialer (default gobwas/ws).
	Dial DialFunc
}

// Client owns exactly one live connection at a time.
type Client struct {
	cfg Config

	mu         sync.Mutex
	state      State
	conn       net.Conn
	writeMu    sync.Mutex
	token      string
	attempts   int
	retryTimer *time.Timer
	gen        uint64 // connection generation; stale read loops are ignored
	listeners  map[string][]Handler

	// afterFunc schedules the reconnect timer; replaced in tests.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New creates a transport client. The client is initially disconnected.
func New(cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, u string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, u)
			return conn, err
		}
	}
	return &Client{
		cfg:       cfg,
		state:     StateDisconnected,
		listeners: make(map[string][]Handler),
		afterFunc: time.AfterFunc,
	}
}

// Connect opens the connection, passing the auth token as a connection
// parameter. It resets the attempt budget, so it also restarts a client
// that previously gave up or was explicitly disconnected. Dial failures do
// not propagate: they enter the reconnection path and ultimately surface
// only as a persisted disconnected state.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return
	}
	c.cancelRetryLocked()
	c.token = token
	c.attempts = 0
	c.state = StateConnecting
	c.mu.Unlock()

	c.dial()
}

// Disconnect closes the connection and pins the attempt counter at the
// budget so no further reconnects fire. Any pending retry timer is
// cancelled; a later Connect starts fresh.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelRetryLocked()
	c.attempts = c.cfg.MaxAttempts
	c.state = StateDisconnected
	c.gen++ // orphan the current read loop
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.emit(EventDisconnected, nil)
}

// IsConnected reports whether the connection is currently open. It is false
// in every other state, including reconnecting.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnected
}

// CurrentState returns the connection state for UI consumption.
func (c *Client) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// On registers a handler for an event type. Handlers run on the read-loop
// goroutine and should not block.
func (c *Client) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners[eventType] = append(c.listeners[eventType], h)
}

// Off removes a previously registered handler by function reference. Only
// the first matching registration is removed.
func (c *Client) Off(eventType string, h Handler) {
	ptr := reflect.ValueOf(h).Pointer()
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.listeners[eventType]
	for i, registered := range list {
		if reflect.ValueOf(registered).Pointer() == ptr {
			c.listeners[eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// SendMessage transmits a chat message if the connection is open; otherwise
// the send is dropped at this layer (offline queuing is the sync
// coordinator's job).
func (c *Client) SendMessage(msg protocol.MessageEvent) error {
	return c.send(protocol.TypeMessage, msg)
}

// SendTyping transmits a typing indicator. Best-effort: dropped when not
// connected, never retried.
func (c *Client) SendTyping(jobID string, isTyping bool) error {
	return c.send(protocol.TypeTyping, protocol.TypingEvent{JobID: jobID, IsTyping: isTyping})
}

// SendReadReceipt transmits a read receipt. Best-effort, like SendTyping.
func (c *Client) SendReadReceipt(messageID string) error {
	return c.send(protocol.TypeReadReceipt, protocol.ReadReceiptEvent{MessageID: messageID})
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (c *Client) send(eventType string, payload interface{}) error {
	data, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", eventType, err)
	}

	c.mu.Lock()
	conn := c.conn
	open := c.state == StateConnected
	c.mu.Unlock()

	if !open || conn == nil {
		// Dropped by design; the caller treats the transport as lossy.
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		return fmt.Errorf("transport: write %s: %w", eventType, err)
	}
	return nil
}

// dial attempts to open the connection for the current generation. On
// success it transitions to connected and starts the read loop; on failure
// it schedules the next backoff attempt.
func (c *Client) dial() {
	u := c.cfg.URL
	if c.token != "" {
		sep := "?"
		if parsed, err := url.Parse(u); err == nil && parsed.RawQuery != "" {
			sep = "&"
		}
		u += sep + "token=" + url.QueryEscape(c.token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	conn, err := c.cfg.Dial(ctx, u)
	cancel()

	c.mu.Lock()
	if c.state == StateDisconnected {
		// Disconnect raced the dial.
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if err != nil {
		log.Printf("[transport] dial failed (attempt %d): %v", c.attempts, err)
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.emit(EventConnected, nil)
	go c.readLoop(conn, gen)
}

// readLoop reads frames until the connection fails, then enters the
// reconnection path unless this loop's connection has been superseded.
func (c *Client) readLoop(conn net.Conn, gen uint64) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			c.handleClose(gen)
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			log.Printf("[transport] dropping malformed event: %v", err)
			continue
		}
		c.emit(env.Type, env.Data)
	}
}

// handleClose runs when the read loop observes a close or error. It emits
// disconnected and schedules a reconnect within the attempt budget.
func (c *Client) handleClose(gen uint64) {
	c.mu.Lock()
	if gen != c.gen || c.state == StateDisconnected {
		// Superseded by a newer connection or an explicit Disconnect.
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	c.emit(EventDisconnected, nil)
}

// scheduleReconnectLocked books the next backoff attempt, or gives up once
// the budget is exhausted. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.cfg.MaxAttempts {
		log.Printf("[transport] giving up after %d attempts", c.attempts)
		c.state = StateDisconnected
		return
	}

	c.attempts++
	delay := c.cfg.BaseDelay << (c.attempts - 1)
	c.state = StateReconnecting
	log.Printf("[transport] reconnecting in %s (attempt %d/%d)", delay, c.attempts, c.cfg.MaxAttempts)

	c.cancelRetryLocked()
	c.retryTimer = c.afterFunc(delay, func() {
		c.mu.Lock()
		if c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.state = StateConnecting
		c.mu.Unlock()
		c.dial()
	})
}

// cancelRetryLocked stops any pending reconnect timer so a new Connect or
// Disconnect cannot race it into a duplicate socket. Caller holds c.mu.
func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// emit dispatches an event to the listeners registered for its type.
func (c *Client) emit(eventType string, data json.RawMessage) {
	c.mu.Lock()
	list := make([]Handler, len(c.listeners[eventType]))
	copy(list, c.listeners[eventType])
	c.mu.Unlock()

	for _, h := range list {
		h(data)
	}
}
