// Package client implements the dashboard side of the protocol: a
// reconnecting websocket connection, a registry of enrolled tests with
// pending-result correlation, and a strictly sequential run-all.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/palebluedot/testrig/internal/protocol"
)

// ReconnectDelay is the fixed delay before a dropped connection is retried.
const ReconnectDelay = 2 * time.Second

// Errors
var (
	ErrNotConnected = errors.New("not connected")
)

// State is the connection state machine's current state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Conn owns the dashboard's socket and its connect/disconnect/reconnect
// policy. Inbound results fan into the registry's pending map.
type Conn struct {
	addr     string
	dialer   *websocket.Dialer
	registry *Registry
	log      *zap.Logger
	onState  func(State, string)

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	dialing        bool
	reconnect      *time.Timer
	reconnectDelay time.Duration
	lastErr        string
	closed         bool

	writeMu sync.Mutex
}

// ConnOptions configures a Conn.
type ConnOptions struct {
	// Addr is the websocket endpoint, e.g. "ws://localhost:5003/run". When
	// empty the connection stays Disconnected and never dials.
	Addr     string
	Registry *Registry
	Logger   *zap.Logger
	// OnState observes state transitions with a short error summary for
	// display near the session title.
	OnState func(State, string)
}

// NewConn creates a connection in the Disconnected state. Call Connect to
// dial.
func NewConn(opts ConnOptions) *Conn {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Conn{
		addr:           opts.Addr,
		dialer:         websocket.DefaultDialer,
		registry:       opts.Registry,
		log:            opts.Logger.Named("client"),
		onState:        opts.OnState,
		reconnectDelay: ReconnectDelay,
	}
}

// Connect dials the server, closing any existing live socket first. With no
// address configured it stays Disconnected with no socket. Dial failure
// transitions to Error and schedules a reconnect. A Connect arriving while
// another dial is in flight (a user-initiated connect racing the reconnect
// timer) is a no-op, so two dials can never race to store a socket.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.closed || c.addr == "" || c.dialing {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(StateConnecting, "")
	c.mu.Unlock()

	ws, resp, err := c.dialer.Dial(c.addr, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		c.log.Warn("dial failed", zap.String("addr", c.addr), zap.Error(err))
		c.mu.Lock()
		c.dialing = false
		c.setStateLocked(StateError, err.Error())
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.dialing = false
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.setStateLocked(StateConnected, "")
	c.mu.Unlock()
	c.log.Info("connected", zap.String("addr", c.addr))

	go c.readLoop(ws)
}

// readLoop delivers inbound results to the registry until the socket drops,
// then transitions to Disconnected and schedules a reconnect.
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.ws == ws { // ignore a stale socket replaced by Connect
				c.ws = nil
				if !c.closed {
					c.setStateLocked(StateDisconnected, "connection lost")
					c.scheduleReconnectLocked()
				}
			}
			c.mu.Unlock()
			return
		}

		res, err := protocol.ParseResult(data)
		if err != nil {
			c.log.Warn("malformed server message", zap.Error(err))
			if c.registry != nil {
				c.registry.failPending("malformed server message: " + err.Error())
			}
			continue
		}
		if res == nil {
			continue // greeting or other informational message
		}
		if c.registry != nil {
			c.registry.deliver(res)
		}
	}
}

// scheduleReconnectLocked cancels any pending reconnect timer and arms a
// single fresh one. At most one timer is ever pending. Caller holds c.mu.
func (c *Conn) scheduleReconnectLocked() {
	if c.closed {
		return
	}
	if c.reconnect != nil {
		c.reconnect.Stop()
	}
	c.reconnect = time.AfterFunc(c.reconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		c.Connect()
	})
}

// reconnectPending reports whether a reconnect timer is armed.
func (c *Conn) reconnectPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnect != nil
}

func (c *Conn) setStateLocked(s State, errMsg string) {
	c.state = s
	c.lastErr = errMsg
	if c.onState != nil {
		// Callbacks run outside the lock would race with teardown; keep
		// them short.
		go c.onState(s, summarize(errMsg))
	}
}

// State reports the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ErrorSummary returns a truncated form of the last connection error,
// suitable for display near the session title.
func (c *Conn) ErrorSummary() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return summarize(c.lastErr)
}

const errorSummaryLimit = 80

func summarize(msg string) string {
	if len(msg) > errorSummaryLimit {
		return msg[:errorSummaryLimit] + "…"
	}
	return msg
}

// Send writes a message on the active socket. Fails immediately with
// ErrNotConnected when no socket is live.
func (c *Conn) Send(v interface{}) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

// Close tears the connection down: any pending reconnect timer is cancelled
// and any open socket closed. No timer or socket outlives the owner.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.setStateLocked(StateDisconnected, "")
	return nil
}
