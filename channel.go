package chatsync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/primenest/chatsync/frame"
	"github.com/primenest/chatsync/wire"
)

// Event is an inbound channel event.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// EventHandler is a callback for one event name.
type EventHandler func(Event)

// Dialer opens a WebSocket connection to the relay.
type Dialer func(ctx context.Context, endpoint string) (net.Conn, error)

type channelState int

const (
	stateDisconnected channelState = iota
	stateConnecting
	stateConnected
)

// Channel is the single duplex connection to the relay for one user.
// It redials on failure within a bounded budget and holds at most one
// handler per event name.
type Channel struct {
	cfg   Config
	log   *slog.Logger
	dial  Dialer
	ids   *frame.ULIDGen
	dedup *frame.DedupWindow

	ctx    context.Context
	cancel context.CancelFunc
	sendCh chan []byte
	wg     sync.WaitGroup

	mu        sync.Mutex
	conn      net.Conn
	connID    string
	state     channelState
	exhausted bool
	closed    bool
	handlers  map[string]EventHandler
	onState   func(connected bool)
}

// NewChannel creates a disconnected channel for cfg.UserID. A nil dial uses
// a gobwas/ws dialer that sends cfg.Token as a bearer token.
func NewChannel(cfg Config, dial Dialer) *Channel {
	cfg = cfg.withDefaults()
	if dial == nil {
		dial = wsDialer(cfg.Token)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		cfg:      cfg,
		log:      cfg.Logger.With("component", "channel", "user", cfg.UserID),
		dial:     dial,
		ids:      frame.NewULIDGen(),
		dedup:    frame.NewDedupWindow(),
		ctx:      ctx,
		cancel:   cancel,
		sendCh:   make(chan []byte, 256),
		handlers: make(map[string]EventHandler),
	}
}

// Connect dials the relay and announces the user. It retries up to
// ReconnectAttempts times before giving up with ErrRetriesExhausted.
// Calling Connect while connected or connecting is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state != stateDisconnected:
		c.mu.Unlock()
		return nil
	}
	c.state = stateConnecting
	c.exhausted = false
	c.mu.Unlock()

	return c.establish(ctx, c.cfg.ReconnectAttempts+1, true)
}

// Close tears the channel down. No reconnect is attempted afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.wg.Wait()
	return err
}

// Connected reports whether a physical connection is currently up.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Exhausted reports whether the channel stopped retrying.
func (c *Channel) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}

// OnStateChange registers fn to be called when the connected state flips.
func (c *Channel) OnStateChange(fn func(connected bool)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// On binds handler to event. A name that is already bound keeps its
// handler and ErrDuplicateHandler is returned.
func (c *Channel) On(event string, handler EventHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.handlers[event]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, event)
	}
	c.handlers[event] = handler
	return nil
}

// Off removes the handler bound to event, if any.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	delete(c.handlers, event)
	c.mu.Unlock()
}

// Send publishes payload as event. Delivery is not acknowledged.
func (c *Channel) Send(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	encoded, err := frame.EncodeEvent(event, c.ids.Next(), body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, connected := c.closed, c.state == stateConnected
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !connected {
		return &TransportError{Op: "send " + event, Err: ErrNotConnected}
	}

	select {
	case c.sendCh <- encoded:
		return nil
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- Internal ---

// establish makes up to attempts dials. Every dial but an immediate first
// one waits ReconnectDelay.
func (c *Channel) establish(ctx context.Context, attempts int, immediate bool) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 || !immediate {
			t := time.NewTimer(c.cfg.ReconnectDelay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				c.setDisconnected(false)
				return &TransportError{Op: "connect", Err: ctx.Err()}
			case <-c.ctx.Done():
				t.Stop()
				c.setDisconnected(false)
				return ErrClosed
			}
		}

		conn, err := c.dial(ctx, c.cfg.Endpoint)
		if err == nil {
			if err = c.announce(conn); err != nil {
				conn.Close()
			}
		}
		if err == nil {
			if !c.attach(conn) {
				conn.Close()
				return ErrClosed
			}
			return nil
		}

		lastErr = err
		c.log.Warn("dial failed", "attempt", attempt, "max", attempts, "error", err)
	}

	c.setDisconnected(true)
	c.log.Error("giving up on relay", "endpoint", c.cfg.Endpoint, "attempts", attempts)
	if lastErr == nil {
		return &TransportError{Op: "connect", Err: ErrRetriesExhausted}
	}
	return &TransportError{Op: "connect", Err: fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)}
}

func (c *Channel) announce(conn net.Conn) error {
	body, _ := json.Marshal(wire.AnnouncePayload{UserID: c.cfg.UserID})
	encoded, err := frame.EncodeEvent(frame.EventAnnounce, c.ids.Next(), body)
	if err != nil {
		return err
	}
	if err := wsutil.WriteClientBinary(conn, encoded); err != nil {
		return fmt.Errorf("send announce: %w", err)
	}
	return nil
}

func (c *Channel) attach(conn net.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.connID = uuid.NewString()
	c.state = stateConnected
	c.exhausted = false
	id := c.connID
	c.wg.Add(2)
	c.mu.Unlock()

	c.log.Info("connected to relay", "endpoint", c.cfg.Endpoint, "conn", id)
	c.notify(true)

	stop := make(chan struct{})
	go c.readLoop(conn, id, stop)
	go c.writeLoop(conn, stop)
	return true
}

// detach forgets conn and reports whether a reconnect should follow.
func (c *Channel) detach(conn net.Conn) bool {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	if closed {
		c.state = stateDisconnected
	} else {
		c.state = stateConnecting
	}
	c.mu.Unlock()

	c.notify(false)
	return !closed
}

func (c *Channel) setDisconnected(exhausted bool) {
	c.mu.Lock()
	c.state = stateDisconnected
	c.exhausted = exhausted
	c.mu.Unlock()
}

func (c *Channel) notify(connected bool) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(connected)
	}
}

func (c *Channel) readLoop(conn net.Conn, id string, stop chan struct{}) {
	defer c.wg.Done()
	for {
		data, err := wsutil.ReadServerBinary(conn)
		if err != nil {
			close(stop)
			conn.Close()
			if !c.detach(conn) {
				return
			}
			c.log.Warn("connection lost, reconnecting", "conn", id, "error", err)
			if err := c.establish(c.ctx, c.cfg.ReconnectAttempts, false); err != nil {
				c.log.Debug("reconnect ended", "error", err)
			}
			return
		}
		c.deliver(data)
	}
}

func (c *Channel) writeLoop(conn net.Conn, stop chan struct{}) {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.sendCh:
			if err := wsutil.WriteClientBinary(conn, data); err != nil {
				c.log.Warn("write error", "error", err)
				conn.Close()
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Channel) deliver(data []byte) {
	h, name, payload, err := frame.DecodeEvent(data)
	if err != nil {
		c.log.Debug("bad frame", "error", err)
		return
	}
	if c.dedup.IsDuplicate(h.EventID) {
		c.log.Debug("duplicate frame dropped", "event", name)
		return
	}

	c.mu.Lock()
	handler := c.handlers[name]
	c.mu.Unlock()
	if handler == nil {
		c.log.Debug("no handler bound", "event", name)
		return
	}
	handler(Event{Name: name, Payload: payload})
}

func wsDialer(token string) Dialer {
	var d ws.Dialer
	if token != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		})
	}
	return func(ctx context.Context, endpoint string) (net.Conn, error) {
		conn, br, _, err := d.Dial(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
		if br != nil {
			return &bufferedConn{Conn: conn, r: br}, nil
		}
		return conn, nil
	}
}

// bufferedConn drains bytes the handshake reader already buffered before
// reading from the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r.Buffered() > 0 {
		return b.r.Read(p)
	}
	return b.Conn.Read(p)
}
