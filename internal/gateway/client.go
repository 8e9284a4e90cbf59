// ABOUTME: Connection manager for a single Helix gateway session.
// ABOUTME: Owns the transport lifecycle, handshake, heartbeat, reconnect and frame routing.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/helix-gateway/internal/events"
	"github.com/2389/helix-gateway/internal/protocol"
	"github.com/2389/helix-gateway/internal/rpc"
	"github.com/2389/helix-gateway/internal/session"
	"github.com/2389/helix-gateway/internal/transport"
)

// State is the connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Local events dispatched alongside server-pushed ones.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
	EventReconnecting    = "reconnecting"
	EventReconnectFailed = "reconnect_failed"
	EventState           = "state"
)

var (
	// ErrNotConnected is returned by Request when no session is established.
	ErrNotConnected = errors.New("gateway not connected")

	// ErrAlreadyConnecting is returned by Start while a connect is in flight.
	ErrAlreadyConnecting = errors.New("gateway connect already in progress")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("gateway client closed")

	// ErrHeartbeatTimeout is the disconnect reason when the gateway goes silent.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")

	errDisconnectRequested = errors.New("disconnect requested")

	// errHandshakeInterrupted marks an attempt abandoned by its own context.
	errHandshakeInterrupted = errors.New("handshake interrupted")
)

// writeTimeout bounds a single frame write on the connection.
const writeTimeout = 10 * time.Second

// StateListener observes state transitions.
type StateListener func(from, to State)

// Client is one gateway session plus the machinery that keeps it alive.
type Client struct {
	opts       Options
	codec      protocol.Codec
	logger     *slog.Logger
	correlator *rpc.Correlator
	dispatcher *events.Dispatcher

	mu              sync.Mutex
	state           State
	sess            *session.Session
	conn            transport.Conn
	connCtx         context.Context
	connCancel      context.CancelFunc
	attemptDone     chan struct{}
	generation      uint64
	manual          bool
	closed          bool
	reconnectCancel context.CancelFunc
	reconnectID     uint64
	stateListeners  map[int]StateListener
	nextListener    int

	writeMu  sync.Mutex
	lastSeen atomic.Int64
}

// New creates a disconnected Client.
func New(opts Options) (*Client, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	logger := opts.Logger.With("component", "gateway")
	c := &Client{
		opts:           opts,
		codec:          opts.Codec,
		logger:         logger,
		dispatcher:     events.NewDispatcher(opts.Logger),
		state:          StateDisconnected,
		stateListeners: make(map[int]StateListener),
	}
	c.correlator = rpc.NewCorrelator(c.transmit, opts.Logger)
	return c, nil
}

// Start connects and negotiates a session. Negotiation failures are returned
// and leave the client in StateError without retrying. Transport failures are
// returned too, and schedule a reconnect when reconnect is enabled. If a
// reconnect attempt is already mid-handshake, Start waits for its outcome.
func (c *Client) Start(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ErrClientClosed
		}
		if c.state == StateConnected {
			c.mu.Unlock()
			return nil
		}
		if c.state == StateConnecting && c.attemptDone != nil {
			done := c.attemptDone
			c.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		c.manual = false
		c.stopReconnectLocked()
		c.mu.Unlock()

		err := c.connect(ctx)
		if errors.Is(err, ErrAlreadyConnecting) {
			// A reconnect attempt won the race; wait on it instead.
			continue
		}
		if err != nil && c.shouldReconnect(err) {
			c.scheduleReconnect()
		}
		return err
	}
}

// connect performs one dial + handshake attempt.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return ErrAlreadyConnecting
	}
	from := c.transitionLocked(StateConnecting)
	done := make(chan struct{})
	c.attemptDone = done
	c.mu.Unlock()
	defer close(done)
	c.notifyState(from, StateConnecting)

	conn, err := c.opts.Dialer.Dial(ctx)
	if err != nil {
		var te *transport.Error
		if !errors.As(err, &te) {
			err = &transport.Error{Op: "dial", Err: err}
		}
		c.logger.Warn("dial failed", "error", err)
		c.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	c.connCtx = connCtx
	c.connCancel = cancel
	c.mu.Unlock()

	c.touch()
	go c.readLoop(connCtx, conn, gen)

	sess, err := session.Negotiate(ctx, c.correlator, c.opts.Handshake)
	if err != nil {
		c.teardown(gen)
		if ctx.Err() != nil {
			// Cancelled by Disconnect, Close or the caller; not the gateway's answer.
			c.logger.Info("gateway handshake interrupted", "error", ctx.Err())
			c.setState(StateDisconnected)
			return fmt.Errorf("%w: %w", errHandshakeInterrupted, ctx.Err())
		}
		if isTransportFailure(err) {
			c.logger.Warn("connection lost during handshake", "error", err)
			c.setState(StateDisconnected)
			return &transport.Error{Op: "handshake", Err: handshakeCause(err)}
		}
		c.logger.Error("session negotiation failed", "error", err)
		c.setState(StateError)
		c.emit(EventError, errorPayload{Reason: err.Error()})
		return err
	}

	c.mu.Lock()
	if c.generation != gen || c.conn == nil {
		// The connection dropped between the hello and here.
		c.mu.Unlock()
		c.setState(StateDisconnected)
		return &transport.Error{Op: "handshake", Err: rpc.ErrConnectionLost}
	}
	c.sess = sess
	// A running reconnect loop exits on this success; let the next drop
	// schedule a fresh one.
	c.reconnectCancel = nil
	from = c.transitionLocked(StateConnected)
	c.mu.Unlock()

	c.logger.Info("gateway session established",
		"session_id", sess.ID,
		"protocol", sess.Protocol,
		"server_id", sess.Server.ID,
		"server_version", sess.Server.Version,
	)
	c.notifyState(from, StateConnected)

	if c.opts.HeartbeatInterval > 0 {
		go c.heartbeat(connCtx, gen)
	}
	c.emit(EventConnected, connectedPayload{
		SessionID: sess.ID,
		Protocol:  sess.Protocol,
		Server:    sess.Server,
		Gateway:   sess.Gateway,
	})
	return nil
}

// Disconnect closes the session without scheduling a reconnect.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.manual = true
	c.stopReconnectLocked()
	gen := c.generation
	hasConn := c.conn != nil
	c.mu.Unlock()

	if hasConn {
		c.handleDrop(gen, errDisconnectRequested)
		return nil
	}
	if c.State() == StateError {
		c.setState(StateDisconnected)
	}
	return nil
}

// Close disconnects and makes the client unusable. Event handlers see the
// final disconnected event and are then dropped.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	err := c.Disconnect()
	c.dispatcher.Clear()
	return err
}

// Request sends method with params and waits for the response payload.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.RequestWithTimeout(ctx, method, params, c.opts.RequestTimeout)
}

// RequestWithTimeout is Request with an explicit per-call timeout.
func (c *Client) RequestWithTimeout(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if !c.IsConnected() {
		return nil, ErrNotConnected
	}
	return c.correlator.Call(ctx, method, params, timeout)
}

// On registers an event handler. Local lifecycle events and server-pushed
// events share one namespace.
func (c *Client) On(name string, h events.Handler) events.ListenerID {
	return c.dispatcher.On(name, h)
}

// Off removes a handler registered with On.
func (c *Client) Off(name string, id events.ListenerID) bool {
	return c.dispatcher.Off(name, id)
}

// Events exposes the dispatcher for OnAny and Subscribe.
func (c *Client) Events() *events.Dispatcher { return c.dispatcher }

// OnStateChange registers l and returns a function that removes it.
func (c *Client) OnStateChange(l StateListener) func() {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.stateListeners[id] = l
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.stateListeners, id)
		c.mu.Unlock()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether a session is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Session returns a copy of the current session, or nil.
func (c *Client) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	s := *c.sess
	s.Scopes = append([]string(nil), c.sess.Scopes...)
	s.Server.Capabilities = append([]string(nil), c.sess.Server.Capabilities...)
	return &s
}

// PendingRequests returns the number of requests awaiting responses.
func (c *Client) PendingRequests() int { return c.correlator.Pending() }

// transmit encodes msg and writes it on the current connection. Writes are
// serialized so frames leave in call order. ctx only gates whether the write
// starts; the write itself runs under the connection's context so one
// caller giving up cannot close the shared socket.
func (c *Client) transmit(ctx context.Context, msg protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	conn, connCtx := c.conn, c.connCtx
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := c.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", msg.Kind(), err)
	}

	writeCtx, cancel := context.WithTimeout(connCtx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Send(writeCtx, data)
}

// readLoop decodes frames in arrival order. Events are dispatched inline so
// every handler for one event finishes before the next frame is read.
func (c *Client) readLoop(ctx context.Context, conn transport.Conn, gen uint64) {
	for {
		data, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("gateway connection lost", "error", err)
			c.handleDrop(gen, err)
			return
		}
		c.touch()

		msg, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err, "bytes", len(data))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Response:
			c.correlator.Resolve(m)
		case *protocol.Event:
			c.dispatcher.Dispatch(m.Name, m.Payload)
		case *protocol.Ping:
			if err := c.transmit(ctx, &protocol.Pong{ID: m.ID}); err != nil {
				c.logger.Debug("pong failed", "error", err)
			}
		case *protocol.Pong:
			// touch above is all a pong needs
		case *protocol.Request:
			c.logger.Debug("rejecting server-initiated request", "method", m.Method)
			if err := c.transmit(ctx, &protocol.Response{
				ID:    m.ID,
				OK:    false,
				Error: &protocol.ErrorShape{Code: "UNSUPPORTED", Message: "client does not serve requests"},
			}); err != nil {
				c.logger.Debug("rejecting server request failed", "request_id", m.ID, "error", err)
			}
		}
	}
}

// heartbeat pings on every tick and declares the connection dead once
// nothing has been received for HeartbeatTimeout.
func (c *Client) heartbeat(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		silent := time.Since(time.Unix(0, c.lastSeen.Load()))
		if silent > c.opts.HeartbeatTimeout {
			c.logger.Warn("gateway heartbeat timed out", "silent_for", silent)
			c.emit(EventError, errorPayload{Reason: ErrHeartbeatTimeout.Error()})
			c.handleDrop(gen, ErrHeartbeatTimeout)
			return
		}

		if err := c.transmit(ctx, &protocol.Ping{ID: uuid.New().String()}); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("heartbeat ping failed", "error", err)
		}
	}
}

// handleDrop tears down connection gen. It fails all pending requests and,
// if the session had been established, reports the disconnect and schedules
// a reconnect unless the drop was requested.
func (c *Client) handleDrop(gen uint64, reason error) {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.mu.Unlock()

	rejected := c.teardown(gen)
	if !wasConnected {
		// connect() is mid-handshake and reports its own failure.
		return
	}

	c.setState(StateDisconnected)
	c.logger.Info("gateway disconnected", "reason", reason, "rejected_requests", rejected)
	c.emit(EventDisconnected, disconnectedPayload{Reason: reason.Error(), RejectedRequests: rejected})

	if c.shouldReconnect(reason) {
		c.scheduleReconnect()
	}
}

// teardown closes connection gen, clears the session and rejects pending
// requests. It returns how many requests were rejected.
func (c *Client) teardown(gen uint64) int {
	c.mu.Lock()
	if gen != c.generation || c.conn == nil {
		c.mu.Unlock()
		return 0
	}
	conn, cancel := c.conn, c.connCancel
	c.conn, c.connCtx, c.connCancel, c.sess = nil, nil, nil, nil
	c.mu.Unlock()

	cancel()
	if err := conn.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}
	return c.correlator.RejectAll(rpc.ErrConnectionLost)
}

func (c *Client) shouldReconnect(reason error) bool {
	switch {
	case !c.opts.Reconnect,
		errors.Is(reason, errDisconnectRequested),
		errors.Is(reason, errHandshakeInterrupted),
		errors.Is(reason, ErrAlreadyConnecting),
		errors.Is(reason, session.ErrNegotiation):
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.manual && !c.closed
}

// scheduleReconnect starts the backoff loop unless one is already running.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.reconnectCancel != nil || c.closed || c.manual {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.reconnectCancel = cancel
	c.reconnectID++
	id := c.reconnectID
	c.mu.Unlock()

	go c.reconnectLoop(ctx, cancel, id)
}

func (c *Client) reconnectLoop(ctx context.Context, cancel context.CancelFunc, id uint64) {
	defer func() {
		cancel()
		c.mu.Lock()
		if c.reconnectID == id {
			c.reconnectCancel = nil
		}
		c.mu.Unlock()
	}()

	policy := c.opts.Backoff
	for attempt := 1; ; attempt++ {
		if policy.Exhausted(attempt) {
			c.logger.Error("gateway reconnect attempts exhausted", "attempts", attempt-1)
			c.setState(StateDisconnected)
			c.emit(EventReconnectFailed, reconnectPayload{Attempt: attempt - 1})
			return
		}

		delay := policy.Delay(attempt)
		c.logger.Info("gateway reconnecting", "attempt", attempt, "delay", delay)
		c.emit(EventReconnecting, reconnectPayload{Attempt: attempt, DelayMs: delay.Milliseconds()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		err := c.connect(ctx)
		switch {
		case err == nil:
			c.logger.Info("gateway reconnected", "attempt", attempt)
			return
		case errors.Is(err, session.ErrNegotiation), errors.Is(err, ErrClientClosed),
			errors.Is(err, ErrAlreadyConnecting), errors.Is(err, errHandshakeInterrupted):
			return
		case ctx.Err() != nil:
			return
		default:
			c.logger.Warn("gateway reconnect failed", "attempt", attempt, "error", err)
		}
	}
}

func (c *Client) stopReconnectLocked() {
	if c.reconnectCancel != nil {
		c.reconnectCancel()
		c.reconnectCancel = nil
	}
}

func (c *Client) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// transitionLocked sets the state and returns the previous one. Must be
// called with mu held; call notifyState after releasing it.
func (c *Client) transitionLocked(to State) State {
	from := c.state
	c.state = to
	return from
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.transitionLocked(to)
	c.mu.Unlock()
	c.notifyState(from, to)
}

func (c *Client) notifyState(from, to State) {
	if from == to {
		return
	}

	c.mu.Lock()
	listeners := make([]StateListener, 0, len(c.stateListeners))
	for _, l := range c.stateListeners {
		listeners = append(listeners, l)
	}
	c.mu.Unlock()

	c.logger.Debug("state changed", "from", from, "to", to)
	for _, l := range listeners {
		l(from, to)
	}
	c.emit(EventState, statePayload{From: from, To: to})
}

func (c *Client) emit(name string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("marshaling local event", "event", name, "error", err)
		return
	}
	c.dispatcher.Dispatch(name, raw)
}

// isTransportFailure reports whether a handshake error came from the
// connection going away rather than from the gateway's answer.
func isTransportFailure(err error) bool {
	var te *transport.Error
	return errors.Is(err, rpc.ErrConnectionLost) || errors.Is(err, ErrNotConnected) || errors.As(err, &te)
}

// handshakeCause strips the negotiation wrapper so a lost connection is not
// mistaken for a rejected handshake.
func handshakeCause(err error) error {
	var ne *session.NegotiationError
	if errors.As(err, &ne) && ne.Err != nil {
		return ne.Err
	}
	return err
}

type errorPayload struct {
	Reason string `json:"reason"`
}

type connectedPayload struct {
	SessionID string              `json:"sessionId"`
	Protocol  int                 `json:"protocol"`
	Server    session.ServerInfo  `json:"server"`
	Gateway   session.GatewayInfo `json:"gateway"`
}

type disconnectedPayload struct {
	Reason           string `json:"reason"`
	RejectedRequests int    `json:"rejectedRequests"`
}

type reconnectPayload struct {
	Attempt int   `json:"attempt"`
	DelayMs int64 `json:"delayMs,omitempty"`
}

type statePayload struct {
	From State `json:"from"`
	To   State `json:"to"`
}
