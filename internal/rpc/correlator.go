// ABOUTME: Correlates outbound gateway requests with their responses by request id.
// ABOUTME: Tracks pending calls, enforces per-call timeouts, and fails everything on connection loss.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/helix-gateway/internal/protocol"
)

// DefaultTimeout applies when a caller passes a zero timeout.
const DefaultTimeout = 30 * time.Second

// ErrConnectionLost is returned to every call pending when the connection drops.
var ErrConnectionLost = errors.New("connection lost")

// ErrRequestTimeout matches every *TimeoutError via errors.Is.
var ErrRequestTimeout = errors.New("request timed out")

// TimeoutError reports a call that got no response within its timeout.
type TimeoutError struct {
	ID      string
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s (%s) timed out after %s", e.ID, e.Method, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrRequestTimeout }

// ServerError is a response with ok=false.
type ServerError struct {
	Method string
	Shape  protocol.ErrorShape
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Method, e.Shape.String())
}

// Code returns the gateway error code.
func (e *ServerError) Code() string { return e.Shape.Code }

// Retryable reports whether the gateway marked the failure as retryable.
func (e *ServerError) Retryable() bool { return e.Shape.Retryable }

// TransmitFunc writes one message to the transport.
type TransmitFunc func(ctx context.Context, msg protocol.Message) error

// Call is a request awaiting its response.
type Call struct {
	ID        string
	Method    string
	SentAt    time.Time
	TimeoutAt time.Time

	done    chan struct{}
	once    sync.Once
	timer   *time.Timer
	payload json.RawMessage
	err     error
}

func (c *Call) complete(payload json.RawMessage, err error) bool {
	completed := false
	c.once.Do(func() {
		c.payload = payload
		c.err = err
		if c.timer != nil {
			c.timer.Stop()
		}
		close(c.done)
		completed = true
	})
	return completed
}

// Done is closed once the call has a result.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the response payload or error. Valid after Done is closed.
func (c *Call) Result() (json.RawMessage, error) {
	<-c.done
	return c.payload, c.err
}

// Correlator owns the pending request table.
type Correlator struct {
	transmit TransmitFunc
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*Call
}

// NewCorrelator creates a Correlator that sends through transmit.
func NewCorrelator(transmit TransmitFunc, logger *slog.Logger) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{
		transmit: transmit,
		logger:   logger.With("component", "correlator"),
		pending:  make(map[string]*Call),
	}
}

// Go sends a request and returns immediately with its pending Call.
// A done ctx fails fast without sending. The request is only registered if
// the transmit succeeds.
func (c *Correlator) Go(ctx context.Context, method string, params any, timeout time.Duration) (*Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	req, err := protocol.NewRequest(uuid.New().String(), method, params)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	call := &Call{
		ID:        req.ID,
		Method:    method,
		SentAt:    now,
		TimeoutAt: now.Add(timeout),
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.pending[call.ID] = call
	// Armed under the lock so expire cannot observe a call without its timer.
	call.timer = time.AfterFunc(timeout, func() { c.expire(call.ID, timeout) })
	c.mu.Unlock()

	if err := c.transmit(ctx, req); err != nil {
		c.remove(call.ID)
		call.complete(nil, err)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	c.logger.Debug("request sent", "request_id", call.ID, "method", method, "timeout", timeout)
	return call, nil
}

// Call sends a request and blocks until it resolves, times out, the
// connection drops, or ctx is cancelled. A cancelled call is forgotten and
// any late response to it is dropped.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	call, err := c.Go(ctx, method, params, timeout)
	if err != nil {
		return nil, err
	}
	return c.Wait(ctx, call)
}

// Wait blocks until call resolves or ctx is done.
func (c *Correlator) Wait(ctx context.Context, call *Call) (json.RawMessage, error) {
	select {
	case <-call.Done():
		return call.Result()
	case <-ctx.Done():
		c.remove(call.ID)
		call.complete(nil, ctx.Err())
		return call.Result()
	}
}

// Resolve delivers a response to its pending call. It returns false when no
// call with that id is pending.
func (c *Correlator) Resolve(res *protocol.Response) bool {
	call := c.remove(res.ID)
	if call == nil {
		c.logger.Warn("received response for unknown request", "request_id", res.ID)
		return false
	}

	if res.OK {
		call.complete(res.Payload, nil)
		return true
	}

	shape := protocol.ErrorShape{Message: "request failed"}
	if res.Error != nil {
		shape = *res.Error
	}
	call.complete(nil, &ServerError{Method: call.Method, Shape: shape})
	return true
}

// RejectAll fails every pending call with err and empties the table.
// It returns the number of calls rejected.
func (c *Correlator) RejectAll(err error) int {
	c.mu.Lock()
	calls := make([]*Call, 0, len(c.pending))
	for id, call := range c.pending {
		calls = append(calls, call)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	for _, call := range calls {
		call.complete(nil, err)
	}
	if len(calls) > 0 {
		c.logger.Info("rejected pending requests", "count", len(calls), "reason", err)
	}
	return len(calls)
}

// Pending returns the number of calls awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(id string, timeout time.Duration) {
	call := c.remove(id)
	if call == nil {
		return
	}
	c.logger.Warn("request timed out", "request_id", id, "method", call.Method, "timeout", timeout)
	call.complete(nil, &TimeoutError{ID: id, Method: call.Method, Timeout: timeout})
}

func (c *Correlator) remove(id string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	return call
}
