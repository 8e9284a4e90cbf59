// ABOUTME: Registry of gateway event listeners keyed by event name.
// ABOUTME: Dispatches synchronously in registration order with per-handler panic isolation.

package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handler receives the payload of one event.
type Handler func(payload json.RawMessage)

// AnyHandler receives every event together with its name.
type AnyHandler func(name string, payload json.RawMessage)

// ListenerID identifies a registration for later removal.
type ListenerID string

// wildcard is the internal key for OnAny registrations.
const wildcard = "*"

type registration struct {
	id      ListenerID
	handler AnyHandler
}

// Dispatcher routes events to listeners registered by name.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[string][]registration
	logger    *slog.Logger
}

// NewDispatcher creates an empty Dispatcher. Pass nil logger for default.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		listeners: make(map[string][]registration),
		logger:    logger.With("component", "dispatcher"),
	}
}

// On registers handler for events named name. Handlers for one name run in
// the order they were registered.
func (d *Dispatcher) On(name string, handler Handler) ListenerID {
	return d.add(name, func(_ string, payload json.RawMessage) { handler(payload) })
}

// OnAny registers handler for every event, after the named handlers.
func (d *Dispatcher) OnAny(handler AnyHandler) ListenerID {
	return d.add(wildcard, handler)
}

func (d *Dispatcher) add(key string, handler AnyHandler) ListenerID {
	id := ListenerID(uuid.New().String())

	d.mu.Lock()
	d.listeners[key] = append(d.listeners[key], registration{id: id, handler: handler})
	d.mu.Unlock()

	return id
}

// Off removes the registration id from name. It returns false if no such
// registration exists. A dispatch already in progress is unaffected.
func (d *Dispatcher) Off(name string, id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.listeners[name]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		// Copy so snapshots held by in-flight dispatches keep their view.
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.listeners, name)
		} else {
			d.listeners[name] = next
		}
		return true
	}
	return false
}

// OffAny removes a registration made with OnAny.
func (d *Dispatcher) OffAny(id ListenerID) bool {
	return d.Off(wildcard, id)
}

// Dispatch invokes every handler registered for name, then every OnAny
// handler. A panicking handler is logged and the remaining handlers still run.
func (d *Dispatcher) Dispatch(name string, payload json.RawMessage) {
	d.mu.RLock()
	named := d.listeners[name]
	wild := d.listeners[wildcard]
	d.mu.RUnlock()

	for _, r := range named {
		d.invoke(name, r, payload)
	}
	for _, r := range wild {
		d.invoke(name, r, payload)
	}
}

func (d *Dispatcher) invoke(name string, r registration, payload json.RawMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("event handler panicked",
				"event", name,
				"listener_id", r.id,
				"panic", rec)
		}
	}()
	r.handler(name, payload)
}

// ListenerCount returns the number of handlers registered for name.
func (d *Dispatcher) ListenerCount(name string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[name])
}

// Clear removes every registration.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	d.listeners = make(map[string][]registration)
	d.mu.Unlock()
}
