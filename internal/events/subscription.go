// ABOUTME: Channel-based fan-out on top of the Dispatcher for consumers that prefer select loops.
// ABOUTME: Drops events for slow subscribers instead of blocking the read loop.

package events

import (
	"context"
	"encoding/json"
	"sync"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Event is a named payload delivered on a subscription channel.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// Subscribe returns a channel receiving events named name, or every event
// when name is empty. The channel is closed and the listener removed when ctx
// is cancelled. Sends never block: events are dropped when the channel is full.
func (d *Dispatcher) Subscribe(ctx context.Context, name string) <-chan Event {
	ch := make(chan Event, subscriberBufferSize)

	var (
		mu     sync.Mutex
		closed bool
	)
	deliver := func(evName string, payload json.RawMessage) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- Event{Name: evName, Payload: payload}:
		default:
			d.logger.Debug("dropped event for slow subscriber", "event", evName)
		}
	}

	var remove func()
	if name == "" {
		id := d.OnAny(deliver)
		remove = func() { d.OffAny(id) }
	} else {
		id := d.add(name, deliver)
		remove = func() { d.Off(name, id) }
	}

	go func() {
		<-ctx.Done()
		remove()

		mu.Lock()
		closed = true
		close(ch)
		mu.Unlock()
	}()

	return ch
}
