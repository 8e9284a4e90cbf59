// Package gateway manages a client connection to a Helix gateway.
//
// # Overview
//
// Client owns one logical session: it dials the transport, negotiates the
// protocol version through the connect handshake, routes inbound frames, keeps
// the link alive with heartbeats and reconnects with exponential backoff when
// the transport drops.
//
//	c, err := gateway.New(gateway.Options{
//	    Dialer:    &transport.WebSocketDialer{URL: "ws://127.0.0.1:18789"},
//	    Handshake: session.Params{Client: session.ClientInfo{ID: "cli", Mode: "operator"}},
//	    Reconnect: true,
//	})
//	if err := c.Start(ctx); err != nil { ... }
//	payload, err := c.Request(ctx, "agent.list", nil)
//
// # States
//
//	disconnected -> connecting -> connected
//	                     |            |
//	                     v            v
//	                   error     disconnected (transport loss, reconnect)
//
// A negotiation failure puts the client in StateError and is not retried
// automatically. Transport loss moves a connected client back to
// StateDisconnected, fails every pending request with rpc.ErrConnectionLost
// and, when enabled, starts the reconnect loop.
//
// # Events
//
// Server-pushed events and local lifecycle events share one dispatcher:
//
//   - connected: session established, payload carries the session id
//   - disconnected: transport lost or Disconnect called
//   - error: negotiation failure or heartbeat timeout
//   - reconnecting: a reconnect attempt is scheduled
//   - reconnect_failed: backoff attempts exhausted
//   - state: any state transition
//
// Handlers for one event run to completion, in registration order, before
// the next inbound frame is processed.
//
// # Key Files
//
//   - client.go: Client, state machine, read loop, heartbeat, reconnect
//   - options.go: Options and defaults
package gateway
