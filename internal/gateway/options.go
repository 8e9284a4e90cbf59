// ABOUTME: Construction options and defaults for the gateway Client.
// ABOUTME: Heartbeat, reconnect and request timing live here.

package gateway

import (
	"errors"
	"log/slog"
	"time"

	"github.com/2389/helix-gateway/internal/backoff"
	"github.com/2389/helix-gateway/internal/protocol"
	"github.com/2389/helix-gateway/internal/rpc"
	"github.com/2389/helix-gateway/internal/session"
	"github.com/2389/helix-gateway/internal/transport"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
)

// Options configure a Client.
type Options struct {
	// Dialer opens the transport. Required.
	Dialer transport.Dialer

	// Codec defaults to protocol.JSONCodec.
	Codec protocol.Codec

	// Handshake is sent on every connect.
	Handshake session.Params

	// HeartbeatInterval is the ping period. Zero uses the default; negative
	// disables the heartbeat.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long the connection may stay silent before it
	// is declared dead.
	HeartbeatTimeout time.Duration

	// RequestTimeout applies to Request calls. Zero uses rpc.DefaultTimeout.
	RequestTimeout time.Duration

	// Reconnect enables automatic reconnection after transport loss.
	Reconnect bool
	Backoff   backoff.Policy

	Logger *slog.Logger
}

func (o *Options) applyDefaults() error {
	if o.Dialer == nil {
		return errors.New("gateway: dialer is required")
	}
	if o.Codec == nil {
		o.Codec = protocol.JSONCodec{}
	}
	if o.Handshake.MinProtocol == 0 && o.Handshake.MaxProtocol == 0 {
		o.Handshake.MinProtocol = session.MinProtocol
		o.Handshake.MaxProtocol = session.MaxProtocol
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = rpc.DefaultTimeout
	}
	if o.Reconnect && o.Backoff == (backoff.Policy{}) {
		o.Backoff = backoff.Default()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}
