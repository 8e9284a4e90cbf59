// ABOUTME: Connect handshake with the Helix gateway and the resulting Session.
// ABOUTME: Negotiates protocol version, client identity, role and scopes.

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/helix-gateway/internal/protocol"
)

// Protocol versions this client speaks.
const (
	MinProtocol = 3
	MaxProtocol = 3
)

// DefaultHandshakeTimeout bounds the connect request when Params.Timeout is zero.
const DefaultHandshakeTimeout = 10 * time.Second

// ErrNegotiation matches every *NegotiationError via errors.Is.
var ErrNegotiation = errors.New("session negotiation failed")

// NegotiationError reports why a handshake did not produce a Session.
type NegotiationError struct {
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiation failed: %s: %v", e.Reason, e.Err)
	}
	return "negotiation failed: " + e.Reason
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func (e *NegotiationError) Is(target error) bool { return target == ErrNegotiation }

// Requester sends one request and waits for its response payload.
// *rpc.Correlator satisfies it.
type Requester interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

// Params are the inputs to a handshake.
type Params struct {
	Client      ClientInfo
	MinProtocol int
	MaxProtocol int
	Role        string
	Scopes      []string
	Token       string
	Timeout     time.Duration
}

// Validate checks the params before anything is sent.
func (p Params) Validate() error {
	if p.Client.ID == "" {
		return fmt.Errorf("client id is required")
	}
	if p.MinProtocol <= 0 || p.MaxProtocol <= 0 {
		return fmt.Errorf("protocol range must be positive, got [%d, %d]", p.MinProtocol, p.MaxProtocol)
	}
	if p.MinProtocol > p.MaxProtocol {
		return fmt.Errorf("min protocol %d exceeds max protocol %d", p.MinProtocol, p.MaxProtocol)
	}
	return nil
}

// ServerInfo describes the gateway runtime.
type ServerInfo struct {
	ID           string   `json:"id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// GatewayInfo describes the machine hosting the gateway.
type GatewayInfo struct {
	DisplayName string `json:"displayName"`
	MachineID   string `json:"machineId"`
}

// Session is the outcome of a successful handshake.
type Session struct {
	ID          string
	Protocol    int
	Role        string
	Scopes      []string
	Server      ServerInfo
	Gateway     GatewayInfo
	ConnectedAt time.Time
}

// HasCapability reports whether the server advertised capability name.
func (s *Session) HasCapability(name string) bool {
	for _, c := range s.Server.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// connectParams is the wire body of the connect request.
type connectParams struct {
	Client      ClientInfo `json:"client"`
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes"`
	Auth        *authBlock `json:"auth,omitempty"`
}

type authBlock struct {
	Token string `json:"token"`
}

// helloOK is the payload of a successful connect response.
type helloOK struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Protocol  int         `json:"protocol"`
	Role      string      `json:"role,omitempty"`
	Scopes    []string    `json:"scopes,omitempty"`
	Server    ServerInfo  `json:"server"`
	Gateway   GatewayInfo `json:"gateway"`
}

// Negotiate performs the connect handshake. Any outcome other than a
// hello-ok payload with a protocol inside [MinProtocol, MaxProtocol] returns
// a *NegotiationError.
func Negotiate(ctx context.Context, r Requester, p Params) (*Session, error) {
	if err := p.Validate(); err != nil {
		return nil, &NegotiationError{Reason: "invalid parameters", Err: err}
	}

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}

	body := connectParams{
		Client:      p.Client,
		MinProtocol: p.MinProtocol,
		MaxProtocol: p.MaxProtocol,
		Role:        p.Role,
		Scopes:      p.Scopes,
	}
	if body.Scopes == nil {
		body.Scopes = []string{}
	}
	if p.Token != "" {
		body.Auth = &authBlock{Token: p.Token}
	}

	payload, err := r.Call(ctx, protocol.MethodConnect, body, timeout)
	if err != nil {
		return nil, &NegotiationError{Reason: "connect request failed", Err: err}
	}

	var hello helloOK
	if err := json.Unmarshal(payload, &hello); err != nil {
		return nil, &NegotiationError{Reason: "malformed hello payload", Err: err}
	}
	if hello.Type != protocol.HelloOK {
		return nil, &NegotiationError{Reason: fmt.Sprintf("unexpected payload type %q", hello.Type)}
	}
	if hello.Protocol < p.MinProtocol || hello.Protocol > p.MaxProtocol {
		return nil, &NegotiationError{Reason: fmt.Sprintf(
			"protocol %d outside supported range [%d, %d]", hello.Protocol, p.MinProtocol, p.MaxProtocol)}
	}
	if hello.SessionID == "" {
		return nil, &NegotiationError{Reason: "hello payload missing session id"}
	}

	s := &Session{
		ID:          hello.SessionID,
		Protocol:    hello.Protocol,
		Role:        hello.Role,
		Scopes:      hello.Scopes,
		Server:      hello.Server,
		Gateway:     hello.Gateway,
		ConnectedAt: time.Now(),
	}
	// Servers that do not echo the grant are assumed to have granted the request.
	if s.Role == "" {
		s.Role = p.Role
	}
	if s.Scopes == nil {
		s.Scopes = append([]string(nil), p.Scopes...)
	}
	return s, nil
}
