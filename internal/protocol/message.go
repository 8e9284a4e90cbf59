// ABOUTME: Wire message variants exchanged with the Helix gateway.
// ABOUTME: Request, Response, Event, Ping and Pong form a closed set behind Message.

package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the type tag carried in every frame.
type Kind string

const (
	KindRequest  Kind = "req"
	KindResponse Kind = "res"
	KindEvent    Kind = "event"
	KindPing     Kind = "ping"
	KindPong     Kind = "pong"
)

// Well-known methods and payload types.
const (
	MethodConnect = "connect"
	HelloOK       = "hello-ok"
)

// Message is one of *Request, *Response, *Event, *Ping or *Pong.
type Message interface {
	Kind() Kind
	isMessage()
}

// Request invokes a gateway method.
type Request struct {
	ID     string
	Method string
	Params json.RawMessage
}

// Response answers the Request with the same ID.
type Response struct {
	ID      string
	OK      bool
	Payload json.RawMessage
	Error   *ErrorShape
}

// Event is pushed by the gateway without a preceding request.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     int64
}

// Ping is a liveness check. Either side may send one.
type Ping struct {
	ID string
}

// Pong answers a Ping.
type Pong struct {
	ID string
}

func (*Request) Kind() Kind  { return KindRequest }
func (*Response) Kind() Kind { return KindResponse }
func (*Event) Kind() Kind    { return KindEvent }
func (*Ping) Kind() Kind     { return KindPing }
func (*Pong) Kind() Kind     { return KindPong }

func (*Request) isMessage()  {}
func (*Response) isMessage() {}
func (*Event) isMessage()    {}
func (*Ping) isMessage()     {}
func (*Pong) isMessage()     {}

// ErrorShape is the error body of a failed response.
type ErrorShape struct {
	Code         string          `json:"code" msgpack:"code"`
	Message      string          `json:"message" msgpack:"message"`
	Details      json.RawMessage `json:"details,omitempty" msgpack:"details,omitempty"`
	Retryable    bool            `json:"retryable,omitempty" msgpack:"retryable,omitempty"`
	RetryAfterMs int             `json:"retryAfterMs,omitempty" msgpack:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRequest builds a Request, marshaling params to JSON. Nil params are sent
// as an omitted field.
func NewRequest(id, method string, params any) (*Request, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
	}
	return &Request{ID: id, Method: method, Params: raw}, nil
}

// NewEvent builds an Event, marshaling payload to JSON.
func NewEvent(name string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload for %s: %w", name, err)
	}
	return &Event{Name: name, Payload: raw}, nil
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(v)
	}
}
