// ABOUTME: Codec contract and shared frame envelope for gateway messages.
// ABOUTME: Converts the closed Message variants to and from a flat wire frame.

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec serializes messages to transport frames and back.
type Codec interface {
	Encode(msg Message) ([]byte, error)

	// Decode returns a *DecodeError for any frame it cannot turn into a Message.
	Decode(data []byte) (Message, error)

	// Name returns the codec identifier ("json", "msgpack").
	Name() string

	// Binary reports whether frames should travel as binary transport messages.
	Binary() bool
}

// Codec names.
const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// CodecFor returns the codec registered under name. Unknown or empty names
// fall back to JSON.
func CodecFor(name string) Codec {
	switch name {
	case CodecNameMsgpack:
		return MsgpackCodec{}
	default:
		return JSONCodec{}
	}
}

// ErrDecode matches every *DecodeError via errors.Is.
var ErrDecode = errors.New("malformed frame")

// DecodeError describes a frame that could not be decoded.
type DecodeError struct {
	Tag   string // type tag, when one could be read
	Cause error
}

func (e *DecodeError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("decoding frame: %v", e.Cause)
	}
	return fmt.Sprintf("decoding %q frame: %v", e.Tag, e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// frame is the flat envelope both codecs serialize.
type frame struct {
	Type    Kind            `json:"type" msgpack:"type"`
	ID      string          `json:"id,omitempty" msgpack:"id,omitempty"`
	Method  string          `json:"method,omitempty" msgpack:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty" msgpack:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty" msgpack:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty" msgpack:"error,omitempty"`
	Name    string          `json:"name,omitempty" msgpack:"name,omitempty"`
	Event   string          `json:"event,omitempty" msgpack:"event,omitempty"` // gateway spelling of Name
	Seq     int64           `json:"seq,omitempty" msgpack:"seq,omitempty"`
}

func toFrame(msg Message) (*frame, error) {
	switch m := msg.(type) {
	case *Request:
		if m.ID == "" || m.Method == "" {
			return nil, fmt.Errorf("request requires id and method")
		}
		return &frame{Type: KindRequest, ID: m.ID, Method: m.Method, Params: m.Params}, nil
	case *Response:
		if m.ID == "" {
			return nil, fmt.Errorf("response requires id")
		}
		ok := m.OK
		f := &frame{Type: KindResponse, ID: m.ID, OK: &ok}
		if m.OK {
			f.Payload = m.Payload
		} else {
			f.Error = m.Error
		}
		return f, nil
	case *Event:
		if m.Name == "" {
			return nil, fmt.Errorf("event requires name")
		}
		return &frame{Type: KindEvent, Name: m.Name, Payload: m.Payload, Seq: m.Seq}, nil
	case *Ping:
		return &frame{Type: KindPing, ID: m.ID}, nil
	case *Pong:
		return &frame{Type: KindPong, ID: m.ID}, nil
	case nil:
		return nil, fmt.Errorf("nil message")
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
}

func fromFrame(f *frame) (Message, error) {
	tag := string(f.Type)
	switch f.Type {
	case KindRequest:
		if f.ID == "" || f.Method == "" {
			return nil, &DecodeError{Tag: tag, Cause: errors.New("missing id or method")}
		}
		return &Request{ID: f.ID, Method: f.Method, Params: f.Params}, nil
	case KindResponse:
		if f.ID == "" {
			return nil, &DecodeError{Tag: tag, Cause: errors.New("missing id")}
		}
		if f.OK == nil {
			return nil, &DecodeError{Tag: tag, Cause: errors.New("missing ok")}
		}
		return &Response{ID: f.ID, OK: *f.OK, Payload: f.Payload, Error: f.Error}, nil
	case KindEvent:
		name := f.Name
		if name == "" {
			name = f.Event
		}
		if name == "" {
			return nil, &DecodeError{Tag: tag, Cause: errors.New("missing name")}
		}
		return &Event{Name: name, Payload: f.Payload, Seq: f.Seq}, nil
	case KindPing:
		return &Ping{ID: f.ID}, nil
	case KindPong:
		return &Pong{ID: f.ID}, nil
	case "":
		return nil, &DecodeError{Cause: errors.New("missing type")}
	default:
		return nil, &DecodeError{Tag: tag, Cause: errors.New("unknown type")}
	}
}
