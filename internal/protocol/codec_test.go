// ABOUTME: Tests for the JSON and msgpack gateway codecs.
// ABOUTME: Covers variant encoding, decode failures, and the event-name alias.

package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONCodec_EncodeRequestShape(t *testing.T) {
	req, err := NewRequest("req-1", MethodConnect, map[string]any{"minProtocol": 3})
	require.NoError(t, err)

	data, err := JSONCodec{}.Encode(req)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "req", raw["type"])
	assert.Equal(t, "req-1", raw["id"])
	assert.Equal(t, "connect", raw["method"])
	assert.Equal(t, map[string]any{"minProtocol": float64(3)}, raw["params"])
	assert.NotContains(t, raw, "ok")
}

func TestJSONCodec_EncodeFailedResponseKeepsOKFalse(t *testing.T) {
	res := &Response{ID: "r1", OK: false, Error: &ErrorShape{Code: "NOT_FOUND", Message: "no such session"}}

	data, err := JSONCodec{}.Encode(res)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"res","id":"r1","ok":false,"error":{"code":"NOT_FOUND","message":"no such session"}}`, string(data))
}

func TestCodecs_RoundTrip(t *testing.T) {
	messages := []Message{
		&Request{ID: "1", Method: "chat.send", Params: json.RawMessage(`{"text":"hi"}`)},
		&Response{ID: "1", OK: true, Payload: json.RawMessage(`{"messageId":"m-9"}`)},
		&Response{ID: "2", OK: false, Error: &ErrorShape{Code: "DENIED", Message: "nope", Retryable: true}},
		&Event{Name: "exec.approval.requested", Payload: json.RawMessage(`{"command":"ls"}`), Seq: 7},
		&Ping{ID: "p1"},
		&Pong{ID: "p1"},
	}

	for _, codec := range []Codec{JSONCodec{}, MsgpackCodec{}} {
		t.Run(codec.Name(), func(t *testing.T) {
			for _, msg := range messages {
				data, err := codec.Encode(msg)
				require.NoError(t, err)

				got, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, msg.Kind(), got.Kind())

				switch want := msg.(type) {
				case *Request:
					g := got.(*Request)
					assert.Equal(t, want.ID, g.ID)
					assert.Equal(t, want.Method, g.Method)
					assert.JSONEq(t, string(want.Params), string(g.Params))
				case *Response:
					g := got.(*Response)
					assert.Equal(t, want.ID, g.ID)
					assert.Equal(t, want.OK, g.OK)
					if want.OK {
						assert.JSONEq(t, string(want.Payload), string(g.Payload))
					} else {
						assert.Equal(t, want.Error, g.Error)
					}
				case *Event:
					g := got.(*Event)
					assert.Equal(t, want.Name, g.Name)
					assert.Equal(t, want.Seq, g.Seq)
					assert.JSONEq(t, string(want.Payload), string(g.Payload))
				default:
					assert.Equal(t, msg, got)
				}
			}
		})
	}
}

func TestJSONCodec_DecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		tag   string
	}{
		{"not json", `{{{`, ""},
		{"not an object", `[1,2,3]`, ""},
		{"missing type", `{"id":"1"}`, ""},
		{"unknown type", `{"type":"shout","id":"1"}`, "shout"},
		{"request without method", `{"type":"req","id":"1"}`, "req"},
		{"response without id", `{"type":"res","ok":true}`, "res"},
		{"response without ok", `{"type":"res","id":"1"}`, "res"},
		{"event without name", `{"type":"event","payload":{}}`, "event"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := JSONCodec{}.Decode([]byte(tt.frame))
			require.Error(t, err)
			assert.Nil(t, msg)
			assert.True(t, errors.Is(err, ErrDecode))

			var decErr *DecodeError
			require.ErrorAs(t, err, &decErr)
			assert.Equal(t, tt.tag, decErr.Tag)
		})
	}
}

func TestMsgpackCodec_DecodeGarbage(t *testing.T) {
	_, err := MsgpackCodec{}.Decode([]byte{0xc1, 0x00, 0xff})
	assert.ErrorIs(t, err, ErrDecode)
}

func TestJSONCodec_EventNameAlias(t *testing.T) {
	msg, err := JSONCodec{}.Decode([]byte(`{"type":"event","event":"orchestrator.state","payload":{"phase":"plan"}}`))
	require.NoError(t, err)

	ev, ok := msg.(*Event)
	require.True(t, ok)
	assert.Equal(t, "orchestrator.state", ev.Name)
}

func TestEncode_RejectsIncompleteMessages(t *testing.T) {
	_, err := JSONCodec{}.Encode(&Request{ID: "1"})
	assert.Error(t, err)

	_, err = JSONCodec{}.Encode(&Event{})
	assert.Error(t, err)

	_, err = JSONCodec{}.Encode(nil)
	assert.Error(t, err)
}

func TestNewRequest_RejectsInvalidRawBytes(t *testing.T) {
	_, err := NewRequest("1", "x", []byte("{nope"))
	assert.Error(t, err)
}

func TestCodecFor(t *testing.T) {
	assert.Equal(t, CodecNameJSON, CodecFor("").Name())
	assert.Equal(t, CodecNameJSON, CodecFor("protobuf").Name())
	assert.Equal(t, CodecNameMsgpack, CodecFor("msgpack").Name())
	assert.True(t, CodecFor("msgpack").Binary())
	assert.False(t, CodecFor("json").Binary())
}
