// ABOUTME: WebSocket transport backed by github.com/coder/websocket.
// ABOUTME: Text frames for JSON codecs, binary frames for msgpack.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// defaultReadLimit caps a single inbound frame.
const defaultReadLimit = 16 * 1024 * 1024

// WebSocketDialer dials the gateway over WebSocket.
type WebSocketDialer struct {
	URL       string
	Token     string // sent as a bearer Authorization header when set
	Binary    bool
	ReadLimit int64
	Header    http.Header
}

// Dial opens a WebSocket connection to d.URL.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if d.Token != "" {
		header.Set("Authorization", "Bearer "+d.Token)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, &Error{Op: "dial", Err: err}
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)

	typ := websocket.MessageText
	if d.Binary {
		typ = websocket.MessageBinary
	}
	return &wsConn{conn: c, typ: typ, closeReason: "client closing"}, nil
}

// Accept upgrades an inbound HTTP request to a Conn. It is the server side of
// WebSocketDialer and backs local test gateways.
func Accept(w http.ResponseWriter, r *http.Request, binary bool) (Conn, error) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, &Error{Op: "accept", Err: err}
	}
	c.SetReadLimit(defaultReadLimit)

	typ := websocket.MessageText
	if binary {
		typ = websocket.MessageBinary
	}
	return &wsConn{conn: c, typ: typ, closeReason: "server closing"}, nil
}

type wsConn struct {
	conn        *websocket.Conn
	typ         websocket.MessageType
	closeReason string
}

func (w *wsConn) Send(ctx context.Context, frame []byte) error {
	if err := w.conn.Write(ctx, w.typ, frame); err != nil {
		return &Error{Op: "send", Err: err}
	}
	return nil
}

func (w *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, &Error{Op: "receive", Err: errors.Join(ErrClosed, err)}
		}
		return nil, &Error{Op: "receive", Err: err}
	}
	return data, nil
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, w.closeReason)
}
