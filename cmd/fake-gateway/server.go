// ABOUTME: Frame-level behaviour of the fake gateway: handshake, echo methods and pushed events.
// ABOUTME: One goroutine reads each connection; sends are serialized per connection.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/helix-gateway/internal/protocol"
	"github.com/2389/helix-gateway/internal/transport"
)

type fakeOptions struct {
	Codec    protocol.Codec
	Token    string
	Protocol int
	Tick     time.Duration
	Logger   *slog.Logger
}

type fakeGateway struct {
	opts     fakeOptions
	machine  string
	sessions atomic.Int64
}

func newFakeGateway(opts fakeOptions) *fakeGateway {
	if opts.Codec == nil {
		opts.Codec = protocol.JSONCodec{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("component", "fake-gateway")
	return &fakeGateway{opts: opts, machine: uuid.NewString()}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.opts.Token != "" && r.Header.Get("Authorization") != "Bearer "+g.opts.Token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := transport.Accept(w, r, g.opts.Codec.Binary())
	if err != nil {
		g.opts.Logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close()

	c := &fakeConn{gw: g, conn: conn, logger: g.opts.Logger.With("remote_addr", r.RemoteAddr)}
	c.serve(r.Context())
}

// fakeConn is one client connection.
type fakeConn struct {
	gw     *fakeGateway
	conn   transport.Conn
	logger *slog.Logger

	sendMu    sync.Mutex
	seq       int64
	sessionID string
}

func (c *fakeConn) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			c.logger.Debug("connection closed", "error", err)
			return
		}
		msg, err := c.gw.opts.Codec.Decode(data)
		if err != nil {
			c.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch m := msg.(type) {
		case *protocol.Ping:
			c.send(ctx, &protocol.Pong{ID: m.ID})
		case *protocol.Request:
			c.handle(ctx, m)
		}
	}
}

func (c *fakeConn) handle(ctx context.Context, req *protocol.Request) {
	c.logger.Info("request", "request_id", req.ID, "method", req.Method)

	if req.Method == protocol.MethodConnect {
		c.connect(ctx, req)
		return
	}
	if c.sessionID == "" {
		c.fail(ctx, req.ID, "NOT_CONNECTED", "connect first")
		return
	}

	switch req.Method {
	case "health":
		c.reply(ctx, req.ID, map[string]any{"status": "ok", "sessionId": c.sessionID})
	case "echo":
		c.send(ctx, &protocol.Response{ID: req.ID, OK: true, Payload: req.Params})
	case "chat.send":
		var params struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal(req.Params, &params)
		messageID := uuid.NewString()
		c.reply(ctx, req.ID, map[string]any{"messageId": messageID})

		reply := echoReply(params.Text)
		c.emit(ctx, "chat.message", map[string]any{"messageId": messageID, "text": reply})
		// Small delay to simulate streaming
		time.Sleep(50 * time.Millisecond)
		c.emit(ctx, "chat.done", map[string]any{"messageId": messageID})
	default:
		c.fail(ctx, req.ID, "UNKNOWN_METHOD", fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (c *fakeConn) connect(ctx context.Context, req *protocol.Request) {
	var params struct {
		Client struct {
			ID string `json:"id"`
		} `json:"client"`
		MinProtocol int      `json:"minProtocol"`
		MaxProtocol int      `json:"maxProtocol"`
		Role        string   `json:"role"`
		Scopes      []string `json:"scopes"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		c.fail(ctx, req.ID, "INVALID_REQUEST", err.Error())
		return
	}

	// The real gateway answers with its own version and leaves the range check
	// to the client.
	c.sessionID = fmt.Sprintf("fake-%d", c.gw.sessions.Add(1))
	c.reply(ctx, req.ID, map[string]any{
		"type":      protocol.HelloOK,
		"sessionId": c.sessionID,
		"protocol":  c.gw.opts.Protocol,
		"role":      params.Role,
		"scopes":    params.Scopes,
		"server":    map[string]any{"id": "fake-gateway", "version": "dev", "capabilities": []string{"echo", "chat"}},
		"gateway":   map[string]any{"displayName": "Fake Gateway", "machineId": c.gw.machine},
	})
	c.logger.Info("session established", "session_id", c.sessionID, "client_id", params.Client.ID)

	if c.gw.opts.Tick > 0 {
		go c.tick(ctx)
	}
}

func (c *fakeConn) tick(ctx context.Context) {
	ticker := time.NewTicker(c.gw.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.emit(ctx, "tick", map[string]any{"ts": now.UnixMilli()})
		}
	}
}

func (c *fakeConn) reply(ctx context.Context, id string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.fail(ctx, id, "INTERNAL", err.Error())
		return
	}
	c.send(ctx, &protocol.Response{ID: id, OK: true, Payload: data})
}

func (c *fakeConn) fail(ctx context.Context, id, code, message string) {
	c.send(ctx, &protocol.Response{ID: id, Error: &protocol.ErrorShape{Code: code, Message: message}})
}

func (c *fakeConn) emit(ctx context.Context, name string, payload any) {
	ev, err := protocol.NewEvent(name, payload)
	if err != nil {
		c.logger.Error("encoding event", "event", name, "error", err)
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.seq++
	ev.Seq = c.seq
	c.sendLocked(ctx, ev)
}

func (c *fakeConn) send(ctx context.Context, msg protocol.Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	c.sendLocked(ctx, msg)
}

func (c *fakeConn) sendLocked(ctx context.Context, msg protocol.Message) {
	data, err := c.gw.opts.Codec.Encode(msg)
	if err != nil {
		c.logger.Error("encoding frame", "error", err)
		return
	}
	if err := c.conn.Send(ctx, data); err != nil {
		c.logger.Debug("send failed", "error", err)
	}
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
