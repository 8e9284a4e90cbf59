package transport

import (
	"context"
	"sync"
)

// pipeBuffer is the number of frames each direction holds before Send blocks.
const pipeBuffer = 64

type pipeLink struct {
	once sync.Once
	done chan struct{}
}

func (l *pipeLink) close() {
	l.once.Do(func() { close(l.done) })
}

type pipeConn struct {
	in   <-chan []byte
	out  chan<- []byte
	link *pipeLink
}

// Pipe returns two connected in-memory Conns. Closing either end closes both.
// It backs tests and in-process gateways.
func Pipe() (Conn, Conn) {
	a2b := make(chan []byte, pipeBuffer)
	b2a := make(chan []byte, pipeBuffer)
	link := &pipeLink{done: make(chan struct{})}
	return &pipeConn{in: b2a, out: a2b, link: link}, &pipeConn{in: a2b, out: b2a, link: link}
}

func (p *pipeConn) Send(ctx context.Context, frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-p.link.done:
		return &Error{Op: "send", Err: ErrClosed}
	default:
	}
	select {
	case p.out <- buf:
		return nil
	case <-p.link.done:
		return &Error{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeConn) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.link.done:
		return nil, &Error{Op: "receive", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeConn) Close() error {
	p.link.close()
	return nil
}
