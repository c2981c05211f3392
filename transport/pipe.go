// Package transport moves protocol messages between a dispatcher and a worker.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/Tutortoise/landmark-tracking-service/protocol"
)

var ErrClosed = errors.New("transport closed")

// Conn is one end of a message connection. Send and Receive may be called
// from different goroutines.
type Conn interface {
	Send(ctx context.Context, m protocol.Message) error
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

const pipeBuffer = 16

// PipeConn is one end of an in-process connection. Messages are passed by
// value, so a Predict's pixel slice is moved to the other side, not copied;
// the sender must not reuse it.
type PipeConn struct {
	in   <-chan protocol.Message
	out  chan<- protocol.Message
	done chan struct{}
	once *sync.Once
}

// NewPipe returns two connected ends. Closing either end closes both.
func NewPipe() (*PipeConn, *PipeConn) {
	ab := make(chan protocol.Message, pipeBuffer)
	ba := make(chan protocol.Message, pipeBuffer)
	done := make(chan struct{})
	once := &sync.Once{}
	return &PipeConn{in: ba, out: ab, done: done, once: once},
		&PipeConn{in: ab, out: ba, done: done, once: once}
}

func (p *PipeConn) Send(ctx context.Context, m protocol.Message) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- m:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case m := <-p.in:
		return m, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeConn) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
