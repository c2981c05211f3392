package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tutortoise/landmark-tracking-service/protocol"
)

const (
	writeWait = 10 * time.Second
	// a 1920x1080 RGBA frame is ~8MB raw and ~11MB in base64
	maxMessageSize = 16 << 20
)

type received struct {
	msg protocol.Message
	err error
	// frame marks an error confined to one message
	frame bool
}

// WebSocketConn carries JSON encoded messages over a gorilla websocket.
// A single reader goroutine feeds Receive; writes are serialised.
type WebSocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	inbox   chan received
	done    chan struct{}
	once    sync.Once
}

func NewWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	conn.SetReadLimit(maxMessageSize)
	c := &WebSocketConn{
		conn:  conn,
		inbox: make(chan received, pipeBuffer),
		done:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Dial connects to a worker endpoint such as ws://host:8080/worker.
func Dial(ctx context.Context, url string) (*WebSocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial worker %s: %w", url, err)
	}
	return NewWebSocketConn(conn), nil
}

func (c *WebSocketConn) readLoop() {
	defer close(c.inbox)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			c.deliver(received{err: err})
			return
		}
		m, err := protocol.Unmarshal(data)
		if err != nil {
			if !c.deliver(received{err: err, frame: true}) {
				return
			}
			continue
		}
		if !c.deliver(received{msg: m}) {
			return
		}
	}
}

func (c *WebSocketConn) deliver(r received) bool {
	select {
	case c.inbox <- r:
		return true
	case <-c.done:
		return false
	}
}

func (c *WebSocketConn) Send(ctx context.Context, m protocol.Message) error {
	data, err := protocol.Marshal(m)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Receive returns the next message. Decode errors of single frames are
// returned as *DecodeFrameError and the connection stays usable.
func (c *WebSocketConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	select {
	case r, ok := <-c.inbox:
		if !ok {
			return nil, ErrClosed
		}
		if r.frame {
			return nil, &DecodeFrameError{Cause: r.err}
		}
		return r.msg, r.err
	case <-c.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// DecodeFrameError reports a single undecodable message.
type DecodeFrameError struct {
	Cause error
}

func (e *DecodeFrameError) Error() string { return "decode frame: " + e.Cause.Error() }

func (e *DecodeFrameError) Unwrap() error { return e.Cause }
