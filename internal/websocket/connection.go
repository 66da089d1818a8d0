package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ruleevents/pkg/interfaces"
	"ruleevents/pkg/types"
)

const (
	defaultBufferSize   = 100
	defaultWriteTimeout = 5 * time.Second
)

var _ interfaces.Stream = (*Connection)(nil)

type outbound struct {
	messageType int
	data        []byte
}

// Connection adapts a WebSocket to interfaces.Stream. All socket writes happen on
// one writer goroutine; Write only enqueues.
type Connection struct {
	conn         *websocket.Conn
	writeCh      chan outbound
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	closeErr     error
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan outbound, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	// a failed write marks the connection dead so the next Write reports it
	defer c.cancel()

	for {
		select {
		case msg := <-c.writeCh:
			deadline := time.Now().Add(c.writeTimeout)
			if msg.messageType == websocket.PingMessage {
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
				continue
			}
			if err := c.conn.SetWriteDeadline(deadline); err != nil {
				return
			}
			if err := c.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Write queues an SSE-style frame. Data frames become text messages carrying the
// JSON body; comment frames such as keep-alives become pings.
func (c *Connection) Write(frame []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	msg := outbound{messageType: websocket.PingMessage}
	if body, ok := types.FrameData(frame); ok {
		msg = outbound{messageType: websocket.TextMessage, data: append([]byte(nil), body...)}
	}

	select {
	case c.writeCh <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		// the peer stopped reading
		return ErrBufferFull
	}
}

// Done is closed once the connection is closed or its writer failed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}
