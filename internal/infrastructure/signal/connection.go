package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"undercover/internal/core/ports"
	"undercover/internal/core/services"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Close codes sent to clients that never get a session.
const (
	CloseAuthRequired     = 4001
	CloseConnectionFailed = 4002
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
)

// Connection owns one websocket. A single writer goroutine performs every
// write, so WriteJSON and Close are safe from any goroutine.
type Connection struct {
	conn *websocket.Conn

	send         chan []byte
	writeTimeout time.Duration
	pingInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	reasonMu    sync.Mutex
	closeReason string
	writerDone  chan struct{}

	logger *zap.SugaredLogger
}

var _ ports.Transport = (*Connection)(nil)

func NewConnection(conn *websocket.Conn, bufferSize int, writeTimeout, pingInterval time.Duration, logger *zap.SugaredLogger) *Connection {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		send:         make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		ctx:          ctx,
		cancel:       cancel,
		writerDone:   make(chan struct{}),
		logger:       logger,
	}
	go c.writeLoop()
	return c
}

// WriteJSON queues v for the writer. It never blocks: a full buffer is
// reported as a failure so one slow client cannot stall a broadcast.
func (c *Connection) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close asks the writer to send a close frame carrying reason and shut the
// socket. Only the first call has an effect.
func (c *Connection) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.closeReason = reason
		c.reasonMu.Unlock()
		c.cancel()
	})
	return nil
}

// Done is closed once the connection starts shutting down.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) reason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	return c.closeReason
}

func (c *Connection) writeLoop() {
	defer close(c.writerDone)

	var ticks <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debugw("websocket write failed", "error", err)
				c.fail()
				return
			}

		case <-ticks:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.logger.Debugw("websocket ping failed", "error", err)
				c.fail()
				return
			}

		case <-c.ctx.Done():
			reason := c.reason()
			msg := websocket.FormatCloseMessage(closeCodeFor(reason), reason)
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout))
			c.conn.Close()
			return
		}
	}
}

// fail tears the socket down after a write error; the reader sees the
// error and the server releases the session.
func (c *Connection) fail() {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.closeReason = services.ReasonTransportFailure
		c.reasonMu.Unlock()
		c.cancel()
	})
	c.conn.Close()
}

func closeCodeFor(reason string) int {
	switch reason {
	case ReasonAdmissionFailed:
		return CloseConnectionFailed
	case services.ReasonShutdown:
		return websocket.CloseGoingAway
	case services.ReasonTransportFailure:
		return websocket.CloseInternalServerErr
	default:
		return websocket.CloseNormalClosure
	}
}

// rejectConnection sends a close frame to a socket that was never admitted.
func rejectConnection(conn *websocket.Conn, code int, text string, timeout time.Duration) {
	msg := websocket.FormatCloseMessage(code, text)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
	conn.Close()
}
