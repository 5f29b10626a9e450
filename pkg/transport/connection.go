package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrConnectionClosed is returned by Send once the connection has
	// started shutting down.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrSlowConsumer is the close reason for a connection whose
	// outbound buffer overflowed.
	ErrSlowConsumer = errors.New("outbound buffer full: slow consumer")
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, err error)

type ConnectionConfig struct {
	ReadTimeout     time.Duration
	MaxMessageBytes int64
	SendBuffer      int
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, onMessage MessageHandler, onClose OnCloseHandler, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if config.SendBuffer <= 0 {
		config.SendBuffer = 256
	}
	if conn != nil && config.MaxMessageBytes > 0 {
		conn.SetReadLimit(config.MaxMessageBytes)
	}

	// Every connection is released through close, whether or not the
	// pumps ever start, so the WaitGroup is claimed here.
	wg.Add(1)

	return &Connection{
		id:        id,
		conn:      conn,
		logger:    connLogger,
		config:    config,
		onMessage: onMessage,
		send:      make(chan []byte, config.SendBuffer),
		done:      make(chan struct{}),
		ctx:       connCtx,
		cancel:    cancel,
		onClose:   onClose,
		wg:        wg,
	}
}

func (c *Connection) Run() {
	go c.readPump()
	go c.writePump()

	c.logger.Info("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var readErr error
	defer func() {
		c.Close(readErr)
	}()

	for {
		readCtx := c.ctx
		var cancelRead context.CancelFunc
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			if cancelRead != nil {
				cancelRead()
			}
			return
		}
		// Only text or binary frames carry protocol traffic.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			if cancelRead != nil {
				cancelRead()
			}
			continue
		}
		message, err := io.ReadAll(r)
		if cancelRead != nil {
			cancelRead()
		}
		if err != nil {
			readErr = err
			return
		}
		c.onMessage(c.ctx, c.id, message)
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
// The send channel is never closed; shutdown is signalled through the
// connection context so a racing Send can never panic.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.Close(writeErr)
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message for delivery. It is safe for concurrent use and
// never blocks: a send after shutdown returns ErrConnectionClosed, and a
// full outbound buffer force-closes the connection rather than letting a
// slow consumer stall its senders.
func (c *Connection) Send(message []byte) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- message:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("Outbound buffer overflow, closing connection")
		c.CloseWithStatus(websocket.StatusPolicyViolation, ErrSlowConsumer)
		return ErrSlowConsumer
	}
}

// Close gracefully shuts down the connection and its resources. The
// first caller wins; later calls are no-ops.
func (c *Connection) Close(err error) {
	c.close(websocket.StatusNormalClosure, err)
}

// CloseWithStatus closes the connection with a specific websocket status
// code instead of the default normal closure.
func (c *Connection) CloseWithStatus(code websocket.StatusCode, err error) {
	c.close(code, err)
}

// close is the single teardown path. The status code travels as an
// argument so racing closers never share mutable state; the first
// caller's code wins.
func (c *Connection) close(code websocket.StatusCode, err error) {
	c.closeOnce.Do(func() {
		c.logger.Info("Transport connection closing", slog.Any("reason", err))

		// Flush frames queued before shutdown so a final error frame
		// still reaches the peer. Pointless for a stalled consumer:
		// its buffer is full precisely because writes do not complete.
		if c.conn != nil && !errors.Is(err, ErrSlowConsumer) {
			c.drainSend()
		}

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			reason := ""
			if err != nil {
				reason = err.Error()
			}
			c.conn.Close(code, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, err)
		}
		c.wg.Done()
		close(c.done)
	})
}

// drainSend performs a best-effort write of everything still queued,
// bounded by a short deadline so teardown cannot stall.
func (c *Connection) drainSend() {
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		select {
		case message := <-c.send:
			if err := c.conn.Write(flushCtx, websocket.MessageText, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
