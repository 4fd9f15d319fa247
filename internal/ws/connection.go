package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/collab-sync/internal/protocol"
	"github.com/example/collab-sync/internal/types"
)

var (
	errSendBufferFull = errors.New("send buffer full")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
}

// FrameHandler processes one inbound binary message.
type FrameHandler func(ctx context.Context, payload []byte) error

// Connection represents an upgraded WebSocket session. A single writer
// goroutine owns all data writes; close frames use WriteControl, which
// gorilla allows concurrently.
type Connection struct {
	conn      *websocket.Conn
	id        types.SessionID
	document  types.DocumentID
	logger    zerolog.Logger
	send      chan outboundMessage
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts connectionOptions

	lastPong atomic.Int64
	onClose  func()
}

type outboundMessage struct {
	messageType int
	payload     []byte
}

func newConnection(wsConn *websocket.Conn, id types.SessionID, documentID types.DocumentID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:     wsConn,
		id:       id,
		document: documentID,
		logger:   logger,
		send:     make(chan outboundMessage, opts.sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		closed:   make(chan struct{}),
		opts:     opts,
		onClose:  onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	wsConn.SetReadLimit(protocol.MaxFrameSize)
	wsConn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})
	return c
}

// ID returns the session identifier.
func (c *Connection) ID() types.SessionID { return c.id }

// DocumentID returns the bound document identifier.
func (c *Connection) DocumentID() types.DocumentID { return c.document }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Done is closed once the connection has shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// SendFrame encodes and enqueues a frame.
func (c *Connection) SendFrame(f protocol.Frame) error {
	if err := c.SendBinary(f.Marshal()); err != nil {
		return err
	}
	framesSent.WithLabelValues(f.Kind.String()).Inc()
	return nil
}

// SendBinary enqueues a binary payload for the writer goroutine. A full
// queue closes the connection; the client resynchronises on reconnect.
func (c *Connection) SendBinary(payload []byte) error {
	msg := outboundMessage{messageType: websocket.BinaryMessage, payload: payload}
	select {
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		c.closeWithFrame(websocket.CloseTryAgainLater, "backpressure")
		c.Close()
		return errSendBufferFull
	}
}

// Run starts the read/write pumps and blocks until the connection is closed.
func (c *Connection) Run(handle FrameHandler) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(handle); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down. It is safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop(handle FrameHandler) error {
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch messageType {
		case websocket.BinaryMessage:
			if err := handle(c.ctx, payload); err != nil {
				c.closeWithFrame(websocket.ClosePolicyViolation, err.Error())
				return err
			}
		case websocket.TextMessage:
			c.closeWithFrame(websocket.CloseUnsupportedData, "text frames not supported")
			return fmt.Errorf("text frames unsupported")
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			var err error
			if msg.messageType == websocket.PingMessage {
				err = c.conn.WriteControl(msg.messageType, msg.payload, time.Now().Add(c.opts.writeTimeout))
			} else {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
				err = c.conn.WriteMessage(msg.messageType, msg.payload)
			}
			if err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWithFrame(websocket.CloseInternalServerErr, "write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWithFrame(websocket.CloseGoingAway, "missed heartbeats")
					c.Close()
					return
				}
			}
			select {
			case c.send <- outboundMessage{messageType: websocket.PingMessage}:
			default:
				c.logger.Debug().Msg("heartbeat ping dropped, send queue full")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) closeWithFrame(code int, reason string) {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(c.opts.writeTimeout))
}
