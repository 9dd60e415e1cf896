package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stillhour/backend/internal/protocol"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next transport pong
	pingPeriod = 30 * time.Second // Transport-level ping interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a frame
	sendBuffer = 64               // Per-connection outbound queue

	dispatchTimeout = 10 * time.Second
)

// Conn is one accepted channel. It satisfies registry.Channel: Enqueue is
// non-blocking and order-preserving because a single writePump drains the
// send channel.
type Conn struct {
	gw       *Gateway
	socketID string
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	closed   atomic.Bool
}

func newConn(gw *Gateway, socketID string, ws *websocket.Conn) *Conn {
	return &Conn{
		gw:       gw,
		socketID: socketID,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Enqueue queues one outbound frame. Returns false when the connection is
// closing or the queue is full; a slow client never stalls the caller.
func (c *Conn) Enqueue(data []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		slog.Warn("send buffer full, dropping frame", "socket_id", c.socketID)
		return false
	}
}

// Writable reports whether the channel still accepts frames.
func (c *Conn) Writable() bool {
	return !c.closed.Load()
}

// CloseWithCode sends a close control message and tears the connection
// down. WriteControl is safe concurrently with the write pump.
func (c *Conn) CloseWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.shutdown()
}

// shutdown closes exactly once and unregisters the socket.
func (c *Conn) shutdown() {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
		c.ws.Close()
		c.gw.registry.Unregister(c.socketID)
		slog.Info("socket disconnected", "socket_id", c.socketID)
	})
}

// writePump is the only goroutine that writes data frames to the transport.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

			// Drain whatever queued up while we were writing.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump is the only goroutine that reads from the transport. It owns the
// channel until unregister.
func (c *Conn) readPump() {
	defer c.shutdown()

	c.ws.SetReadLimit(protocol.MaxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.Warn("websocket read error", "socket_id", c.socketID, "error", err)
			}
			return
		}
		c.dispatch(data)
	}
}

// dispatch parses one inbound frame and routes it. Control frames (join,
// leave) pass the control-channel limiter exactly once, here; heartbeats
// carry their own limiter inside the registry.
func (c *Conn) dispatch(data []byte) {
	reg := c.gw.registry

	frame, err := protocol.ParseFrame(data)
	if err != nil {
		reg.SendError(c.socketID, protocol.CodeInvalidMessage, "invalid message")
		return
	}
	if c.gw.metrics != nil {
		c.gw.metrics.FramesTotal.WithLabelValues(string(frame.Type)).Inc()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()

	switch frame.Type {
	case protocol.TypePing:
		var p protocol.PingPayload
		_ = frame.DecodePayload(&p) // a bare ping is still answerable
		c.Enqueue(protocol.NewPong(p.Timestamp))

	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := frame.DecodePayload(&p); err != nil {
			reg.SendError(c.socketID, protocol.CodeInvalidMessage, "invalid message")
			return
		}
		reg.Heartbeat(ctx, c.socketID, p.Timestamp)

	case protocol.TypeJoin:
		if !c.checkControlLimit() {
			return
		}
		var p protocol.JoinPayload
		if err := frame.DecodePayload(&p); err != nil || p.SessionToken == "" || p.MomentID == "" {
			reg.SendError(c.socketID, protocol.CodeInvalidMessage, "invalid message")
			return
		}
		reg.Join(ctx, c.socketID, p.SessionToken, p.MomentID)

	case protocol.TypeLeave:
		if !c.checkControlLimit() {
			return
		}
		reg.Leave(ctx, c.socketID)
	}
}

func (c *Conn) checkControlLimit() bool {
	res := c.gw.control.Check(c.socketID)
	if res.Allowed {
		return true
	}
	if c.gw.metrics != nil {
		c.gw.metrics.RateLimitDenials.WithLabelValues("control").Inc()
	}
	// Denials answer with a frame; the channel stays open.
	c.Enqueue(protocol.NewRateLimited(res.RetryAfter))
	return false
}
