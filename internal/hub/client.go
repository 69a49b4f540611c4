package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/pkg/wire"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Connections silent longer than this are closed by the heartbeat.
	idleTimeout = 30 * time.Second

	// Heartbeat ping cadence.
	heartbeatInterval = 10 * time.Second

	// A replaced connection stays open this long before the close frame,
	// giving in-flight writes a chance to drain.
	replaceGrace = 2 * time.Second

	// Maximum frame size accepted from a peer.
	maxMessageSize = 512 * 1024

	sendBuffer = 256
)

// client is one connected matrix socket.
type client struct {
	matrixID    string
	displayName string
	conn        *websocket.Conn
	hub         *Hub
	send        chan []byte
	done        chan struct{}

	// lastFrame is the unix-nano time of the last inbound frame.
	lastFrame atomic.Int64

	closeOnce sync.Once
	log       *logger.Logger
}

func newClient(matrixID, displayName string, conn *websocket.Conn, h *Hub, log *logger.Logger) *client {
	c := &client{
		matrixID:    matrixID,
		displayName: displayName,
		conn:        conn,
		hub:         h,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		log:         log.WithMatrixID(matrixID),
	}
	c.touch()
	return c
}

func (c *client) touch() {
	c.lastFrame.Store(time.Now().UnixNano())
}

func (c *client) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastFrame.Load()))
}

// shutdown sends a close frame with the given code and reason, then tears
// the socket down. Safe to call from any goroutine, exactly once effective.
func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		_ = c.conn.Close()
	})
}

// readPump pumps frames from the socket into the hub. It owns the
// connection's read side and exits on any read error.
func (c *client) readPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket read failed", zap.Error(err))
			}
			return
		}
		c.touch()

		f, err := wire.Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			c.sendFrame(wire.NewError(wire.CodeInvalidMessage, "invalid frame: "+err.Error()))
			continue
		}
		c.handleFrame(ctx, f)
	}
}

func (c *client) handleFrame(ctx context.Context, f *wire.Frame) {
	switch f.Type {
	case wire.FrameTypePong:
		// Liveness reply; touch already recorded it.

	case wire.FrameTypePing:
		// Client-initiated liveness probe.
		c.sendFrame(wire.NewPing())

	case wire.FrameTypePresence:
		switch f.Status {
		case wire.PresenceOnline, wire.PresenceAway, wire.PresenceOffline:
			c.hub.UpdatePresence(ctx, c, f.Status)
		default:
			c.sendFrame(wire.NewError(wire.CodeInvalidMessage, "unknown presence status: "+f.Status))
		}

	case wire.FrameTypeMessage:
		c.hub.Route(ctx, c, f)

	default:
		c.log.Debug("dropping frame of unknown type", zap.String("type", string(f.Type)))
	}
}

// sendFrame queues a frame for the write pump without blocking. A full
// buffer drops the frame; the peer recovers through its retry queue.
func (c *client) sendFrame(f *wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		c.log.Error("encode frame", zap.Error(err))
		return
	}
	c.enqueue(data)
}

func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
		c.log.Warn("send buffer full, dropping frame")
	}
}

// writePump pumps queued frames to the socket. One frame per WebSocket
// message keeps the JSON framing intact for the peer.
func (c *client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			// shutdown already sent the close frame.
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
