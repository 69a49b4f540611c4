// Package hub implements the matrix hub: an authenticated WebSocket fabric
// relaying presence, broadcast, and direct messages between connected
// matrices. Auth is a PIN-gated /register that issues short-lived tokens;
// the registry of known matrices is persisted through the store.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
	"github.com/matrixfabric/matrixfabric/pkg/wire"
)

// Hub owns the set of connected matrix sockets. Registration flows through
// channels consumed by Run; message routing and presence updates take the
// read lock directly from the client read pumps.
type Hub struct {
	store *store.Store
	bus   bus.EventBus

	register   chan *client
	unregister chan *client

	mu      sync.RWMutex
	clients map[string]*client

	log *logger.Logger
}

// NewHub creates a hub. The bus may be nil; presence events are then only
// visible to connected matrices.
func NewHub(st *store.Store, eventBus bus.EventBus, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		store:      st,
		bus:        eventBus,
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[string]*client),
		log:        log.WithComponent("hub"),
	}
}

// Run processes registration traffic and drives the heartbeat until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("hub started")
	defer h.log.Info("hub stopped")

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.addClient(ctx, c)
		case c := <-h.unregister:
			h.removeClient(ctx, c)
		case <-ticker.C:
			h.heartbeat(ctx)
		}
	}
}

// Register hands a new connection to the hub loop.
func (h *Hub) Register(c *client) {
	h.register <- c
}

// Unregister hands a dead connection to the hub loop.
func (h *Hub) Unregister(c *client) {
	h.unregister <- c
}

// addClient installs a connection, replacing any existing one for the same
// matrix. The replaced socket is kept alive briefly and then closed so the
// peer sees an explicit reason rather than a dropped TCP stream.
func (h *Hub) addClient(ctx context.Context, c *client) {
	h.mu.Lock()
	old, replaced := h.clients[c.matrixID]
	h.clients[c.matrixID] = c
	online := h.connectedIDsLocked()
	h.mu.Unlock()

	if replaced {
		h.log.Info("replacing existing connection", zap.String("matrix_id", c.matrixID))
		go func() {
			time.Sleep(replaceGrace)
			old.shutdown(websocket.CloseNormalClosure, "Replaced by new connection")
		}()
	}

	if err := h.store.TouchMatrix(ctx, c.matrixID, store.MatrixStatusOnline); err != nil {
		h.log.Warn("touch matrix on connect", zap.String("matrix_id", c.matrixID), zap.Error(err))
	}

	c.sendFrame(wire.NewRegistered(c.matrixID, online))
	h.broadcastExcept(c.matrixID, wire.NewPresenceNotice(c.matrixID, wire.PresenceOnline, c.displayName))
	h.publishPresence(ctx, c.matrixID, wire.PresenceOnline)

	h.log.Info("matrix connected",
		zap.String("matrix_id", c.matrixID),
		zap.Int("connected", len(online)))
}

// removeClient drops a connection if it still owns its registry slot. A
// connection replaced by a newer one leaves the new entry untouched.
func (h *Hub) removeClient(ctx context.Context, c *client) {
	h.mu.Lock()
	current, ok := h.clients[c.matrixID]
	if !ok || current != c {
		h.mu.Unlock()
		c.shutdown(websocket.CloseGoingAway, "")
		return
	}
	delete(h.clients, c.matrixID)
	h.mu.Unlock()

	c.shutdown(websocket.CloseGoingAway, "")

	if err := h.store.TouchMatrix(ctx, c.matrixID, store.MatrixStatusOffline); err != nil {
		h.log.Warn("touch matrix on disconnect", zap.String("matrix_id", c.matrixID), zap.Error(err))
	}
	h.broadcastExcept(c.matrixID, wire.NewPresenceNotice(c.matrixID, wire.PresenceOffline, c.displayName))
	h.publishPresence(ctx, c.matrixID, wire.PresenceOffline)

	h.log.Info("matrix disconnected", zap.String("matrix_id", c.matrixID))
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.shutdown(websocket.CloseGoingAway, "Hub shutting down")
		delete(h.clients, id)
	}
}

// heartbeat pings every connection and closes those silent past the idle
// timeout. Registry rows that went stale without a socket are also swept.
func (h *Hub) heartbeat(ctx context.Context) {
	h.mu.RLock()
	var idle []*client
	ping := wire.NewPing()
	for _, c := range h.clients {
		if c.idleSince() > idleTimeout {
			idle = append(idle, c)
			continue
		}
		c.sendFrame(ping)
	}
	h.mu.RUnlock()

	for _, c := range idle {
		h.log.Info("closing idle connection", zap.String("matrix_id", c.matrixID))
		c.shutdown(websocket.CloseNormalClosure, "Ping timeout")
	}

	if n, err := h.store.SweepStaleMatrices(ctx, idleTimeout); err != nil {
		h.log.Warn("stale matrix sweep", zap.Error(err))
	} else if n > 0 {
		h.log.Debug("marked stale matrices offline", zap.Int64("count", n))
	}
}

// Route stamps and delivers a message frame from a connected matrix. A
// direct frame to a disconnected recipient bounces back as a delivery
// error; broadcast partial failures are tolerated, the sender's retry
// queue converges them.
func (h *Hub) Route(ctx context.Context, from *client, f *wire.Frame) {
	f.Stamp(from.matrixID, time.Now())

	if f.To != "" {
		h.mu.RLock()
		target, ok := h.clients[f.To]
		h.mu.RUnlock()
		if !ok {
			from.sendFrame(wire.NewError(wire.CodeDeliveryFailed, "matrix not connected: "+f.To))
			return
		}
		target.sendFrame(f)
		return
	}

	h.broadcastExcept(from.matrixID, f)
}

// UpdatePresence records a client-announced status and fans it out.
func (h *Hub) UpdatePresence(ctx context.Context, c *client, status string) {
	if err := h.store.TouchMatrix(ctx, c.matrixID, status); err != nil {
		h.log.Warn("touch matrix on presence", zap.String("matrix_id", c.matrixID), zap.Error(err))
	}
	h.broadcastExcept(c.matrixID, wire.NewPresenceNotice(c.matrixID, status, c.displayName))
	h.publishPresence(ctx, c.matrixID, status)
}

func (h *Hub) broadcastExcept(exceptMatrixID string, f *wire.Frame) {
	data, err := f.Encode()
	if err != nil {
		h.log.Error("encode broadcast frame", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, c := range h.clients {
		if id == exceptMatrixID {
			continue
		}
		c.enqueue(data)
	}
}

// ConnectedIDs returns the matrix IDs with a live socket, sorted.
func (h *Hub) ConnectedIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connectedIDsLocked()
}

// ConnectedCount returns the number of live sockets.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) connectedIDsLocked() []string {
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) publishPresence(ctx context.Context, matrixID, status string) {
	if h.bus == nil {
		return
	}
	ev := bus.NewEvent(events.PresenceChanged, "hub", map[string]interface{}{
		"matrix_id": matrixID,
		"status":    status,
	})
	if err := h.bus.Publish(ctx, events.SubjectPresence, ev); err != nil {
		h.log.Warn("publish presence event", zap.Error(err))
	}
}
