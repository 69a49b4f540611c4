package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/constants"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/pkg/wire"
)

const (
	// writeWait bounds a single frame write to the hub.
	writeWait = 10 * time.Second

	// maxAuthFailures is how many PIN rejections stop the reconnect loop.
	// A supervising script clears the stop through /auth-reset.
	maxAuthFailures = 3
)

var (
	errNotConnected = errors.New("not connected to hub")
	errAuthRejected = errors.New("hub rejected registration PIN")
)

// hubStatus is a point-in-time snapshot of the hub link.
type hubStatus struct {
	Connected        bool   `json:"connected"`
	AuthFailureCount int    `json:"authFailureCount"`
	AuthStopped      bool   `json:"authStopped"`
	LastAuthError    string `json:"lastAuthError,omitempty"`
}

type frameHandler func(ctx context.Context, f *wire.Frame)

// hubConn maintains the daemon's WebSocket link to the hub: register for a
// token, dial, pump inbound frames, reconnect with backoff. Repeated PIN
// rejections park the loop in an auth-stopped state instead of hammering
// the hub.
type hubConn struct {
	matrixID    string
	displayName string
	baseURL     string // ws:// or wss:// root of the hub
	onFrame     frameHandler
	log         *logger.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	pin           string
	authFailures  int
	authStopped   bool
	lastAuthError string

	writeMu sync.Mutex
	resetCh chan struct{}
}

func newHubConn(matrixID, displayName, baseURL, pin string, onFrame frameHandler, log *logger.Logger) *hubConn {
	return &hubConn{
		matrixID:    matrixID,
		displayName: displayName,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		pin:         pin,
		onFrame:     onFrame,
		log:         log.WithComponent("hub_conn").WithMatrixID(matrixID),
		resetCh:     make(chan struct{}, 1),
	}
}

// run keeps the hub link alive until the context is cancelled.
func (c *hubConn) run(ctx context.Context) {
	bo := newReconnectBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		if c.isAuthStopped() {
			c.log.Warn("auth-stopped, waiting for /auth-reset")
			select {
			case <-ctx.Done():
				return
			case <-c.resetCh:
				bo.Reset()
				continue
			}
		}

		start := time.Now()
		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(start) >= resetThreshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		c.log.Warn("hub connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", interval))
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// connectOnce performs one full register+dial+read cycle and returns when
// the connection dies.
func (c *hubConn) connectOnce(ctx context.Context) error {
	token, err := c.register(ctx)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("token", token)
	q.Set("display_name", c.displayName)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.baseURL+"/ws?"+q.Encode(), nil)
	if resp != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()
	c.log.Info("connected to hub", zap.String("hub", c.baseURL))

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	// Tear the socket down when the context ends so ReadMessage unblocks.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("hub read: %w", err)
		}
		f, err := wire.Parse(data)
		if err != nil {
			c.log.Warn("dropping malformed hub frame", zap.Error(err))
			continue
		}
		if f.Type == wire.FrameTypePing {
			if err := c.Send(wire.NewPong(c.matrixID)); err != nil {
				c.log.Warn("pong reply failed", zap.Error(err))
			}
			continue
		}
		if c.onFrame != nil {
			c.onFrame(ctx, f)
		}
	}
}

// register obtains a WebSocket token from the hub's PIN gate.
func (c *hubConn) register(ctx context.Context) (string, error) {
	httpBase := strings.Replace(c.baseURL, "ws", "http", 1)

	q := url.Values{}
	q.Set("matrix_id", c.matrixID)
	q.Set("display_name", c.displayName)
	c.mu.Lock()
	q.Set("pin", c.pin)
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, constants.HealthCheckTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, httpBase+"/register?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("register with hub: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.recordAuthFailure("hub rejected PIN")
		return "", errAuthRejected
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("register with hub: status %d", resp.StatusCode)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode register response: %w", err)
	}
	if body.Token == "" {
		return "", fmt.Errorf("hub returned empty token")
	}

	c.mu.Lock()
	c.authFailures = 0
	c.lastAuthError = ""
	c.mu.Unlock()
	return body.Token, nil
}

func (c *hubConn) recordAuthFailure(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authFailures++
	c.lastAuthError = reason
	if c.authFailures >= maxAuthFailures {
		c.authStopped = true
	}
}

func (c *hubConn) isAuthStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authStopped
}

// AuthReset installs a new PIN (when given), clears the auth-stop state,
// and pokes the reconnect loop.
func (c *hubConn) AuthReset(pin string) {
	c.mu.Lock()
	if pin != "" {
		c.pin = pin
	}
	c.authFailures = 0
	c.authStopped = false
	c.lastAuthError = ""
	c.mu.Unlock()

	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// Send writes one frame to the hub. Writes are serialized; the read pump's
// pong replies and the outbound sweeper share the socket.
func (c *hubConn) Send(f *wire.Frame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return errNotConnected
	}

	data, err := f.Encode()
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// IsConnected reports whether the hub socket is live.
func (c *hubConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Status snapshots the link state for the /status endpoint.
func (c *hubConn) Status() hubStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hubStatus{
		Connected:        c.connected,
		AuthFailureCount: c.authFailures,
		AuthStopped:      c.authStopped,
		LastAuthError:    c.lastAuthError,
	}
}
