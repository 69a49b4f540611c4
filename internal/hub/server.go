package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/config"
	"github.com/matrixfabric/matrixfabric/internal/common/httpmw"
	"github.com/matrixfabric/matrixfabric/internal/common/logger"
	"github.com/matrixfabric/matrixfabric/internal/events/bus"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Matrices connect from local daemons, not browsers.
		return true
	},
}

// Server is the hub HTTP+WS surface: PIN-gated registration, token-gated
// WebSocket upgrade, and the health/registry read endpoints.
type Server struct {
	cfg    config.HubConfig
	store  *store.Store
	hub    *Hub
	tokens *TokenService

	pin        string
	pinEnabled bool

	router    *gin.Engine
	http      *http.Server
	startedAt time.Time
	log       *logger.Logger
}

// NewServer wires the hub server. A configured PIN is used as-is; an empty
// one is generated and logged for the operator; "disabled" turns the gate
// off.
func NewServer(cfg config.HubConfig, st *store.Store, eventBus bus.EventBus, log *logger.Logger) (*Server, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("hub_server")

	pin, enabled, err := ResolvePIN(cfg.PIN)
	if err != nil {
		return nil, err
	}
	if enabled && cfg.PIN == "" {
		log.Info("generated hub PIN", zap.String("pin", pin))
	}
	if !enabled {
		log.Warn("hub PIN gate disabled")
	}

	s := &Server{
		cfg:        cfg,
		store:      st,
		hub:        NewHub(st, eventBus, log),
		tokens:     NewTokenService(cfg.Secret, cfg.TokenExpiry()),
		pin:        pin,
		pinEnabled: enabled,
		startedAt:  time.Now(),
		log:        log,
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, "matrixhub"))
	router.Use(httpmw.OtelTracing("matrixhub"))

	router.GET("/health", s.handleHealth)
	router.GET("/register", s.handleRegister)
	router.GET("/matrices", s.handleMatrices)
	router.GET("/ws", s.handleWS)
	// The daemon dials the root path; keep both routes live.
	router.GET("/", s.handleWS)

	s.router = router
	return s, nil
}

// Handler exposes the HTTP surface for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub exposes the connection fabric, mainly for process wiring.
func (s *Server) Hub() *Hub {
	return s.hub
}

// PIN returns the effective registration PIN ("" when disabled).
func (s *Server) PIN() string {
	return s.pin
}

// Start runs the hub loop and serves HTTP (or HTTPS when TLS is
// configured) until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSEnabled() {
			s.log.Info("hub listening", zap.String("addr", addr), zap.Bool("tls", true))
			err = s.http.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.log.Info("hub listening", zap.String("addr", addr))
			err = s.http.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// handleHealth reports liveness and piggybacks the stale-registry sweep so
// an idle hub still converges presence.
func (s *Server) handleHealth(c *gin.Context) {
	if _, err := s.store.SweepStaleMatrices(c.Request.Context(), idleTimeout); err != nil {
		s.log.Warn("stale matrix sweep", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":             "ok",
		"connectedMatrices": s.hub.ConnectedCount(),
		"online":            s.hub.ConnectedIDs(),
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
	})
}

// handleRegister validates the PIN, upserts the registry row, and issues a
// token for the WebSocket upgrade.
func (s *Server) handleRegister(c *gin.Context) {
	matrixID := c.Query("matrix_id")
	if matrixID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "matrix_id is required"})
		return
	}

	if s.pinEnabled && c.Query("pin") != s.pin {
		s.log.Warn("registration rejected: bad PIN", zap.String("matrix_id", matrixID))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid pin"})
		return
	}

	displayName := c.Query("display_name")
	if displayName == "" {
		displayName = matrixID
	}

	if err := s.store.UpsertMatrix(c.Request.Context(), matrixID, displayName, ""); err != nil {
		s.log.Error("register matrix", zap.String("matrix_id", matrixID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
		return
	}

	token := s.tokens.Issue(matrixID)
	s.log.Info("matrix registered", zap.String("matrix_id", matrixID))
	c.JSON(http.StatusOK, gin.H{"token": token, "matrix_id": matrixID})
}

// handleMatrices lists the persistent registry next to the live sockets.
func (s *Server) handleMatrices(c *gin.Context) {
	matrices, err := s.store.ListMatrices(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "registry unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"matrices":  matrices,
		"connected": s.hub.ConnectedIDs(),
	})
}

// handleWS validates the token and upgrades to a hub connection.
func (s *Server) handleWS(c *gin.Context) {
	token := c.Query("token")
	matrixID, ok := s.tokens.Validate(token)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	displayName := c.Query("display_name")
	if displayName == "" {
		displayName = matrixID
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.String("matrix_id", matrixID), zap.Error(err))
		return
	}

	cl := newClient(matrixID, displayName, conn, s.hub, s.log)
	go cl.writePump()
	s.hub.Register(cl)
	cl.readPump(c.Request.Context())
}
