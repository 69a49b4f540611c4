package daemon

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/matrixfabric/matrixfabric/internal/common/httpmw"
	"github.com/matrixfabric/matrixfabric/internal/events"
	"github.com/matrixfabric/matrixfabric/internal/retrieval"
	"github.com/matrixfabric/matrixfabric/internal/store"
)

const sseHeartbeatInterval = 15 * time.Second

// buildRouter assembles the daemon's local control surface. It binds to
// localhost for workspace tooling; there is no auth on this side.
func (d *Daemon) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(d.log, "matrixd"))
	router.Use(httpmw.OtelTracing("matrixd"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/status", d.handleStatus)
	router.GET("/stream", d.handleStream)
	router.POST("/auth-reset", d.handleAuthReset)

	router.POST("/messages", d.handleEnqueue)
	router.GET("/messages/unread", d.handleUnread)
	router.POST("/messages/read", d.handleMarkRead)
	router.GET("/messages/history", d.handleHistory)

	router.POST("/recall", d.handleRecall)
	router.GET("/search-stats", d.handleSearchStats)
	router.GET("/export", d.handleExport)
	router.POST("/learnings", d.handleCreateLearning)
	router.POST("/learnings/:id/validate", d.handleValidateLearning)
	router.POST("/sessions", d.handleRecordSession)

	return router
}

// serve runs the local HTTP surface until the context is cancelled.
func (d *Daemon) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", d.cfg.Daemon.Port),
		Handler:           d.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("daemon listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (d *Daemon) handleStatus(c *gin.Context) {
	unread, err := d.store.CountUnread(c.Request.Context(), d.matrixID)
	if err != nil {
		d.log.Warn("count unread", zap.Error(err))
	}

	st := d.conn.Status()
	c.JSON(http.StatusOK, gin.H{
		"matrix_id":        d.matrixID,
		"connected":        st.Connected,
		"authFailureCount": st.AuthFailureCount,
		"authStopped":      st.AuthStopped,
		"lastAuthError":    st.LastAuthError,
		"unread":           unread,
		"sse_subscribers":  d.broker.subscriberCount(),
		"uptime_seconds":   int(time.Since(d.startedAt).Seconds()),
	})
}

// handleStream serves the SSE event stream. Heartbeat comments keep
// proxies from reaping an idle connection.
func (d *Daemon) handleStream(c *gin.Context) {
	ch := d.broker.subscribe()
	defer d.broker.unsubscribe(ch)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.Flush()

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case data := <-ch:
			fmt.Fprintf(c.Writer, "data: %s\n\n", data)
			c.Writer.Flush()
		case <-heartbeat.C:
			fmt.Fprint(c.Writer, ": heartbeat\n\n")
			c.Writer.Flush()
		}
	}
}

func (d *Daemon) handleAuthReset(c *gin.Context) {
	var req struct {
		PIN string `json:"pin"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	d.AuthReset(req.PIN)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (d *Daemon) handleEnqueue(c *gin.Context) {
	var req struct {
		To       string                 `json:"to"`
		Content  string                 `json:"content"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	m, err := d.Enqueue(c.Request.Context(), req.To, req.Content, req.Metadata)
	if err != nil {
		d.log.Error("enqueue message", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusAccepted, m)
}

func (d *Daemon) handleUnread(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	messages, err := d.store.UnreadMessages(c.Request.Context(), d.matrixID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "listing failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
}

func (d *Daemon) handleMarkRead(c *gin.Context) {
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ids are required"})
		return
	}
	if err := d.store.MarkMessagesRead(c.Request.Context(), req.IDs); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "mark read failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "marked": len(req.IDs)})
}

func (d *Daemon) handleHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	messages, err := d.store.MessageHistory(c.Request.Context(), d.matrixID, c.Query("peer"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// handleRecall runs the hybrid retrieval engine with the workspace scope.
func (d *Daemon) handleRecall(c *gin.Context) {
	if d.retr == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "retrieval not configured"})
		return
	}

	var req struct {
		Query   string `json:"query"`
		Limit   int    `json:"limit"`
		Project string `json:"project"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}

	scope := retrieval.Scope{
		ProjectPath:   req.Project,
		IncludeShared: true,
	}
	if scope.ProjectPath == "" {
		scope.ProjectPath = d.cfg.Memory.ProjectPath
	}
	if d.cfg.Memory.AgentID != 0 {
		agentID := d.cfg.Memory.AgentID
		scope.AgentID = &agentID
	}

	result, err := d.retr.Recall(c.Request.Context(), req.Query, req.Limit, scope)
	if err != nil {
		d.log.Error("recall", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "recall failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (d *Daemon) handleSearchStats(c *gin.Context) {
	hours := queryInt(c, "hours", 24)
	stats, err := d.store.SearchStatsSince(c.Request.Context(), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats failed"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// handleExport dumps the workspace memory for backup tooling.
func (d *Daemon) handleExport(c *gin.Context) {
	ctx := c.Request.Context()

	learnings, err := d.store.ListLearnings(ctx, store.LearningFilter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	sessions, err := d.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"learnings":   learnings,
		"sessions":    sessions,
	})
}

// handleCreateLearning records a new learning scoped to this workspace.
func (d *Daemon) handleCreateLearning(c *gin.Context) {
	var req struct {
		Category     string `json:"category"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		WhatHappened string `json:"what_happened"`
		Lesson       string `json:"lesson"`
		Prevention   string `json:"prevention"`
		Context      string `json:"context"`
		SourceURL    string `json:"source_url"`
		Visibility   string `json:"visibility"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	l := &store.Learning{
		Category:     req.Category,
		Title:        req.Title,
		Description:  req.Description,
		WhatHappened: req.WhatHappened,
		Lesson:       req.Lesson,
		Prevention:   req.Prevention,
		Context:      req.Context,
		SourceURL:    req.SourceURL,
		Visibility:   req.Visibility,
		ProjectPath:  d.cfg.Memory.ProjectPath,
	}
	if d.cfg.Memory.AgentID != 0 {
		agentID := d.cfg.Memory.AgentID
		l.AgentID = &agentID
	}

	if err := d.store.CreateLearning(c.Request.Context(), l); err != nil {
		d.log.Error("create learning", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}
	d.publish(c.Request.Context(), events.LearningCreated, map[string]interface{}{
		"learning_id": l.ID,
	})
	c.JSON(http.StatusCreated, l)
}

// handleRecordSession records a unit of work. Git context is captured
// from the project path; a missing summary is derived from the context.
func (d *Daemon) handleRecordSession(c *gin.Context) {
	var req struct {
		Summary           string                `json:"summary"`
		Context           *store.SessionContext `json:"context"`
		Tags              []string              `json:"tags"`
		Project           string                `json:"project"`
		Visibility        string                `json:"visibility"`
		PreviousSessionID string                `json:"previous_session_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	projectPath := req.Project
	if projectPath == "" {
		projectPath = d.cfg.Memory.ProjectPath
	}

	sc := req.Context
	if sc == nil {
		sc = &store.SessionContext{}
	}
	d.git.Attach(c.Request.Context(), projectPath, sc)

	summary := req.Summary
	if summary == "" {
		text := strings.Join(append(append([]string{}, sc.Wins...), sc.Decisions...), ". ")
		summary, _ = d.summarize.Summarize(c.Request.Context(), text)
	}
	if summary == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "summary is required"})
		return
	}

	sess := &store.Session{
		Summary:     summary,
		Context:     sc,
		Tags:        req.Tags,
		Visibility:  req.Visibility,
		ProjectPath: projectPath,
	}
	if req.PreviousSessionID != "" {
		prev := req.PreviousSessionID
		sess.PreviousSessionID = &prev
	}
	if d.cfg.Memory.AgentID != 0 {
		agentID := d.cfg.Memory.AgentID
		sess.AgentID = &agentID
	}

	if err := d.store.CreateSession(c.Request.Context(), sess); err != nil {
		d.log.Error("record session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record failed"})
		return
	}
	d.publish(c.Request.Context(), events.SessionRecorded, map[string]interface{}{
		"session_id": sess.ID,
	})
	c.JSON(http.StatusCreated, sess)
}

// handleValidateLearning bumps a learning's validation count, advancing
// its maturity stage.
func (d *Daemon) handleValidateLearning(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid learning id"})
		return
	}

	l, err := d.store.ValidateLearning(c.Request.Context(), id)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "learning not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "validation failed"})
		return
	}
	d.publish(c.Request.Context(), events.LearningValidated, map[string]interface{}{
		"learning_id": l.ID,
	})
	c.JSON(http.StatusOK, l)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
