package server

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tessara/warden/internal/config"
	"github.com/tessara/warden/internal/console"
	"github.com/tessara/warden/internal/gateway"
	"github.com/tessara/warden/internal/metrics"
	"github.com/tessara/warden/internal/supervisor"
)

// Server exposes the control API over HTTP.
type Server struct {
	sup       *supervisor.Supervisor
	hub       *console.Hub
	store     *config.Store
	gw        *gateway.Gateway
	propsPath string
	log       *slog.Logger

	httpServer *http.Server
}

// New builds a Server wired to the given components.
func New(sup *supervisor.Supervisor, hub *console.Hub, store *config.Store, gw *gateway.Gateway, propsPath string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{sup: sup, hub: hub, store: store, gw: gw, propsPath: propsPath, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	{
		api.POST("/start", s.handleStart)
		api.POST("/stop", s.handleStop)
		api.POST("/restart", s.handleRestart)
		api.POST("/command", s.handleCommand)
		api.GET("/status", s.handleStatus)
		api.GET("/console", s.handleConsole)
		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handlePutConfig)
		api.GET("/properties/:key", s.handleGetProperty)
		api.PUT("/properties/:key", s.handlePutProperty)
		api.GET("/files", s.handleListFiles)
		api.GET("/files/download", s.handleDownloadFile)
		api.POST("/files", s.handleUploadFile)
		api.DELETE("/files", s.handleDeleteFile)
		api.GET("/ws", s.handleWS)
	}
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context, listen string) error {
	s.httpServer = &http.Server{
		Addr:              listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("http server listening", "addr", listen)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleStart(c *gin.Context) {
	if err := s.sup.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStop(c *gin.Context) {
	if err := s.sup.Stop(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleRestart(c *gin.Context) {
	if err := s.sup.Restart(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type commandRequest struct {
	Command string `json:"command" binding:"required"`
}

func (s *Server) handleCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command required"})
		return
	}
	if err := s.sup.Handle(req.Command); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.sup.Status())
}

func (s *Server) handleConsole(c *gin.Context) {
	lines := s.hub.History()
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		if n < len(lines) {
			lines = lines[len(lines)-n:]
		}
	}
	c.JSON(http.StatusOK, gin.H{"lines": lines})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.store.Get())
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var u config.Update
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.sup.ApplyConfig(u); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.store.Get())
}

func (s *Server) handleGetProperty(c *gin.Context) {
	key := c.Param("key")
	value, ok, err := config.ReadProperty(s.propsPath, key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "property not set"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

type propertyRequest struct {
	Value string `json:"value"`
}

// handlePutProperty edits one properties line in place. The running worker
// only picks the change up on its next start.
func (s *Server) handlePutProperty(c *gin.Context) {
	var req propertyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := c.Param("key")
	if err := config.UpsertProperty(s.propsPath, key, req.Value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": req.Value})
}

func (s *Server) handleListFiles(c *gin.Context) {
	entries, err := s.gw.List(c.Query("path"))
	if err != nil {
		c.JSON(fileErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleDownloadFile(c *gin.Context) {
	rel := c.Query("path")
	f, err := s.gw.Open(rel)
	if err != nil {
		c.JSON(fileErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = f.Close() }()
	c.Header("Content-Disposition", "attachment; filename="+strconv.Quote(path.Base(rel)))
	c.Header("Content-Type", "application/octet-stream")
	_, _ = io.Copy(c.Writer, f)
}

func (s *Server) handleUploadFile(c *gin.Context) {
	rel := c.Query("path")
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer func() { _ = src.Close() }()
	if rel == "" {
		rel = fh.Filename
	}
	if err := s.gw.Write(rel, src); err != nil {
		c.JSON(fileErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleDeleteFile(c *gin.Context) {
	if err := s.gw.Delete(c.Query("path")); err != nil {
		c.JSON(fileErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func fileErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrOutsideRoot):
		return http.StatusForbidden
	case errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
