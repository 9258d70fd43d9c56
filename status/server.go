// Package status exposes live sessions to the dashboard over HTTP and
// mirrors their events onto MQTT.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/edmo-bci/labeler"
	"github.com/maastricht-university/edmo-bci/orchestrator"
)

type errorResponse struct {
	Error string `json:"error"`
}

type modelRequest struct {
	Path string `json:"path" binding:"required"`
}

// Server is the dashboard API.
type Server struct {
	mgr    *orchestrator.Manager
	log    logrus.FieldLogger
	engine *gin.Engine
	srv    *http.Server
}

func NewServer(addr string, mgr *orchestrator.Manager, log logrus.FieldLogger) *Server {
	s := &Server{mgr: mgr, log: log.WithField("component", "status")}
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog)

	r.GET("/health", s.health)
	r.GET("/status", s.list)
	sessions := r.Group("/sessions")
	{
		sessions.GET("/:id", s.get)
		sessions.POST("/:id/stop", s.stop)
	}
	r.POST("/phase", s.phase)
	r.POST("/model", s.model)

	s.engine = r
	s.srv = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Handler returns the routed engine, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.ListenAndServe() }()
	s.log.WithField("addr", s.srv.Addr).Info("status server listening")
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shut, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shut); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.log.WithFields(logrus.Fields{
		"method":  c.Request.Method,
		"path":    c.FullPath(),
		"status":  c.Writer.Status(),
		"elapsed": time.Since(start),
	}).Debug("request")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(s.mgr.Statuses()),
		"time":     time.Now().UTC(),
	})
}

func (s *Server) list(c *gin.Context) {
	sts := s.mgr.Statuses()
	c.JSON(http.StatusOK, gin.H{"sessions": sts, "count": len(sts)})
}

func (s *Server) get(c *gin.Context) {
	p, ok := s.mgr.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: orchestrator.ErrNoSession.Error()})
		return
	}
	c.JSON(http.StatusOK, p.Status())
}

func (s *Server) stop(c *gin.Context) {
	p, ok := s.mgr.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: orchestrator.ErrNoSession.Error()})
		return
	}
	p.Stop()
	c.JSON(http.StatusAccepted, gin.H{"session": p.ID(), "stopping": true})
}

// phase accepts a stimulus event. ?session= picks the session when more
// than one is live.
func (s *Server) phase(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	var ev labeler.PhaseEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if ev.Wall.IsZero() {
		ev.Wall = time.Now()
	}
	if err := p.SubmitPhase(ev); err != nil {
		s.reject(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session": p.ID(), "trial_id": ev.TrialID, "phase": ev.Phase})
}

// model queues a model swap; the result shows up in the session status.
func (s *Server) model(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := p.RequestModel(req.Path); err != nil {
		s.reject(c, err)
		return
	}
	s.log.WithFields(logrus.Fields{"session": p.ID(), "path": req.Path}).Info("model swap requested")
	c.JSON(http.StatusAccepted, gin.H{"session": p.ID(), "path": req.Path})
}

func (s *Server) lookup(c *gin.Context) (*orchestrator.Pipeline, bool) {
	p, err := s.mgr.Lookup(c.Query("session"))
	switch {
	case err == nil:
		return p, true
	case errors.Is(err, orchestrator.ErrAmbiguous):
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	}
	return nil, false
}

func (s *Server) reject(c *gin.Context, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, orchestrator.ErrQueueFull) {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, errorResponse{Error: err.Error()})
}
