package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/BDNK1/reflow/runtime"
	"github.com/BDNK1/reflow/runtime/hotupdate"
	"github.com/BDNK1/reflow/runtime/parser"
	"github.com/BDNK1/reflow/runtime/session"
)

const shutdownTimeout = 15 * time.Second

// Server exposes the coordinator over HTTP.
type Server struct {
	l        *slog.Logger
	coord    *hotupdate.Coordinator
	sessions runtime.SessionManager
}

type errorResponse struct {
	Error string `json:"error"`
}

// FlowSummary is one entry of GET /flows.
type FlowSummary struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Steps       []string `json:"steps"`
}

// FlowDetail is the body of GET /flows/:name.
type FlowDetail struct {
	Definition     *runtime.FlowDefinition `json:"definition"`
	ExecutionOrder []string                `json:"execution_order"`
}

// New creates a server. When sessions is non-nil the session service routes
// are mounted under /api so other processes can use this one as their
// session backend.
func New(l *slog.Logger, coord *hotupdate.Coordinator, sessions runtime.SessionManager) *Server {
	if l == nil {
		l = slog.Default()
	}
	return &Server{l: l, coord: coord, sessions: sessions}
}

func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(_ *gin.Context, _ *slog.Logger) *slog.Logger {
			return s.l
		}),
	))

	router.GET("/status", s.status)
	router.POST("/recheck", s.recheck)
	router.GET("/flows", s.listFlows)
	router.GET("/flows/:name", s.getFlow)

	if s.sessions != nil {
		session.RegisterRoutes(router.Group("/api"), s.sessions, s.l)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.l.Info("Server starting", "address", addr)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.l.Error("Server shutdown error", "error", err)
		return srv.Close()
	}
	s.l.Info("Server stopped gracefully")
	return nil
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Status(c.Request.Context()))
}

func (s *Server) recheck(c *gin.Context) {
	result, err := s.coord.ForceRecheck(c.Request.Context())
	if err != nil {
		s.l.Error("Recheck failed", "error", err.Error())
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) listFlows(c *gin.Context) {
	flows := s.coord.Flows()
	summaries := make([]FlowSummary, 0, len(flows))
	for _, name := range s.coord.FlowNames() {
		flow, ok := flows[name]
		if !ok {
			continue
		}
		summaries = append(summaries, FlowSummary{
			Name:        flow.Name,
			Version:     flow.Version,
			Description: flow.Description,
			Steps:       flow.StepIDs(),
		})
	}
	c.JSON(http.StatusOK, summaries)
}

func (s *Server) getFlow(c *gin.Context) {
	name := c.Param("name")
	flow, ok := s.coord.Flow(name)
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: fmt.Sprintf("flow %s not found", name)})
		return
	}

	order, err := parser.TopologicalOrder(flow)
	if err != nil {
		// a loaded flow is acyclic
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, FlowDetail{Definition: flow, ExecutionOrder: order})
}
