package session

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BDNK1/reflow/runtime"
)

// RegisterRoutes serves m over the REST contract RemoteManager speaks, so one
// process can act as the session service of another.
func RegisterRoutes(r gin.IRouter, m runtime.SessionManager, l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	h := &handler{l: l, m: m}

	r.GET("/sessions", h.list)
	r.POST("/sessions", h.create)
	r.GET("/sessions/:id/state", h.state)
	r.PUT("/sessions/:id/flow", h.updateFlow)
	r.POST("/sessions/:id/stop", h.stop)
	r.POST("/sessions/:id/advance", h.advance)
	r.POST("/sessions/:id/history", h.history)
	r.PATCH("/sessions/:id/metadata", h.metadata)
	r.PUT("/sessions/:id/results", h.results)
}

type handler struct {
	l *slog.Logger
	m runtime.SessionManager
}

func (h *handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	h.l.Error("Session request failed",
		"path", c.Request.URL.Path,
		"method", c.Request.Method,
		"error", err.Error())
	c.JSON(status, apiError{Error: err.Error()})
}

var badRequest = apiError{Error: "wrong request body format"}

func (h *handler) list(c *gin.Context) {
	flow := c.Query("flow")
	if flow == "" {
		c.JSON(http.StatusBadRequest, apiError{Error: "query parameter flow is required"})
		return
	}
	sessions, err := h.m.GetActiveSessions(c.Request.Context(), flow)
	if err != nil {
		h.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []runtime.ActiveSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *handler) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.FlowName == "" {
		c.JSON(http.StatusBadRequest, badRequest)
		return
	}
	id, err := h.m.CreateSession(c.Request.Context(), req.Topic, req.FlowName, req.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, createResponse{SessionID: id})
}

func (h *handler) state(c *gin.Context) {
	state, err := h.m.GetSessionState(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (h *handler) updateFlow(c *gin.Context) {
	var flow runtime.FlowDefinition
	if err := c.ShouldBindJSON(&flow); err != nil || flow.Name == "" {
		c.JSON(http.StatusBadRequest, badRequest)
		return
	}
	h.reply(c, h.m.UpdateSessionFlow(c.Request.Context(), c.Param("id"), &flow))
}

func (h *handler) stop(c *gin.Context) {
	h.reply(c, h.m.StopSession(c.Request.Context(), c.Param("id")))
}

func (h *handler) advance(c *gin.Context) {
	h.reply(c, h.m.AdvanceToNextStep(c.Request.Context(), c.Param("id")))
}

func (h *handler) history(c *gin.Context) {
	var req historyRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.StepID == "" {
		c.JSON(http.StatusBadRequest, badRequest)
		return
	}
	h.reply(c, h.m.UpdateStepHistory(c.Request.Context(), c.Param("id"), req.StepID, req.Reason))
}

func (h *handler) metadata(c *gin.Context) {
	var meta map[string]any
	if err := c.ShouldBindJSON(&meta); err != nil {
		c.JSON(http.StatusBadRequest, badRequest)
		return
	}
	h.reply(c, h.m.UpdateSessionMetadata(c.Request.Context(), c.Param("id"), meta))
}

func (h *handler) results(c *gin.Context) {
	var results map[string]any
	if err := c.ShouldBindJSON(&results); err != nil {
		c.JSON(http.StatusBadRequest, badRequest)
		return
	}
	h.reply(c, h.m.RestoreStepResults(c.Request.Context(), c.Param("id"), results))
}

func (h *handler) reply(c *gin.Context, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
