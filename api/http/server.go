// Package http exposes the engine's REST surface: starting, listing,
// terminating, reading output from, and disposing of background processes,
// plus the tool-call background/foreground handoff.
package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/muxlabs/bpe/internal/bpe/bpeerr"
	"github.com/muxlabs/bpe/internal/bpe/controller"
	"github.com/muxlabs/bpe/internal/bpe/history"
	"github.com/muxlabs/bpe/internal/bpe/registry"
	"github.com/muxlabs/bpe/internal/common/httpmw"
	"github.com/muxlabs/bpe/internal/common/logger"
)

// Server wires the engine's Controller and Registry onto a gin.Engine.
type Server struct {
	ctrl *controller.Controller
	reg  *registry.Registry
	hist *history.Store
	log  *logger.Logger
}

// NewServer builds a Server. hist may be nil, in which case the history
// routes respond 503. Register routes with Mount.
func NewServer(ctrl *controller.Controller, reg *registry.Registry, hist *history.Store, log *logger.Logger) *Server {
	return &Server{ctrl: ctrl, reg: reg, hist: hist, log: log}
}

// Mount registers the REST routes of SPEC_FULL.md's table (§6 library
// surface as REST; the websocket events route is registered by api/ws's
// Handler.Mount) plus the process-history routes: workspace-scoped start/list, flat per-process
// get/terminate/output/dispose (a process ID is globally unique in the
// Registry, not workspace-qualified, so these never need a :wsid segment),
// and the tool-call foreground/background handoff keyed by :wsid and
// :toolCallId rather than a process ID, matching
// Controller.SendToBackground's own (wsid, toolCallID) signature.
func (s *Server) Mount(r gin.IRouter) {
	r.Use(httpmw.RequestLogger(s.log, "bped"))

	workspaceProcs := r.Group("/v1/workspaces/:wsid/processes")
	workspaceProcs.POST("", s.handleStart)
	workspaceProcs.GET("", s.handleList)

	procs := r.Group("/v1/processes")
	procs.GET("/:id", s.handleGet)
	procs.POST("/:id/terminate", s.handleTerminate)
	procs.GET("/:id/output", s.handleGetOutput)
	procs.DELETE("/:id", s.handleDispose)

	toolCalls := r.Group("/v1/workspaces/:wsid/tool-calls/:toolCallId")
	toolCalls.POST("/background", s.handleSendToBackground)

	hist := r.Group("/v1/workspaces/:wsid/process-history")
	hist.GET("", s.handleHistoryList)
	hist.GET("/search", s.handleHistorySearch)
	hist.GET("/:id", s.handleHistoryGet)
}

type startRequestBody struct {
	Script          string            `json:"script" binding:"required"`
	Cwd             string            `json:"cwd" binding:"required"`
	Env             map[string]string `json:"env"`
	DisplayName     string            `json:"displayName"`
	Niceness        *int              `json:"niceness"`
	RunInBackground bool              `json:"runInBackground"`
	ToolCallID      string            `json:"toolCallId"`
}

func (s *Server) handleStart(c *gin.Context) {
	var body startRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := s.ctrl.Start(c.Request.Context(), controller.StartRequest{
		WorkspaceID:     c.Param("wsid"),
		Script:          body.Script,
		Cwd:             body.Cwd,
		Env:             body.Env,
		DisplayName:     body.DisplayName,
		Niceness:        body.Niceness,
		RunInBackground: body.RunInBackground,
		ToolCallID:      body.ToolCallID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) handleList(c *gin.Context) {
	recs := s.reg.ListByWorkspace(c.Param("wsid"))
	out := make([]interface{}, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	c.JSON(http.StatusOK, gin.H{"processes": out})
}

func (s *Server) handleGet(c *gin.Context) {
	rec, ok := s.reg.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such process"})
		return
	}
	c.JSON(http.StatusOK, rec.Snapshot())
}

func (s *Server) handleTerminate(c *gin.Context) {
	if err := s.ctrl.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) handleSendToBackground(c *gin.Context) {
	s.ctrl.SendToBackground(c.Param("wsid"), c.Param("toolCallId"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetOutput(c *gin.Context) {
	var q controller.GetOutputQuery
	if raw := c.Query("fromOffset"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fromOffset"})
			return
		}
		q.FromOffset = &v
	}
	if raw := c.Query("tailBytes"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tailBytes"})
			return
		}
		q.TailBytes = &v
	}

	out, err := s.ctrl.GetOutput(c.Param("id"), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDispose(c *gin.Context) {
	if err := s.ctrl.Dispose(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleHistoryList(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	recs, err := s.hist.ListByWorkspace(c.Request.Context(), c.Param("wsid"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": recs})
}

func (s *Server) handleHistorySearch(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}

	wsid := c.Param("wsid")
	if envKey := c.Query("envKey"); envKey != "" {
		recs, err := s.hist.FindByEnvValue(c.Request.Context(), wsid, envKey, c.Query("envValue"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"processes": recs})
		return
	}

	recs, err := s.hist.SearchByDisplayName(c.Request.Context(), wsid, c.Query("q"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"processes": recs})
}

func (s *Server) handleHistoryGet(c *gin.Context) {
	if s.hist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history store not configured"})
		return
	}
	rec, ok, err := s.hist.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such archived process"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// writeError maps the engine's closed bpeerr.Kind taxonomy onto HTTP status
// codes. Any error that isn't a *bpeerr.Error is treated as internal.
func writeError(c *gin.Context, err error) {
	kind, ok := bpeerr.KindOf(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch kind {
	case bpeerr.NotFound:
		status = http.StatusNotFound
	case bpeerr.NotTerminal, bpeerr.InvalidArgument:
		status = http.StatusBadRequest
	case bpeerr.SpawnFailed, bpeerr.TailFailure, bpeerr.ExecutorUnavailable:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(kind)})
}
