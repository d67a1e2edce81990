// Package server exposes the hive runtime over HTTP and Server-Sent Events.
//
// The API surface is JSON over gin: session lifecycle, worker load/unload,
// triggers, chat routing, execution control, checkpoint resume/replay, and a
// per-session SSE event stream multiplexed from the session bus.
package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hivekit/hive/event"
	"github.com/hivekit/hive/graph"
	"github.com/hivekit/hive/metrics"
	"github.com/hivekit/hive/session"
)

// DefaultKeepalive is the SSE keepalive comment interval.
const DefaultKeepalive = 15 * time.Second

// Server is the HTTP surface over a session manager.
type Server struct {
	manager   *session.Manager
	logger    *slog.Logger
	metrics   *metrics.Runtime
	keepalive time.Duration
	engine    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request/error logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics attaches runtime metrics: session gauge updates and SSE drop
// accounting.
func WithMetrics(m *metrics.Runtime) Option {
	return func(s *Server) { s.metrics = m }
}

// WithKeepalive overrides the SSE keepalive interval.
func WithKeepalive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepalive = d
		}
	}
}

// New builds the server and its routes.
func New(manager *session.Manager, opts ...Option) *Server {
	s := &Server{
		manager:   manager,
		logger:    slog.Default(),
		keepalive: DefaultKeepalive,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	api := engine.Group("/api")
	{
		api.POST("/sessions", s.createSession)
		api.GET("/sessions/:sid", s.getSession)
		api.DELETE("/sessions/:sid", s.deleteSession)

		api.POST("/sessions/:sid/worker", s.loadWorker)
		api.DELETE("/sessions/:sid/worker", s.unloadWorker)

		api.POST("/sessions/:sid/trigger", s.trigger)
		api.POST("/sessions/:sid/inject", s.inject)
		api.POST("/sessions/:sid/chat", s.chat)

		api.POST("/sessions/:sid/stop", s.stop)
		api.POST("/sessions/:sid/pause", s.pause)
		api.POST("/sessions/:sid/resume", s.resume)
		api.POST("/sessions/:sid/replay", s.replay)

		api.GET("/sessions/:sid/events", s.events)
		api.GET("/sessions/:sid/checkpoints", s.checkpoints)
		api.GET("/sessions/:sid/graphs/:gid/nodes", s.graphNodes)
	}

	s.engine = engine
	return s
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) lookup(c *gin.Context) (*session.Session, bool) {
	sess, ok := s.manager.Get(c.Param("sid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
	AgentPath string `json:"agent_path"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sess, err := s.manager.CreateSession(req.SessionID)
	if errors.Is(err, session.ErrSessionExists) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.SessionOpened()
	}

	if req.AgentPath != "" {
		spec, err := session.LoadAgentSpec(req.AgentPath)
		if err == nil {
			err = sess.LoadWorker(spec)
		}
		if err != nil {
			c.JSON(http.StatusCreated, gin.H{
				"session_id":   sess.ID(),
				"worker_error": err.Error(),
			})
			return
		}
	}

	c.JSON(http.StatusCreated, sess.Info())
}

func (s *Server) getSession(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Info())
}

func (s *Server) deleteSession(c *gin.Context) {
	if err := s.manager.DestroySession(c.Param("sid")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if s.metrics != nil {
		s.metrics.SessionClosed()
	}
	c.Status(http.StatusNoContent)
}

type loadWorkerRequest struct {
	AgentPath string `json:"agent_path" binding:"required"`
}

func (s *Server) loadWorker(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req loadWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec, err := session.LoadAgentSpec(req.AgentPath)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.LoadWorker(spec); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrWorkerLoaded) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"worker": spec.Name})
}

func (s *Server) unloadWorker(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	sess.UnloadWorker()
	c.JSON(http.StatusOK, gin.H{"unloaded": true})
}

type triggerRequest struct {
	EntryPointID string         `json:"entry_point_id" binding:"required"`
	InputData    map[string]any `json:"input_data"`
}

func (s *Server) trigger(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req triggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	executionID, err := sess.Trigger(req.EntryPointID, req.InputData)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, session.ErrNoWorker) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID})
}

type injectRequest struct {
	NodeID  string `json:"node_id" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (s *Server) inject(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req injectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delivered": sess.Inject(req.NodeID, req.Content)})
}

type chatRequest struct {
	Message string `json:"message" binding:"required"`
}

func (s *Server) chat(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := sess.Chat(req.Message)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "delivered": true})
}

type executionRequest struct {
	ExecutionID string `json:"execution_id" binding:"required"`
}

// stop cancels an execution. Terminal: use pause to suspend resumably.
func (s *Server) stop(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := sess.Cancel(req.ExecutionID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) pause(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req executionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	checkpointID, err := sess.Pause(req.ExecutionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true, "checkpoint_id": checkpointID})
}

type checkpointRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

func (s *Server) resume(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req checkpointRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	executionID, err := sess.Resume(req.CheckpointID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	resp := gin.H{"resumed": true}
	if executionID != "" {
		resp["execution_id"] = executionID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) replay(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	var req checkpointRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CheckpointID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkpoint_id is required"})
		return
	}

	executionID, err := sess.Replay(req.CheckpointID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"execution_id": executionID})
}

func (s *Server) checkpoints(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	cps, err := sess.Checkpoints()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

// nodeView is one node of the topology response, with live progress.
type nodeView struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	ClientFacing bool   `json:"client_facing,omitempty"`
	MaxVisits    int    `json:"max_visits,omitempty"`
	Visits       int    `json:"visits"`
	Current      bool   `json:"current,omitempty"`
}

type edgeView struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition"`
	Priority  int    `json:"priority"`
}

func (s *Server) graphNodes(c *gin.Context) {
	sess, ok := s.lookup(c)
	if !ok {
		return
	}
	w := sess.Worker()
	if w == nil {
		c.JSON(http.StatusConflict, gin.H{"error": session.ErrNoWorker.Error()})
		return
	}
	g, ok := w.Graph(c.Param("gid"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "graph not found"})
		return
	}

	// Progress aggregates across the graph's streams; the most recently
	// observed current node wins.
	visits := map[string]int{}
	current := ""
	for _, stream := range w.Streams() {
		if stream.GraphID() != g.ID {
			continue
		}
		node, counts := stream.Progress()
		for id, n := range counts {
			visits[id] += n
		}
		if node != "" {
			current = node
		}
	}

	nodes := make([]nodeView, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		nodeType := string(n.Type)
		if nodeType == "" {
			nodeType = string(graph.NodeEventLoop)
		}
		nodes = append(nodes, nodeView{
			ID:           n.ID,
			Type:         nodeType,
			ClientFacing: n.ClientFacing,
			MaxVisits:    n.MaxVisits,
			Visits:       visits[n.ID],
			Current:      n.ID == current,
		})
	}
	edges := make([]edgeView, 0, len(g.Edges))
	for _, e := range g.Edges {
		edges = append(edges, edgeView{
			Source:    e.Source,
			Target:    e.Target,
			Condition: string(e.Condition),
			Priority:  e.Priority,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"graph_id": g.ID,
		"entry":    g.Entry,
		"nodes":    nodes,
		"edges":    edges,
	})
}

// parseTypes splits the ?types= query into event types. Empty selects the
// canonical client-relevant set.
func parseTypes(raw []string) []event.Type {
	var out []event.Type
	for _, chunk := range raw {
		for _, name := range strings.Split(chunk, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out = append(out, event.Type(name))
			}
		}
	}
	if len(out) == 0 {
		return event.ClientTypes
	}
	return out
}
