package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threatlens/internal/broadcast"
	"threatlens/internal/lifecycle"
	"threatlens/internal/query"
	"threatlens/internal/timeline"
	"threatlens/pkg/models"
)

// Actions is the ingestion and lifecycle surface exposed by the pipeline.
type Actions interface {
	IngestRaw(data []byte) (*models.Event, error)
	Transition(key string, target models.Status, analyst, notes string) (*models.Incident, error)
	OverrideSeverity(key string, severity models.Severity, analyst string) (*models.Incident, error)
}

// IncidentReader is the direct-lookup surface of the lifecycle manager.
type IncidentReader interface {
	Get(key string) (*models.Incident, bool)
}

// Server provides the HTTP API consumed by the dashboard.
type Server struct {
	addr        string
	engine      *query.Engine
	actions     Actions
	incidents   IncidentReader
	broadcaster *broadcast.Broadcaster
	server      *http.Server
	ctx         context.Context
	cancel      context.CancelFunc
	startTime   time.Time
}

// NewServer creates the API server.
func NewServer(addr string, engine *query.Engine, actions Actions, incidents IncidentReader, broadcaster *broadcast.Broadcaster) *Server {
	if addr == "" {
		addr = "0.0.0.0:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		engine:      engine,
		actions:     actions,
		incidents:   incidents,
		broadcaster: broadcaster,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/incidents", s.handleListIncidents)
	r.GET("/api/incidents/:key", s.handleGetIncident)
	r.POST("/api/incidents/:key/transition", s.handleTransition)
	r.POST("/api/incidents/:key/severity", s.handleSeverityOverride)
	r.GET("/api/summary", s.handleSummary)
	r.GET("/api/timeline", s.handleTimeline)
	r.GET("/api/export", s.handleExport)
	r.POST("/api/events", s.handleIngest)
	r.GET("/api/stream", s.handleStream)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	summary := s.engine.Summary()
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"uptime":       time.Since(s.startTime).String(),
		"total_events": summary.TotalEvents,
		"threat_level": summary.ThreatLevel,
	})
}

func parseFilter(c *gin.Context) (query.Filter, bool) {
	var f query.Filter
	for _, raw := range splitList(c.Query("status")) {
		st := models.Status(raw)
		if !st.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + raw})
			return f, false
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, raw := range splitList(c.Query("severity")) {
		sev, ok := models.ParseSeverity(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity " + raw})
			return f, false
		}
		f.Severities = append(f.Severities, sev)
	}
	f.Text = c.Query("q")
	return f, true
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) handleListIncidents(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}

	page := query.Page{
		Offset: intQuery(c, "offset", 0),
		Limit:  intQuery(c, "limit", 100),
	}
	incidents := s.engine.ListIncidents(f, query.ParseSort(c.Query("sort")), page)
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func (s *Server) handleGetIncident(c *gin.Context) {
	incident, ok := s.incidents.Get(c.Param("key"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	c.JSON(http.StatusOK, incident)
}

type transitionRequest struct {
	Status  string `json:"status" binding:"required"`
	Analyst string `json:"analyst"`
	Notes   string `json:"notes"`
}

func (s *Server) handleTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	incident, err := s.actions.Transition(c.Param("key"), models.Status(req.Status), req.Analyst, req.Notes)
	if err != nil {
		var invalid *lifecycle.InvalidTransitionError
		var notFound *lifecycle.ErrNotFound
		switch {
		case errors.As(err, &invalid):
			c.JSON(http.StatusConflict, gin.H{"error": invalid.Error()})
		case errors.As(err, &notFound):
			c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, incident)
}

type severityRequest struct {
	Severity string `json:"severity" binding:"required"`
	Analyst  string `json:"analyst"`
}

func (s *Server) handleSeverityOverride(c *gin.Context) {
	var req severityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sev, ok := models.ParseSeverity(req.Severity)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown severity " + req.Severity})
		return
	}

	incident, err := s.actions.OverrideSeverity(c.Param("key"), sev, req.Analyst)
	if err != nil {
		var notFound *lifecycle.ErrNotFound
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, incident)
}

func (s *Server) handleSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Summary())
}

func (s *Server) handleTimeline(c *gin.Context) {
	now := time.Now()
	from := timeQuery(c, "from", now.Add(-24*time.Hour))
	to := timeQuery(c, "to", now)

	buckets, err := s.engine.Timeline(from, to)
	resp := gin.H{"buckets": buckets}
	if err != nil {
		var evicted *timeline.RetentionEvictionError
		if errors.As(err, &evicted) {
			resp["range_unavailable_before"] = evicted.EvictedBefore
			c.JSON(http.StatusOK, resp)
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func timeQuery(c *gin.Context, name string, def time.Time) time.Time {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return def
}

func (s *Server) handleExport(c *gin.Context) {
	f, ok := parseFilter(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="incidents.csv"`)
	if err := s.engine.ExportCSV(c.Writer, f); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}

type ingestResult struct {
	Accepted bool   `json:"accepted"`
	ID       string `json:"id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleIngest(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	payloads, err := splitPayloads(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := make([]ingestResult, 0, len(payloads))
	accepted := 0
	for _, payload := range payloads {
		ev, err := s.actions.IngestRaw(payload)
		if err != nil {
			results = append(results, ingestResult{Accepted: false, Error: err.Error()})
			continue
		}
		results = append(results, ingestResult{Accepted: true, ID: ev.ID})
		accepted++
	}

	status := http.StatusOK
	if accepted == 0 && len(results) > 0 {
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"results": results, "accepted": accepted})
}

// splitPayloads accepts either one JSON object or an array of them.
func splitPayloads(body []byte) ([]json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("empty body")
	}
	if strings.HasPrefix(trimmed, "[") {
		var batch []json.RawMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, errors.New("invalid JSON array")
		}
		return batch, nil
	}
	return []json.RawMessage{json.RawMessage(body)}, nil
}

func (s *Server) handleStream(c *gin.Context) {
	sub := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case <-s.ctx.Done():
			return false
		case u, ok := <-sub.Updates():
			if !ok {
				return false
			}
			c.SSEvent(string(u.Kind), u)
			return true
		}
	})
}
