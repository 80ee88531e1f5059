// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collectorsrv is a reference collector: the server side of the
// participant client's REST and WebSocket protocol.
//
// # Description
//
// It keeps sessions in memory, resolves experiment graphs from a Registry
// with the same resolver the client uses, replays a cached response for a
// repeated Idempotency-Key, and deduplicates telemetry by event key. It is
// meant for local runs, demos and end-to-end tests, not as a production
// data store.
//
// # Thread Safety
//
// Server is safe for concurrent use. Requests for one session are
// serialized.
package collectorsrv

import (
	"log/slog"
	"math/rand/v2"
	"net/http"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

// Error codes returned in datatypes.ErrorResponse.
const (
	CodeBadRequest         = "BAD_REQUEST"
	CodeExperimentNotFound = "EXPERIMENT_NOT_FOUND"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeSessionNotActive   = "SESSION_NOT_ACTIVE"
	CodeUnknownStage       = "UNKNOWN_STAGE"
	CodeStageMismatch      = "STAGE_MISMATCH"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeJumpNotAllowed     = "JUMP_NOT_ALLOWED"
	CodeStageLocked        = "STAGE_LOCKED"
	CodeConfigError        = "CONFIG_ERROR"
	CodeQuotaFull          = "QUOTA_FULL"
)

// Server is the reference collector.
type Server struct {
	registry *Registry
	counter  graph.Counter
	resolver *graph.Resolver
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	service  string
	now      func() time.Time
	seed     func() int64

	mu       sync.Mutex
	sessions map[string]*record
	events   map[string]datatypes.LogEvent

	engine *gin.Engine
}

// record is the collector-side state of one session.
type record struct {
	mu sync.Mutex

	id           string
	experimentID string
	g            *graph.Graph
	status       datatypes.SessionStatus
	seed         int64
	assignments  map[string]string
	urlParams    map[string]string
	visible      []datatypes.StageInfo
	completed    []string
	current      string
	returnStage  string
	data         map[string]map[string]any
	responses    map[string]*datatypes.SubmitStageResponse
	createdAt    time.Time
	updatedAt    time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCounter sets the cross-participant counter used for balanced and
// rotating assignment. The default is process-local.
func WithCounter(c graph.Counter) Option { return func(s *Server) { s.counter = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithMetrics sets the Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithGatherer sets what GET /metrics serves. The default is the global
// Prometheus registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithServiceName sets the otelgin service name.
func WithServiceName(name string) Option { return func(s *Server) { s.service = name } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Server) { s.now = now } }

// WithSeedSource overrides how randomization seeds are drawn.
func WithSeedSource(f func() int64) Option { return func(s *Server) { s.seed = f } }

// New creates a Server serving the experiments in reg.
func New(reg *Registry, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		logger:   slog.Default(),
		gatherer: prometheus.DefaultGatherer,
		service:  "studyflow-collector",
		now:      time.Now,
		seed:     rand.Int64,
		sessions: make(map[string]*record),
		events:   make(map[string]datatypes.LogEvent),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With(slog.String("component", "collectorsrv"))
	if s.counter == nil {
		s.counter = graph.NewMemoryCounter()
	}
	s.resolver = graph.NewResolver(graph.WithCounter(s.counter), graph.WithLogger(s.logger))
	s.engine = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware(s.service))
	r.Use(requestID(), s.accessLog())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws/heartbeat", s.handleHeartbeat)

	sessions := r.Group("/sessions")
	{
		sessions.POST("/start", s.handleStart)
		sessions.POST("/:id/submit", s.handleSubmit)
		sessions.POST("/:id/jump", s.handleJump)
		sessions.POST("/:id/return", s.handleReturn)
		sessions.POST("/:id/abandon", s.handleAbandon)
		sessions.GET("/:id/state", s.handleState)
	}
	r.POST("/logs/batch", s.handleLogBatch)
	return r
}

// =============================================================================
// Middleware
// =============================================================================

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(collector.HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(collector.HeaderRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.metrics.HTTPRequest("server", route, status)
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", c.GetString("request_id")))
	}
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: msg, Code: code})
}

// =============================================================================
// Session records
// =============================================================================

// lookup returns the record of the :id path parameter, locked, or writes a
// 404 and returns nil.
func (s *Server) lookup(c *gin.Context) *record {
	id := c.Param("id")
	s.mu.Lock()
	rec, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		fail(c, http.StatusNotFound, CodeSessionNotFound, "session not found: "+id)
		return nil
	}
	rec.mu.Lock()
	return rec
}

func (r *record) completedSet() map[string]bool {
	set := make(map[string]bool, len(r.completed))
	for _, id := range r.completed {
		set[id] = true
	}
	return set
}

func (r *record) stage(id string) *datatypes.StageInfo {
	if i := graph.IndexOf(r.visible, id); i >= 0 {
		st := r.visible[i]
		return &st
	}
	return nil
}

func (r *record) locks() datatypes.LockedItems {
	return r.g.LockedItems(r.visible, r.completedSet())
}

func (r *record) progress() datatypes.Progress {
	return graph.Progress(r.visible, r.completedSet())
}

// quotaFallback returns the visible fallback stage of stageID's quota.
func (r *record) quotaFallback(stageID string) *datatypes.StageInfo {
	n, ok := r.g.Node(stageID)
	if !ok || n.Quota == nil || n.Quota.FallbackStage == "" {
		return nil
	}
	return r.stage(n.Quota.FallbackStage)
}

func (r *record) purge(ids []string) {
	for _, id := range ids {
		delete(r.data, id)
	}
	r.completed = slices.DeleteFunc(r.completed, func(id string) bool { return slices.Contains(ids, id) })
}

// Events returns the stored telemetry of sessionID in timestamp order.
func (s *Server) Events(sessionID string) []datatypes.LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datatypes.LogEvent
	for _, ev := range s.events {
		if ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].IdempotencyKey < out[j].IdempotencyKey
	})
	return out
}

// SessionCount returns the number of sessions started.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
