// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server is the HTTP front end of dbtforge.
//
// It exposes the tool registry to conversational front ends and scripts:
//
//	GET  /health           liveness and tool count
//	GET  /metrics          Prometheus metrics
//	GET  /v1/tools         tool descriptors with JSON schemas
//	POST /v1/tools/:name   call one tool with a JSON object body
//	POST /v1/pipeline      run the whole workflow without confirmation gates
//
// Tool calls always answer 200 with the tool's result map once parameters
// are accepted; a FAILED or ERROR result is a normal outcome, not an HTTP
// error.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/dbtforge/pkg/telemetry"
	"github.com/AleutianAI/dbtforge/services/tools"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

// ServiceName names the server in traces.
const ServiceName = "dbtforge-server"

// Runner runs a workflow. *workflow.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, wctx *workflow.Context) (*workflow.Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithRunner enables POST /v1/pipeline.
func WithRunner(r Runner) Option {
	return func(s *Server) { s.runner = r }
}

// WithMetrics records tool and pipeline metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithAuthToken requires a bearer token on /v1 routes.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server serves the tool registry over HTTP.
//
// Thread Safety: Safe for concurrent use.
type Server struct {
	tools          *tools.Registry
	runner         Runner
	metrics        *Metrics
	metricsHandler http.Handler
	token          string
	logger         *slog.Logger
}

// New creates a server over a tool registry.
func New(registry *tools.Registry, opts ...Option) *Server {
	s := &Server{tools: registry, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if s.metricsHandler == nil {
		s.metricsHandler = telemetry.MetricsHandler()
	}
	if s.metricsHandler == nil {
		s.metricsHandler = promhttp.Handler()
	}
	return s
}

// Router builds the gin engine with recovery and tracing middleware.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(ServiceName))
	s.SetupRoutes(router)
	return router
}

// SetupRoutes registers the routes on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.metricsHandler))

	v1 := router.Group("/v1")
	v1.Use(TokenAuth(s.token))
	{
		v1.GET("/tools", s.handleListTools)
		v1.POST("/tools/:name", s.handleCallTool)
		v1.POST("/pipeline", s.handlePipeline)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"tools":    len(s.tools.Names()),
		"pipeline": s.runner != nil,
	})
}

func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.List()})
}

func (s *Server) handleCallTool(c *gin.Context) {
	name := c.Param("name")
	if _, ok := s.tools.Get(name); !ok {
		s.metrics.RecordToolCall("unknown", "unknown", 0)
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool: " + name})
		return
	}

	// An empty body is an empty argument object.
	var params map[string]any
	if err := json.NewDecoder(c.Request.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		s.metrics.RecordToolCall(name, "invalid", 0)
		c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be a JSON object: " + err.Error()})
		return
	}

	start := time.Now()
	res, err := s.tools.Call(c.Request.Context(), name, params)
	elapsed := time.Since(start)
	if err != nil {
		var ve *tools.ValidationError
		switch {
		case errors.As(err, &ve):
			s.metrics.RecordToolCall(name, "invalid", elapsed)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "validation": ve})
		case errors.Is(err, tools.ErrInvalidParams):
			s.metrics.RecordToolCall(name, "invalid", elapsed)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, context.DeadlineExceeded):
			s.metrics.RecordToolCall(name, "error", elapsed)
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
		default:
			s.metrics.RecordToolCall(name, "error", elapsed)
			s.logger.Error("Tool call failed",
				slog.String("tool", name),
				slog.String("user", User(c)),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	s.metrics.RecordToolCall(name, res.Status(), elapsed)
	c.JSON(http.StatusOK, res)
}

// pipelineRequest is the body of POST /v1/pipeline.
type pipelineRequest struct {
	Project     string `json:"project"`
	MappingPath string `json:"mapping_path" binding:"required"`
	ModelName   string `json:"model_name"`
	ProfileName string `json:"profile_name"`
	GCPProject  string `json:"gcp_project" binding:"required"`
	Dataset     string `json:"dataset" binding:"required"`
	Location    string `json:"location"`
	Keyfile     string `json:"keyfile"`
}

func (s *Server) handlePipeline(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline is not configured"})
		return
	}
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wctx := &workflow.Context{
		Project:     req.Project,
		User:        User(c),
		MappingPath: req.MappingPath,
		ModelName:   req.ModelName,
		ProfileName: req.ProfileName,
		GCPProject:  req.GCPProject,
		Dataset:     req.Dataset,
		Location:    req.Location,
		Keyfile:     req.Keyfile,
	}

	s.metrics.pipelineStarted()
	res, err := s.runner.Run(c.Request.Context(), wctx)
	s.metrics.pipelineDone()

	switch {
	case errors.Is(err, workflow.ErrInvalidContext):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil && res == nil:
		s.metrics.RecordPipeline("error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	status := "success"
	if !res.Success {
		status = "failure"
	}
	s.metrics.RecordPipeline(status)
	body := gin.H{"result": res}
	if err != nil {
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}
