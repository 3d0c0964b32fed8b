// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dbtforge/services/tools"
	"github.com/AleutianAI/dbtforge/services/workflow"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// FAKES
// =============================================================================

type stubTool struct {
	name   string
	result tools.Result
	err    error
	got    map[string]any
}

func (s *stubTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        s.name,
		Description: "stub",
		Parameters: map[string]tools.ParamDef{
			"project": {Type: tools.ParamTypeString, Required: true},
		},
	}
}

func (s *stubTool) Execute(_ context.Context, params map[string]any) (tools.Result, error) {
	s.got = params
	return s.result, s.err
}

type stubRunner struct {
	res  *workflow.Result
	err  error
	wctx *workflow.Context
}

func (s *stubRunner) Run(_ context.Context, wctx *workflow.Context) (*workflow.Result, error) {
	s.wctx = wctx
	if err := wctx.Prepare(); err != nil {
		return nil, err
	}
	return s.res, s.err
}

type fixture struct {
	router  *gin.Engine
	reg     *prometheus.Registry
	metrics *Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(&stubTool{
		name:   "generate_model",
		result: tools.Result{tools.KeyResult: tools.ResultSuccess, tools.KeyMessage: "ok"},
	}))
	require.NoError(t, registry.Register(&stubTool{
		name: "run_dbt",
		err:  errors.New("boom"),
	}))

	promReg := prometheus.NewRegistry()
	m := NewMetrics(promReg)
	opts = append([]Option{
		WithMetrics(m),
		WithMetricsHandler(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
	}, opts...)
	return &fixture{router: New(registry, opts...).Router(), reg: promReg, metrics: m}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// =============================================================================
// ROUTES
// =============================================================================

func TestSetupRoutes(t *testing.T) {
	f := newFixture(t)
	want := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/v1/tools"},
		{"POST", "/v1/tools/:name"},
		{"POST", "/v1/pipeline"},
	}
	routes := f.router.Routes()
	for _, w := range want {
		found := false
		for _, r := range routes {
			if r.Method == w.method && r.Path == w.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", w.method, w.path)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["tools"])
	assert.Equal(t, false, body["pipeline"])
}

func TestListTools(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "GET", "/v1/tools", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Tools []tools.Descriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Tools, 2)
	assert.Equal(t, "generate_model", body.Tools[0].Name)
	assert.Equal(t, "object", body.Tools[0].InputSchema["type"])
	assert.Equal(t, []any{"project"}, body.Tools[0].InputSchema["required"])
}

// =============================================================================
// TOOL CALLS
// =============================================================================

func TestCallTool(t *testing.T) {
	tests := []struct {
		name       string
		tool       string
		body       string
		wantCode   int
		wantResult string
		wantLabel  string
	}{
		{"success", "generate_model", `{"project":"orders"}`, http.StatusOK, tools.ResultSuccess, tools.ResultSuccess},
		{"missing param", "generate_model", ``, http.StatusBadRequest, "", "invalid"},
		{"wrong type", "generate_model", `{"project":3}`, http.StatusBadRequest, "", "invalid"},
		{"malformed body", "generate_model", `{"project":`, http.StatusBadRequest, "", "invalid"},
		{"execution error", "run_dbt", `{"project":"orders"}`, http.StatusInternalServerError, "", "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.do(t, "POST", "/v1/tools/"+tt.tool, tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())

			body := decodeBody(t, w)
			if tt.wantResult != "" {
				assert.Equal(t, tt.wantResult, body[tools.KeyResult])
			} else {
				assert.NotEmpty(t, body["error"])
			}
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ToolCallsTotal.WithLabelValues(tt.tool, tt.wantLabel)))
		})
	}
}

func TestCallTool_ValidationDetail(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/v1/tools/generate_model", `{"project":"orders","extra":1}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	detail, ok := body["validation"].(map[string]any)
	require.True(t, ok, w.Body.String())
	assert.Equal(t, "extra", detail["parameter"])
}

func TestCallTool_Unknown(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/v1/tools/nope", `{}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.ToolCallsTotal.WithLabelValues("unknown", "unknown")))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, "POST", "/v1/tools/generate_model", `{"project":"orders"}`)

	w := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `dbtforge_server_tool_calls_total{result="SUCCESS",tool="generate_model"} 1`)
	assert.Contains(t, w.Body.String(), "dbtforge_server_tool_call_duration_seconds")
}

// =============================================================================
// AUTH
// =============================================================================

func TestTokenAuth(t *testing.T) {
	tests := []struct {
		name     string
		headers  []string
		wantCode int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong token", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"wrong scheme", []string{"Authorization", "Basic s3cret"}, http.StatusUnauthorized},
		{"valid", []string{"Authorization", "Bearer s3cret"}, http.StatusOK},
		{"case-insensitive scheme", []string{"Authorization", "bearer s3cret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, WithAuthToken("s3cret"))
			w := f.do(t, "GET", "/v1/tools", "", tt.headers...)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}

	t.Run("health is open", func(t *testing.T) {
		f := newFixture(t, WithAuthToken("s3cret"))
		assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health", "").Code)
	})
}

// =============================================================================
// PIPELINE
// =============================================================================

const pipelineBody = `{"mapping_path":"uploads/abc-orders.csv","gcp_project":"p","dataset":"d"}`

func TestPipeline_NotConfigured(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, "POST", "/v1/pipeline", pipelineBody)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPipeline(t *testing.T) {
	runner := &stubRunner{res: &workflow.Result{Project: "orders", Success: true}}
	f := newFixture(t, WithRunner(runner))

	w := f.do(t, "POST", "/v1/pipeline", pipelineBody, userHeader, "ana")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "ana", runner.wctx.User)
	assert.Equal(t, "orders", runner.wctx.Project)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ActivePipelines))
}

func TestPipeline_FailedRun(t *testing.T) {
	runner := &stubRunner{res: &workflow.Result{Project: "orders", FailedPhase: workflow.PhaseBuild}}
	f := newFixture(t, WithRunner(runner))

	w := f.do(t, "POST", "/v1/pipeline", pipelineBody)
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeBody(t, w)["result"].(map[string]any)
	assert.Equal(t, false, result["success"])
	assert.Equal(t, string(workflow.PhaseBuild), result["failed_phase"])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.PipelineRunsTotal.WithLabelValues("failure")))
}

func TestPipeline_BadRequests(t *testing.T) {
	runner := &stubRunner{res: &workflow.Result{}}
	f := newFixture(t, WithRunner(runner))

	tests := []struct {
		name string
		body string
	}{
		{"missing dataset", `{"mapping_path":"uploads/a.csv","gcp_project":"p"}`},
		{"malformed", `{"mapping_path":`},
		{"unusable project", fmt.Sprintf(`{"mapping_path":"uploads/a.csv","project":%q,"gcp_project":"p","dataset":"d"}`, "!!!")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, "POST", "/v1/pipeline", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}
