// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collectorsrv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/connectivity"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const demoYAML = `
meta:
  id: demo
phases:
  - id: intro
    allow_jump_to_completed: false
    stages:
      - id: consent
        type: consent_form
  - id: main
    stages:
      - id: survey
        type: questionnaire
        config:
          questions:
            - id: age
              validation: "[0-9]+"
              validation_message: digits only
            - id: comment
              required: false
      - id: clip
        type: video_player
      - id: choice
        type: multiple_choice
      - id: glossary
        type: content_display
        reference: true
      - id: wrapup
        type: questionnaire
`

func demoGraph(t *testing.T) *graph.Graph {
	t.Helper()
	d, err := graph.Parse([]byte(demoYAML))
	require.NoError(t, err)
	g, err := graph.Build(d)
	require.NoError(t, err)
	return g
}

type fixture struct {
	srv    *Server
	http   *httptest.Server
	client *collector.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := NewRegistry(logging.Discard())
	reg.Add(demoGraph(t))
	promReg := prometheus.NewRegistry()
	srv := New(reg,
		WithLogger(logging.Discard()),
		WithMetrics(observability.NewMetrics(promReg)),
		WithGatherer(promReg),
		WithSeedSource(func() int64 { return 42 }))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return &fixture{
		srv:    srv,
		http:   hs,
		client: collector.New(hs.URL, collector.WithRateLimit(0, 0), collector.WithLogger(logging.Discard())),
	}
}

func (f *fixture) start(t *testing.T) *datatypes.StartSessionResponse {
	t.Helper()
	resp, err := f.client.StartSession(context.Background(), datatypes.StartSessionRequest{ExperimentID: "demo"})
	require.NoError(t, err)
	return resp
}

func (f *fixture) submit(t *testing.T, id, stage, key string, data map[string]any) *datatypes.SubmitStageResponse {
	t.Helper()
	resp, err := f.client.Submit(context.Background(), id, key, datatypes.SubmitStageRequest{StageID: stage, Data: data})
	require.NoError(t, err, "submit %s", stage)
	return resp
}

func TestRoutesRegistered(t *testing.T) {
	f := newFixture(t)
	want := []struct{ method, path string }{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/ws/heartbeat"},
		{"POST", "/sessions/start"},
		{"POST", "/sessions/:id/submit"},
		{"POST", "/sessions/:id/jump"},
		{"POST", "/sessions/:id/return"},
		{"POST", "/sessions/:id/abandon"},
		{"GET", "/sessions/:id/state"},
		{"POST", "/logs/batch"},
	}
	routes := f.srv.engine.Routes()
	for _, w := range want {
		found := false
		for _, r := range routes {
			if r.Method == w.method && r.Path == w.path {
				found = true
				break
			}
		}
		assert.True(t, found, "%s %s", w.method, w.path)
	}
}

func TestStart_UnknownExperiment(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.StartSession(context.Background(), datatypes.StartSessionRequest{ExperimentID: "nope"})
	var apiErr *collector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, CodeExperimentNotFound, apiErr.Code)
}

func TestSubmit_AdvancesAndCompletes(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	require.NotNil(t, start.CurrentStage)
	assert.Equal(t, "consent", start.CurrentStage.ID)
	assert.Equal(t, int64(42), start.RandomizationSeed)
	assert.Len(t, start.VisibleStages, 6)

	resp := f.submit(t, start.SessionID, "consent", "k1", map[string]any{"agree": true})
	require.NotNil(t, resp.NextStage)
	assert.Equal(t, "survey", resp.NextStage.ID)
	assert.Equal(t, []string{"intro"}, resp.LockedItems.Phases)
	assert.Equal(t, datatypes.Progress{Current: 1, Total: 6, Percentage: 16.7}, resp.Progress)

	f.submit(t, start.SessionID, "survey", "k2", map[string]any{"age": "31"})
	f.submit(t, start.SessionID, "clip", "k3", nil)
	f.submit(t, start.SessionID, "choice", "k4", map[string]any{"pick": "b"})
	f.submit(t, start.SessionID, "glossary", "k5", nil)
	last := f.submit(t, start.SessionID, "wrapup", "k6", map[string]any{})
	assert.True(t, last.IsComplete)
	assert.Nil(t, last.NextStage)

	state, err := f.client.State(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusCompleted, state.Status)
	assert.Nil(t, state.CurrentStage)
	assert.Equal(t, "31", state.Data["survey"]["age"])
}

func TestSubmit_IdempotencyKeyReplaysFirstResponse(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	first := f.submit(t, start.SessionID, "consent", "same-key", map[string]any{"agree": true})
	again := f.submit(t, start.SessionID, "consent", "same-key", map[string]any{"agree": true})
	assert.Equal(t, first, again)

	state, err := f.client.State(context.Background(), start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"consent"}, state.CompletedStageIDs)
	assert.Equal(t, "survey", state.CurrentStage.ID)
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	ctx := context.Background()

	_, err := f.client.Submit(ctx, start.SessionID, "k", datatypes.SubmitStageRequest{StageID: "choice"})
	var apiErr *collector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeStageMismatch, apiErr.Code)
	assert.True(t, collector.IsValidation(err))

	f.submit(t, start.SessionID, "consent", "k0", map[string]any{"agree": true})
	_, err = f.client.Submit(ctx, start.SessionID, "k1", datatypes.SubmitStageRequest{StageID: "survey", Data: map[string]any{}})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Message, "Required field missing: age")
	assert.True(t, collector.IsValidation(err))
	assert.False(t, collector.IsNetwork(err))

	_, err = f.client.Submit(ctx, start.SessionID, "k2", datatypes.SubmitStageRequest{StageID: "survey", Data: map[string]any{"age": "old"}})
	require.ErrorAs(t, err, &apiErr)
	assert.Contains(t, apiErr.Message, "digits only")

	_, err = f.client.Submit(ctx, "missing", "k3", datatypes.SubmitStageRequest{StageID: "consent"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestJump_InvalidatesLaterResponses(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	ctx := context.Background()
	id := start.SessionID
	f.submit(t, id, "consent", "a", map[string]any{"agree": true})
	f.submit(t, id, "survey", "b", map[string]any{"age": "20"})
	f.submit(t, id, "clip", "c", nil)
	f.submit(t, id, "choice", "d", map[string]any{"pick": "a"})

	_, err := f.client.Jump(ctx, id, "consent")
	var apiErr *collector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeStageLocked, apiErr.Code)

	_, err = f.client.Jump(ctx, id, "wrapup")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeJumpNotAllowed, apiErr.Code)

	resp, err := f.client.Jump(ctx, id, "survey")
	require.NoError(t, err)
	assert.Equal(t, []string{"choice"}, resp.InvalidatedStages)
	assert.Equal(t, "glossary", resp.ReturnStageID)

	state, err := f.client.State(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survey", state.CurrentStage.ID)
	assert.Equal(t, []string{"consent", "survey", "clip"}, state.CompletedStageIDs)
	assert.NotContains(t, state.Data, "choice")
}

func TestReferenceJumpAndReturn(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	ctx := context.Background()
	id := start.SessionID
	f.submit(t, id, "consent", "a", map[string]any{"agree": true})

	resp, err := f.client.Jump(ctx, id, "glossary")
	require.NoError(t, err)
	assert.True(t, resp.IsReference)
	assert.Equal(t, "survey", resp.ReturnStageID)

	back, err := f.client.Return(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, back.CurrentStage)
	assert.Equal(t, "survey", back.CurrentStage.ID)

	// A second return is a no-op.
	back, err = f.client.Return(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "survey", back.CurrentStage.ID)
}

func TestAbandon(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	ctx := context.Background()
	require.NoError(t, f.client.Abandon(ctx, start.SessionID))

	state, err := f.client.State(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatusAbandoned, state.Status)

	assert.Error(t, f.client.Abandon(ctx, start.SessionID))
	_, err = f.client.Submit(ctx, start.SessionID, "k", datatypes.SubmitStageRequest{StageID: "consent"})
	var apiErr *collector.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeSessionNotActive, apiErr.Code)
}

func TestLogBatch_DedupesByKey(t *testing.T) {
	f := newFixture(t)
	start := f.start(t)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	batch := datatypes.LogBatchRequest{
		SessionID: start.SessionID,
		Events: []datatypes.LogEvent{
			{IdempotencyKey: "e1", EventType: "stage_view", StageID: "consent", Timestamp: at},
			{IdempotencyKey: "e2", EventType: "field_change", StageID: "consent", Timestamp: at.Add(time.Second)},
			{IdempotencyKey: "e3", SessionID: "other", EventType: "custom", Timestamp: at},
		},
	}
	resp, err := f.client.SendEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, datatypes.LogBatchResponse{Accepted: 2, Failed: 1}, *resp)

	resp, err = f.client.SendEvents(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, datatypes.LogBatchResponse{Duplicates: 2, Failed: 1}, *resp)

	events := f.srv.Events(start.SessionID)
	require.Len(t, events, 2)
	assert.Equal(t, "e1", events[0].IdempotencyKey)

	_, err = f.client.SendEvents(ctx, datatypes.LogBatchRequest{SessionID: "missing"})
	assert.True(t, collector.IsValidation(err))
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	p := &connectivity.HeartbeatChecker{URL: "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws/heartbeat"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, p.Check(ctx))
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"demo"`)

	rec = httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "studyflow_http_requests_total")
}
