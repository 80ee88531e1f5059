// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package syncer

import (
	"context"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/collector"
	"github.com/AleutianAI/StudyFlow/services/studyflow/collectorsrv"
	"github.com/AleutianAI/StudyFlow/services/studyflow/connectivity"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/eventlog"
	"github.com/AleutianAI/StudyFlow/services/studyflow/graph"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
	"github.com/AleutianAI/StudyFlow/services/studyflow/session"
	"github.com/AleutianAI/StudyFlow/services/studyflow/store"
	"github.com/AleutianAI/StudyFlow/services/studyflow/subqueue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const flowYAML = `
meta:
  id: flow
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
      - id: clip
        type: video_player
      - id: wrapup
        type: questionnaire
`

type env struct {
	g       *graph.Graph
	srv     *collectorsrv.Server
	client  *collector.Client
	st      *store.Log
	events  *eventlog.Log
	queue   *subqueue.Queue
	mon     *connectivity.Monitor
	machine *session.Machine
	coord   *Coordinator
}

// revisitYAML has two response stages after survey, so going back to
// survey discards one.
const revisitYAML = `
meta:
  id: revisit
phases:
  - id: main
    stages:
      - id: consent
        type: consent_form
      - id: survey
        type: questionnaire
      - id: opinion
        type: questionnaire
      - id: wrapup
        type: questionnaire
`

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvFor(t, flowYAML)
}

func newEnvFor(t *testing.T, yaml string) *env {
	t.Helper()
	d, err := graph.Parse([]byte(yaml))
	require.NoError(t, err)
	g, err := graph.Build(d)
	require.NoError(t, err)

	reg := collectorsrv.NewRegistry(logging.Discard())
	reg.Add(g)
	srv := collectorsrv.New(reg,
		collectorsrv.WithLogger(logging.Discard()),
		collectorsrv.WithSeedSource(func() int64 { return 5 }))
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	client := collector.New(hs.URL, collector.WithRateLimit(0, 0), collector.WithLogger(logging.Discard()))
	st, err := store.OpenInMemory(logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	mon := connectivity.NewMonitor(true, logging.Discard(), metrics)
	events := eventlog.New(st, client, mon,
		eventlog.WithLogger(logging.Discard()),
		eventlog.WithRetention(0))
	queue, err := subqueue.Open(context.Background(), st, mon,
		subqueue.WithLogger(logging.Discard()),
		subqueue.WithBackoff(time.Millisecond, 2*time.Millisecond),
		subqueue.WithRetention(0))
	require.NoError(t, err)

	m := session.New(g, st, events, queue, client,
		session.WithConnectivity(mon),
		session.WithLogger(logging.Discard()))
	coord := New(client, st, events, queue,
		WithMachine(m),
		WithMonitor(mon),
		WithMetrics(metrics),
		WithLogger(logging.Discard()))
	return &env{g: g, srv: srv, client: client, st: st, events: events, queue: queue, mon: mon, machine: m, coord: coord}
}

var answers = map[string]map[string]any{
	"consent": {"agree": true},
	"survey":  {"age": "40"},
	"clip":    {"watched": true},
	"opinion": {"rating": "4"},
	"wrapup":  {"comment": "done"},
}

func (e *env) submit(t *testing.T, stageID string) session.SubmitResult {
	t.Helper()
	res, err := e.machine.Submit(context.Background(), stageID, answers[stageID])
	require.NoError(t, err, "submit %s", stageID)
	return res
}

func (e *env) serverState(t *testing.T, id string) *datatypes.SessionStateResponse {
	t.Helper()
	st, err := e.client.State(context.Background(), id)
	require.NoError(t, err)
	return st
}

func TestSync_OnlineSessionLeavesNothingQueued(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)

	for _, id := range []string{"consent", "survey", "clip", "wrapup"} {
		res := e.submit(t, id)
		assert.False(t, res.Queued, id)
	}
	assert.Equal(t, datatypes.StatusCompleted, e.machine.State().Status)

	res, err := e.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Submissions.Delivered)
	assert.Zero(t, res.Events.Failed)

	pending, err := e.events.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.NotEmpty(t, e.srv.Events(state.SessionID))
}

func TestSync_FlushesEventsRecordedOffline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	before := len(e.srv.Events(state.SessionID))

	e.mon.Set(false)
	e.submit(t, "consent")
	pending, err := e.events.Pending(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, pending)
	e.mon.Set(true)

	res, err := e.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submissions.Delivered)
	assert.Zero(t, res.Events.Failed)
	left, err := e.events.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Len(t, e.srv.Events(state.SessionID), before+len(pending))
}

func TestSync_OfflineReplayMatchesOnlineRun(t *testing.T) {
	ctx := context.Background()

	online := newEnv(t)
	onState, err := online.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	for _, id := range []string{"consent", "survey", "clip", "wrapup"} {
		online.submit(t, id)
	}

	offline := newEnv(t)
	offState, err := offline.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	offline.mon.Set(false)
	for _, id := range []string{"consent", "survey", "clip", "wrapup"} {
		res := offline.submit(t, id)
		assert.True(t, res.Queued, id)
	}
	local := offline.machine.State()
	assert.Equal(t, datatypes.StatusActive, local.Status, "completion waits for the drain")
	assert.Nil(t, local.CurrentStage)
	assert.Equal(t, []string{"consent", "survey", "clip", "wrapup"}, local.CompletedStageIDs)

	res, err := offline.coord.OnLoad(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Submissions.Delivered, "offline load defers the drain")

	offline.mon.Set(true)
	res, err = offline.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Submissions.Delivered)
	assert.Empty(t, res.Submissions.Halted)

	assert.Equal(t, datatypes.StatusCompleted, offline.machine.State().Status)
	outstanding, err := offline.queue.Outstanding(ctx, offState.SessionID)
	require.NoError(t, err)
	assert.Empty(t, outstanding)

	want := online.serverState(t, onState.SessionID)
	got := offline.serverState(t, offState.SessionID)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.CompletedStageIDs, got.CompletedStageIDs)
	assert.Equal(t, want.Data, got.Data)
	assert.Equal(t, want.Progress, got.Progress)
}

func TestSync_ValidationFailureHaltsUntilRetry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)

	e.mon.Set(false)
	e.submit(t, "consent")
	_, err = e.machine.Submit(ctx, "survey", map[string]any{"age": "forty"})
	require.NoError(t, err)
	e.submit(t, "clip")
	e.mon.Set(true)

	res, err := e.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submissions.Delivered)
	assert.Equal(t, 2, res.Submissions.Attempts, "a validation rejection is not retried")
	require.NotEmpty(t, res.Submissions.Halted)

	items, err := e.queue.List(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, subqueue.StatusFailed, items[1].Status)
	assert.Equal(t, subqueue.StatusPending, items[2].Status, "later items wait behind the failure")

	res, err = e.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Zero(t, res.Submissions.Attempts, "a halted queue stays halted")

	res, err = e.coord.RetrySync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submissions.Attempts)
	assert.Equal(t, items[1].IdempotencyKey, res.Submissions.Halted)
	require.NotNil(t, e.machine.State().Failure, "the same data fails again")
}

func TestSync_FailedSubmissionBlocksUntilCorrected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)

	e.mon.Set(false)
	e.submit(t, "consent")
	_, err = e.machine.Submit(ctx, "survey", map[string]any{"age": "forty"})
	require.NoError(t, err)
	e.submit(t, "clip")
	require.Equal(t, "wrapup", e.machine.State().CurrentStageID())
	e.mon.Set(true)

	res, err := e.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	require.NotEmpty(t, res.Submissions.Halted)

	local := e.machine.State()
	require.NotNil(t, local.Failure)
	assert.Equal(t, "survey", local.Failure.StageID)
	assert.Contains(t, local.Failure.Error, "422")
	assert.Equal(t, "survey", local.CurrentStageID(), "the pointer returns to the refused stage")
	assert.NotContains(t, local.CompletedStageIDs, "survey")

	_, err = e.machine.Submit(ctx, "wrapup", answers["wrapup"])
	assert.ErrorIs(t, err, session.ErrSubmissionFailed)
	_, err = e.machine.Jump(ctx, "wrapup")
	assert.ErrorIs(t, err, session.ErrSubmissionFailed)

	fixed := e.submit(t, "survey")
	assert.True(t, fixed.Queued)
	assert.Nil(t, fixed.State.Failure)
	assert.Equal(t, "wrapup", fixed.State.CurrentStageID())

	res, err = e.coord.Sync(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Submissions.Delivered)
	assert.Empty(t, res.Submissions.Halted)

	srv := e.serverState(t, state.SessionID)
	assert.Equal(t, []string{"consent", "survey", "clip"}, srv.CompletedStageIDs)
	assert.Equal(t, "40", srv.Data["survey"]["age"])
	assert.Equal(t, "wrapup", e.machine.State().CurrentStageID())

	e.submit(t, "wrapup")
	assert.Equal(t, datatypes.StatusCompleted, e.machine.State().Status)
}

func TestSync_InvalidatedStagesStayDiscarded(t *testing.T) {
	e := newEnvFor(t, revisitYAML)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	e.submit(t, "consent")

	e.mon.Set(false)
	e.submit(t, "survey")
	e.submit(t, "opinion")
	require.Equal(t, "wrapup", e.machine.State().CurrentStageID())

	_, err = e.machine.Jump(ctx, "survey")
	require.ErrorIs(t, err, session.ErrConfirmationRequired)
	jumped, err := e.machine.ConfirmJumpWithInvalidation(ctx)
	require.NoError(t, err)
	assert.True(t, jumped.Queued)

	e.mon.Set(true)
	res, err := e.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Submissions.Delivered, "survey and the jump; opinion was superseded")
	assert.Empty(t, res.Submissions.Halted)

	local := e.machine.State()
	assert.Equal(t, "survey", local.CurrentStageID())
	assert.Equal(t, []string{"consent", "survey"}, local.CompletedStageIDs)
	assert.Empty(t, e.machine.SubmittedData("opinion"))

	srv := e.serverState(t, state.SessionID)
	assert.Equal(t, []string{"consent", "survey"}, srv.CompletedStageIDs)
	assert.NotContains(t, srv.Data, "opinion")
	require.NotNil(t, srv.CurrentStage)
	assert.Equal(t, "survey", srv.CurrentStage.ID)
}

func TestSync_OfflineJumpDiscardsDeliveredStage(t *testing.T) {
	e := newEnvFor(t, revisitYAML)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	for _, id := range []string{"consent", "survey", "opinion"} {
		assert.False(t, e.submit(t, id).Queued, id)
	}

	e.mon.Set(false)
	_, err = e.machine.Jump(ctx, "survey")
	require.ErrorIs(t, err, session.ErrConfirmationRequired)
	jumped, err := e.machine.ConfirmJumpWithInvalidation(ctx)
	require.NoError(t, err)
	require.True(t, jumped.Queued)
	assert.Contains(t, e.serverState(t, state.SessionID).Data, "opinion", "not yet discarded remotely")

	// Reload before the jump is delivered: the collector still reports
	// opinion but the queued jump discards it again.
	m := session.New(e.g, e.st, e.events, e.queue, e.client,
		session.WithConnectivity(e.mon),
		session.WithLogger(logging.Discard()))
	c := New(e.client, e.st, e.events, e.queue, WithMachine(m), WithMonitor(e.mon), WithLogger(logging.Discard()))
	e.mon.Set(true)

	resumed, err := c.ResumeSession(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "survey", resumed.CurrentStageID())
	assert.Equal(t, []string{"consent", "survey"}, resumed.CompletedStageIDs)

	srv := e.serverState(t, state.SessionID)
	assert.Equal(t, []string{"consent", "survey"}, srv.CompletedStageIDs)
	assert.NotContains(t, srv.Data, "opinion")

	outstanding, err := e.queue.Outstanding(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

type blockingCollector struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingCollector) Submit(ctx context.Context, _, _ string, req datatypes.SubmitStageRequest) (*datatypes.SubmitStageResponse, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &datatypes.SubmitStageResponse{NextStage: &datatypes.StageInfo{ID: req.StageID}}, nil
}

func (b *blockingCollector) Jump(_ context.Context, _, target string) (*datatypes.JumpResponse, error) {
	return &datatypes.JumpResponse{CurrentStage: &datatypes.StageInfo{ID: target}}, nil
}

func TestSync_ConcurrentCallsShareOneDrain(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenInMemory(logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	queue, err := subqueue.Open(ctx, st, nil, subqueue.WithLogger(logging.Discard()))
	require.NoError(t, err)
	events := eventlog.New(st, nil, nil, eventlog.WithLogger(logging.Discard()))

	sub, err := subqueue.NewSubmission("s1", "consent", map[string]any{"agree": true}, time.Now())
	require.NoError(t, err)
	_, _, err = queue.Enqueue(ctx, sub)
	require.NoError(t, err)

	b := &blockingCollector{entered: make(chan struct{}), release: make(chan struct{})}
	c := New(b, st, events, queue, WithLogger(logging.Discard()))

	var wg sync.WaitGroup
	results := make([]Result, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], _ = c.Sync(ctx, TriggerManual)
	}()
	<-b.entered
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Sync(ctx, TriggerQueued)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(b.release)
	wg.Wait()

	assert.Equal(t, int32(1), b.calls.Load())
	assert.Equal(t, 1, results[0].Submissions.Delivered)
	assert.Equal(t, TriggerManual, results[0].Trigger)
}

func TestRun_DrainsWhenConnectivityReturns(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.coord.Run(ctx) }()

	e.mon.Set(false)
	e.submit(t, "consent")
	e.submit(t, "survey")
	e.mon.Set(true)

	assert.Eventually(t, func() bool {
		outstanding, err := e.queue.Outstanding(context.Background(), state.SessionID)
		return err == nil && len(outstanding) == 0
	}, 3*time.Second, 20*time.Millisecond)

	srv := e.serverState(t, state.SessionID)
	assert.Equal(t, []string{"consent", "survey"}, srv.CompletedStageIDs)
	assert.Equal(t, "clip", e.machine.State().CurrentStageID())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestResumeSession_ReplaysAndDrains(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	state, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	e.mon.Set(false)
	e.submit(t, "consent")
	e.submit(t, "survey")

	// A fresh machine and coordinator over the same store, as after a reload.
	m := session.New(e.g, e.st, e.events, e.queue, e.client,
		session.WithConnectivity(e.mon),
		session.WithLogger(logging.Discard()))
	c := New(e.client, e.st, e.events, e.queue, WithMachine(m), WithMonitor(e.mon), WithLogger(logging.Discard()))
	e.mon.Set(true)

	resumed, err := c.ResumeSession(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, resumed.SessionID)
	assert.Equal(t, "clip", resumed.CurrentStageID())
	assert.Equal(t, []string{"consent", "survey"}, resumed.CompletedStageIDs)

	outstanding, err := e.queue.Outstanding(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestResumeSession_NoMachine(t *testing.T) {
	e := newEnv(t)
	c := New(e.client, e.st, e.events, e.queue, WithLogger(logging.Discard()))
	_, err := c.ResumeSession(context.Background(), "x")
	assert.Error(t, err)
}

func TestPrune_RemovesDeliveredWork(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, err := e.machine.Start(ctx, session.StartParams{})
	require.NoError(t, err)
	e.mon.Set(false)
	e.submit(t, "consent")
	e.mon.Set(true)

	_, err = e.coord.Sync(ctx, TriggerOnline)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	res, err := e.coord.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Submissions)
	assert.Positive(t, res.Events)

	items, err := e.queue.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestNotify_NeverBlocks(t *testing.T) {
	e := newEnv(t)
	for range 10 {
		e.coord.Notify()
	}
	assert.Len(t, e.coord.kick, 1)
}
