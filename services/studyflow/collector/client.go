// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collector is the participant-side client of the collector REST
// API.
package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
	"github.com/AleutianAI/StudyFlow/services/studyflow/observability"
)

const (
	// DefaultTimeout bounds one request.
	DefaultTimeout = 15 * time.Second

	// DefaultRate is the steady request rate allowed to one collector.
	DefaultRate = rate.Limit(20)

	// DefaultBurst is the limiter burst.
	DefaultBurst = 10

	// HeaderIdempotencyKey carries the submission key on submit.
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderRequestID carries a per-request id for log correlation.
	HeaderRequestID = "X-Request-ID"

	maxErrorBody = 64 << 10
)

var json = sonic.ConfigStd

// Client calls the collector.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithRateLimit sets the request limiter. A zero limit disables it.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(c *Client) {
		if r == 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(r, burst)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithMetrics sets the metric set.
func WithMetrics(m *observability.Metrics) Option { return func(c *Client) { c.metrics = m } }

// New creates a Client for the collector at baseURL.
//
// # Example
//
//	c := collector.New("http://localhost:8090", collector.WithLogger(logger))
//	resp, err := c.StartSession(ctx, datatypes.StartSessionRequest{ExperimentID: "exp-1"})
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(DefaultRate, DefaultBurst),
		tracer:     otel.Tracer("studyflow/collector"),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With(slog.String("component", "collector"))
	return c
}

// StartSession calls POST /sessions/start.
func (c *Client) StartSession(ctx context.Context, req datatypes.StartSessionRequest) (*datatypes.StartSessionResponse, error) {
	var out datatypes.StartSessionResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/start", "/sessions/start", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit calls POST /sessions/{id}/submit. key is sent both as the
// Idempotency-Key header and in the body.
func (c *Client) Submit(ctx context.Context, sessionID, key string, req datatypes.SubmitStageRequest) (*datatypes.SubmitStageResponse, error) {
	req.IdempotencyKey = key
	var out datatypes.SubmitStageResponse
	h := http.Header{}
	if key != "" {
		h.Set(HeaderIdempotencyKey, key)
	}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "submit"), "/sessions/:id/submit", h, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Jump calls POST /sessions/{id}/jump.
func (c *Client) Jump(ctx context.Context, sessionID, target string) (*datatypes.JumpResponse, error) {
	var out datatypes.JumpResponse
	req := datatypes.JumpRequest{TargetStageID: target}
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "jump"), "/sessions/:id/jump", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Return calls POST /sessions/{id}/return.
func (c *Client) Return(ctx context.Context, sessionID string) (*datatypes.JumpResponse, error) {
	var out datatypes.JumpResponse
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "return"), "/sessions/:id/return", nil, struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Abandon calls POST /sessions/{id}/abandon.
func (c *Client) Abandon(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, sessionPath(sessionID, "abandon"), "/sessions/:id/abandon", nil, struct{}{}, nil)
}

// State calls GET /sessions/{id}/state.
func (c *Client) State(ctx context.Context, sessionID string) (*datatypes.SessionStateResponse, error) {
	var out datatypes.SessionStateResponse
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "state"), "/sessions/:id/state", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendEvents calls POST /logs/batch.
func (c *Client) SendEvents(ctx context.Context, batch datatypes.LogBatchRequest) (*datatypes.LogBatchResponse, error) {
	var out datatypes.LogBatchResponse
	if err := c.do(ctx, http.MethodPost, "/logs/batch", "/logs/batch", nil, batch, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(sessionID, action string) string {
	return "/sessions/" + url.PathEscape(sessionID) + "/" + action
}

// do sends one JSON request and decodes a 2xx body into out.
//
// # Outputs
//
//   - error: *APIError for non-2xx responses, an error wrapping
//     ErrNetwork for transport failures, or ctx errors.
func (c *Client) do(ctx context.Context, method, path, route string, header http.Header, body, out any) (err error) {
	ctx, span := c.tracer.Start(ctx, "collector "+method+" "+route,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", method),
			attribute.String("http.route", route),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", route, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.HTTPRequest("client", route, 0)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %v", ErrNetwork, method, route, err)
	}
	defer resp.Body.Close()

	c.metrics.HTTPRequest("client", route, resp.StatusCode)
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read %s response: %v", ErrNetwork, route, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", route, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	var body datatypes.ErrorResponse
	if err := json.Unmarshal(data, &body); err == nil && (body.Error != "" || body.Code != "") {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
