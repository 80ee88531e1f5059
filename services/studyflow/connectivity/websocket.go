// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// HeartbeatChecker checks the collector by sending one ping over its
// heartbeat socket and waiting for the pong.
type HeartbeatChecker struct {
	// URL is the ws:// or wss:// heartbeat endpoint.
	URL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with the handshake.
	Header http.Header
}

// Check dials, pings and waits for a pong. The connection is closed
// before returning.
func (p *HeartbeatChecker) Check(ctx context.Context) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, p.URL, p.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial heartbeat: %w", err)
	}
	defer ws.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.SetReadDeadline(deadline)
	}

	ping := datatypes.HeartbeatMessage{Type: "ping", Timestamp: time.Now().UnixMilli()}
	if err := ws.WriteJSON(ping); err != nil {
		return fmt.Errorf("send ping: %w", err)
	}
	var pong datatypes.HeartbeatMessage
	if err := ws.ReadJSON(&pong); err != nil {
		return fmt.Errorf("read pong: %w", err)
	}
	if pong.Type != "pong" {
		return fmt.Errorf("unexpected heartbeat message %q", pong.Type)
	}

	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context) error

// Check calls f.
func (f CheckerFunc) Check(ctx context.Context) error { return f(ctx) }
