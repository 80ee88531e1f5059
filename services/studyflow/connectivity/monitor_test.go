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
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/StudyFlow/pkg/logging"
	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

func TestMonitor_SetNotifiesOnChange(t *testing.T) {
	m := NewMonitor(false, logging.Discard(), nil)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	select {
	case <-ch:
		t.Fatal("no transition expected")
	default:
	}

	m.Set(true)
	assert.True(t, <-ch)
	assert.True(t, m.Online())

	// An unread transition is replaced by the latest state.
	m.Set(false)
	m.Set(true)
	m.Set(false)
	assert.False(t, <-ch)
}

func TestMonitor_CancelClosesChannel(t *testing.T) {
	m := NewMonitor(true, logging.Discard(), nil)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	m.Set(false)
}

func TestMonitor_RunUsesChecker(t *testing.T) {
	m := NewMonitor(false, logging.Discard(), nil)
	var up atomic.Bool
	up.Store(true)
	p := CheckerFunc(func(context.Context) error {
		if up.Load() {
			return nil
		}
		return errors.New("unreachable")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, p, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, m.Online, time.Second, 5*time.Millisecond)
	up.Store(false)
	require.Eventually(t, func() bool { return !m.Online() }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func heartbeatServer(t *testing.T, reply string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		var msg datatypes.HeartbeatMessage
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		_ = ws.WriteJSON(datatypes.HeartbeatMessage{Type: reply, Timestamp: msg.Timestamp})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHeartbeatChecker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok := heartbeatServer(t, "pong")
	p := &HeartbeatChecker{URL: "ws" + strings.TrimPrefix(ok.URL, "http")}
	assert.NoError(t, p.Check(ctx))

	bad := heartbeatServer(t, "nope")
	p = &HeartbeatChecker{URL: "ws" + strings.TrimPrefix(bad.URL, "http")}
	assert.ErrorContains(t, p.Check(ctx), "unexpected heartbeat")

	p = &HeartbeatChecker{URL: "ws://127.0.0.1:1/ws/heartbeat"}
	assert.Error(t, p.Check(ctx))
}
