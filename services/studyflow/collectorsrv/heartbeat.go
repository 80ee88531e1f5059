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
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/StudyFlow/services/studyflow/datatypes"
)

// heartbeatIdle closes a heartbeat socket that stays silent this long.
const heartbeatIdle = 60 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleHeartbeat answers every {"type":"ping"} with a pong until the
// client closes the socket.
func (s *Server) handleHeartbeat(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("heartbeat upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	for {
		_ = ws.SetReadDeadline(time.Now().Add(heartbeatIdle))
		var msg datatypes.HeartbeatMessage
		if err := ws.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				s.logger.Debug("heartbeat read ended", slog.String("error", err.Error()))
			}
			return
		}
		if msg.Type != "ping" {
			continue
		}
		pong := datatypes.HeartbeatMessage{Type: "pong", Timestamp: s.now().UnixMilli()}
		if err := ws.WriteJSON(pong); err != nil {
			s.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
			return
		}
	}
}
