// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The feed is read-only telemetry; origin checks belong to the
	// reverse proxy in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	streamBuffer  = 256
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// handleStream upgrades to a websocket and pushes every appended record
// as a JSON message until the client disconnects. Slow clients miss
// records rather than stalling the store's append path.
func (s *Server) handleStream(c *gin.Context) {
	sub, ok := s.backend.(Subscriber)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "live feed not supported by this storage backend"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	records, cancel := sub.Subscribe(streamBuffer)
	defer cancel()

	s.metrics.ActiveStreams.Inc()
	defer s.metrics.ActiveStreams.Dec()
	s.log.Info("record stream opened", "remote", conn.RemoteAddr().String())

	// Reader goroutine: drains client frames and surfaces disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case rec, ok := <-records:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(rec); err != nil {
				return
			}
		}
	}
}
