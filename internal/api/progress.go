// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/discoveryhq/discovery/internal/broker"
)

const (
	progressPingInterval = 30 * time.Second
	progressPongWait     = 60 * time.Second
)

// ProgressHandler upgrades /ws/{execution_id} to a websocket and drains the
// broker's per-execution event channel into it (C7). Connections are
// read-only from the client's point of view: inbound frames are consumed
// only to detect disconnects and keep the pong handler alive.
type ProgressHandler struct {
	broker   *broker.Broker
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewProgressHandler builds a ProgressHandler over broker. A nil logger
// falls back to slog.Default.
func NewProgressHandler(b *broker.Broker, logger *slog.Logger) *ProgressHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProgressHandler{
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers this handler's route on mux.
func (h *ProgressHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/{execution_id}", h.handleWebSocket)
}

func (h *ProgressHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("progress: websocket upgrade failed", "error", err, "execution_id", executionID)
		return
	}

	ch, unsubscribe := h.broker.Subscribe(executionID)
	go h.readPump(conn, executionID)
	h.writePump(conn, ch, unsubscribe, executionID)
}

// readPump discards inbound client frames but keeps the connection's read
// deadline alive via the pong handler, and closes conn once the client
// disconnects so writePump's next send fails and unwinds.
func (h *ProgressHandler) readPump(conn *websocket.Conn, executionID string) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(progressPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(progressPongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *ProgressHandler) writePump(conn *websocket.Conn, ch <-chan []byte, unsubscribe func(), executionID string) {
	defer unsubscribe()
	defer conn.Close()

	ticker := time.NewTicker(progressPingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("progress: write failed, dropping connection", "error", err, "execution_id", executionID)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
				h.logger.Debug("progress: ping failed, dropping connection", "error", err, "execution_id", executionID)
				return
			}
		}
	}
}
