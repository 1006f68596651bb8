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

package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// pingInterval and pongWait set up the same keepalive rhythm as the
// teacher's internal/rpc.Server.handleConnection: a server-initiated
// WebSocket control ping, half as often as the read deadline it resets.
const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
)

// ServerConfig configures Server.
type ServerConfig struct {
	// Path is the HTTP path the WebSocket endpoint is served on. Default
	// "/operator" (spec.md 6.1).
	Path string

	Logger *slog.Logger
}

// Server upgrades HTTP requests on Path to WebSocket connections, one per
// operator session, and drives each through Processor.Dispatch.
// Grounded on the teacher's internal/rpc.Server: a bare net/http.Server
// plus gorilla/websocket.Upgrader, one goroutine per accepted connection,
// a ping ticker for liveness. Unlike the teacher's server this one has no
// port-scan/auth-token layer of its own — spec.md 4.J's session core is a
// separate concern that a caller wires in front of this handler (e.g. as
// an http.Handler wrapper) rather than something the processor embeds.
type Server struct {
	path      string
	logger    *slog.Logger
	registry  *Registry
	processor *Processor
	upgrader  websocket.Upgrader
}

// NewServer constructs a Server. registry tracks live connections;
// processor dispatches their messages.
func NewServer(cfg ServerConfig, registry *Registry, processor *Processor) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	path := cfg.Path
	if path == "" {
		path = "/operator"
	}
	return &Server{
		path:      path,
		logger:    logger,
		registry:  registry,
		processor: processor,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns an http.Handler serving the WebSocket endpoint at
// s.path. A caller mounts it on its own mux alongside any HTTP/GraphQL
// routes (spec.md's out-of-scope HTTP layer).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	return mux
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("mcp: websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	conn := &Connection{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		conn:        wsConn,
	}
	conn.Thread = conn.ID // default routing: connection id doubles as workflow thread (spec.md 4.I Connection lifecycle)

	s.onOpen(conn)
	go s.readLoop(conn)
}

// onOpen registers conn and sends the notification ping spec.md 4.I
// requires on connection open.
func (s *Server) onOpen(conn *Connection) {
	s.registry.Register(conn)
	s.logger.Info("mcp: connection opened", "connection_id", conn.ID, "remote", conn.conn.RemoteAddr())
	if err := conn.Send(newNotification("ping", nil)); err != nil {
		s.logger.Warn("mcp: failed to send opening ping", "connection_id", conn.ID, "error", err)
	}
}

// readLoop owns conn's full lifecycle after onOpen: it reads messages
// sequentially (spec.md §5 "messages from a single connection are
// processed sequentially in arrival order"), dispatches each through
// onMessage, and deregisters on close or error.
func (s *Server) readLoop(conn *Connection) {
	defer s.onClose(conn)

	conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		conn.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg Message
			if err := conn.conn.ReadJSON(&msg); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("mcp: connection error", "connection_id", conn.ID, "error", err)
				}
				return
			}
			s.onMessage(conn, &msg)
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// onMessage dispatches msg through the processor and sends every message
// in the resulting batch, in order (spec.md 4.I onMessage).
func (s *Server) onMessage(conn *Connection, msg *Message) {
	batch := s.processor.Dispatch(context.Background(), conn, msg)
	for _, out := range batch {
		if err := conn.Send(out); err != nil {
			s.logger.Warn("mcp: send failed", "connection_id", conn.ID, "error", err)
			return
		}
	}
}

func (s *Server) onClose(conn *Connection) {
	s.registry.Deregister(conn.ID)
	_ = conn.conn.Close()
	s.logger.Info("mcp: connection closed", "connection_id", conn.ID)
}
