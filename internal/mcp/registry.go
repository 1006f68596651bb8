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
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientInfo is the client-identifying payload carried on "initialize".
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Connection is one full-duplex operator session: one websocket, one
// default workflow thread, one serialized message stream. Grounded on the
// teacher's internal/mcp/state.go StateManager (dirty-flag + mutex-guarded
// connection map), generalized from that package's bookkeeping-only
// registry onto a registry that also owns the socket handle, since this
// processor (unlike the teacher's stdio-based mcp-go wrapper) drives the
// transport directly.
type Connection struct {
	ID                 string
	Thread             string
	ConnectedAt        time.Time
	IsInitialized      bool
	ClientInfo         ClientInfo
	ServerCapabilities map[string]any
	AvailableTools     []string

	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Send writes msg to the connection's socket. Calls are serialized with a
// mutex since gorilla/websocket forbids concurrent writers on one
// connection, and the processor's own dispatch loop already serializes
// per-connection message handling (spec.md §5 ordering guarantee), so this
// mutex only ever guards against a future second writer (e.g. an
// out-of-band push), not concurrent Dispatch calls.
func (c *Connection) Send(msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// Registry is the singleton table of live MCP connections, grounded on the
// teacher's internal/mcp/state.go StateManager. Reimplemented here as an
// explicitly constructed value passed by reference (REDESIGN FLAGS:
// "avoid process-global singletons") rather than a package-level var.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]*Connection
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Connection)}
}

// Register adds conn, keyed by its own ID.
func (r *Registry) Register(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[conn.ID] = conn
}

// Deregister removes a connection by id. Removing an id that isn't
// present is not an error.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Get returns the connection registered under id, if any.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// GetAll returns every currently registered connection.
func (r *Registry) GetAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
