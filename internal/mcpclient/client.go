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

// Package mcpclient is the operator-CLI half of the wire protocol
// internal/mcp serves: a minimal JSON-RPC 2.0 client over a
// gorilla/websocket connection that can complete the initialize
// handshake and make blocking tools/call requests. It deliberately
// knows nothing about internal/jobs or internal/plans directly — like
// any other MCP client it only sees tool names and JSON arguments/
// results, the same seam spec.md §6.1 describes for any caller of this
// protocol.
package mcpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tombee/deploygraph/internal/mcp"
)

// Client is a single MCP connection with request/response correlation by
// numeric id, the same correlation discipline a JSON-RPC client needs
// regardless of transport.
type Client struct {
	conn *websocket.Conn

	nextID int64

	mu      sync.Mutex
	pending map[int64]chan *mcp.Message

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a WebSocket connection to addr (a ws:// or wss:// URL
// pointing at the daemon's MCP path, e.g. "ws://localhost:8780/operator")
// and starts its read loop. Call Initialize before any tool call.
func Dial(ctx context.Context, addr string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: dial %s: %w", addr, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan *mcp.Message),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// readLoop dispatches every inbound message to the pending request it
// correlates with by id, and drops the server's unsolicited "ping"
// notification (spec.md 4.I's onOpen ping) along with anything else
// without a numeric id this client didn't send.
func (c *Client) readLoop() {
	for {
		var msg mcp.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.failAllPending(err)
			return
		}
		if len(msg.ID) == 0 {
			continue
		}
		var id int64
		if err := json.Unmarshal(msg.ID, &id); err != nil {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- &msg
		}
	}
}

func (c *Client) failAllPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call sends a JSON-RPC request and blocks for its correlated response
// or ctx's cancellation, whichever comes first.
func (c *Client) call(ctx context.Context, method string, params any) (*mcp.Message, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	idRaw, _ := json.Marshal(id)
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("mcpclient: encoding params for %s: %w", method, err)
	}

	ch := make(chan *mcp.Message, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	req := mcp.Message{JSONRPC: mcp.JSONRPCVersion, ID: idRaw, Method: method, Params: paramsRaw}
	if err := c.conn.WriteJSON(req); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("mcpclient: sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("mcpclient: connection closed while awaiting %s", method)
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcpclient: connection closed while awaiting %s", method)
		}
		return msg, nil
	}
}

// initializeParams mirrors the request body spec.md 6.1 describes for
// the "initialize" method.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// protocolVersion is the only version this client negotiates, matching
// internal/mcp's processor.
const protocolVersion = "2024-11-05"

// Initialize performs the handshake every other call requires first.
// Returns the server's decoded initialize_result payload.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (map[string]interface{}, error) {
	msg, err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      clientInfo{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("mcpclient: initialize: %s (code %d)", msg.Error.Message, msg.Error.Code)
	}
	var result map[string]interface{}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decoding initialize result: %w", err)
	}
	return result, nil
}

// ListTools calls tools/list and returns the raw tool descriptors.
func (c *Client) ListTools(ctx context.Context) ([]map[string]interface{}, error) {
	msg, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("mcpclient: tools/list: %s (code %d)", msg.Error.Message, msg.Error.Code)
	}
	var result struct {
		Tools []map[string]interface{} `json:"tools"`
	}
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decoding tools/list result: %w", err)
	}
	return result.Tools, nil
}

type toolCallParams struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError"`
}

// CallTool invokes name via tools/call with arguments, decodes the
// resulting text content as JSON, and returns it as a map. Returns an
// error if the server reports isError, or if the dispatch itself fails
// (method_not_found, invalid params, ...).
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]interface{}) (map[string]interface{}, error) {
	msg, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	if msg.Error != nil {
		return nil, fmt.Errorf("mcpclient: %s: %s (code %d)", name, msg.Error.Message, msg.Error.Code)
	}
	var result toolCallResult
	if err := json.Unmarshal(msg.Result, &result); err != nil {
		return nil, fmt.Errorf("mcpclient: decoding %s result: %w", name, err)
	}
	if len(result.Content) == 0 {
		return nil, fmt.Errorf("mcpclient: %s returned no content", name)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content[0].Text), &decoded); err != nil {
		return nil, fmt.Errorf("mcpclient: decoding %s payload: %w", name, err)
	}
	if result.IsError {
		if msgStr, ok := decoded["error"].(string); ok {
			return decoded, fmt.Errorf("mcpclient: %s: %s", name, msgStr)
		}
		return decoded, fmt.Errorf("mcpclient: %s reported an error", name)
	}
	return decoded, nil
}
