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
	"encoding/json"
	"log/slog"

	"github.com/tombee/deploygraph/pkg/tools"
)

// connState is the per-message state the processor walks through,
// grounded on the teacher's internal/mcp/state.go StateManager's
// dirty-flag lifecycle but reduced here to the six states spec.md 4.I
// names, since this processor has no separate "dirty" concept — every
// message ends either COMPLETED or ERROR and the registry just holds the
// connection's last-known fields.
type connState string

const (
	stateIdle              connState = "IDLE"
	stateProcessingRequest connState = "PROCESSING_REQUEST"
	stateHandlingToolCall  connState = "HANDLING_TOOL_CALL"
	stateSendingResponse   connState = "SENDING_RESPONSE"
	stateCompleted         connState = "COMPLETED"
	stateError             connState = "ERROR"
)

// ServerInfo identifies this server in the "initialize" response.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Processor dispatches one JSON-RPC message at a time into the tool
// registry, generalizing the teacher's internal/rpc dispatch (one handler
// table keyed by method, serialized per connection) onto spec.md 4.I's
// smaller, fixed method set (initialize/tools-list/tools-call/ping) plus
// the tool catalogue as its own dispatch layer underneath tools/call.
type Processor struct {
	registry   *tools.Registry
	serverInfo ServerInfo
	logger     *slog.Logger
}

// NewProcessor constructs a Processor over reg, the tool catalogue built
// by BuildRegistry.
func NewProcessor(reg *tools.Registry, info ServerInfo, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{registry: reg, serverInfo: info, logger: logger}
}

// toolDescriptor is one entry of tools/list's result, per 6.1.
type toolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema *tools.ParameterSchema `json:"inputSchema"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      ClientInfo     `json:"clientInfo"`
}

// protocolVersion is the only MCP wire version this processor speaks
// (spec.md 6.1).
const protocolVersion = "2024-11-05"

// Dispatch processes one inbound message against conn's state, returning
// the batch of outgoing messages to send in order. It never panics on a
// malformed tool-call payload or an unregistered method; every failure
// mode maps to a JSON-RPC error response so the connection stays open
// (spec.md §7 "Protocol" error class).
func (p *Processor) Dispatch(ctx context.Context, conn *Connection, msg *Message) []*Message {
	state := stateIdle

	switch msg.Method {
	case "initialize":
		state = stateProcessingRequest
		return p.handleInitialize(conn, msg, state)
	case "tools/list":
		state = stateProcessingRequest
		return p.handleToolsList(msg, state)
	case "tools/call":
		state = stateHandlingToolCall
		return p.handleToolsCall(ctx, msg, state)
	case "ping":
		state = stateProcessingRequest
		return []*Message{newNotification("pong", nil)}
	default:
		state = stateError
		p.logger.Warn("mcp: unknown method", "connection_id", conn.ID, "method", msg.Method, "state", state)
		return []*Message{newError(msg.ID, CodeMethodNotFound, "method not found: "+msg.Method)}
	}
}

func (p *Processor) handleInitialize(conn *Connection, msg *Message, state connState) []*Message {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return []*Message{newError(msg.ID, CodeInvalidParams, "invalid initialize params: "+err.Error())}
		}
	}

	conn.ClientInfo = params.ClientInfo
	conn.IsInitialized = true
	conn.ServerCapabilities = map[string]any{"tools": map[string]any{"listChanged": true}}
	conn.AvailableTools = p.registry.List()

	result := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    conn.ServerCapabilities,
		"serverInfo":      p.serverInfo,
	}
	_ = state // COMPLETED is implicit in the returned batch; see doc comment on connState.
	return []*Message{newResult(msg.ID, result)}
}

func (p *Processor) handleToolsList(msg *Message, _ connState) []*Message {
	descriptors := make([]toolDescriptor, 0, len(p.registry.List()))
	for _, t := range p.registry.ListTools() {
		descriptors = append(descriptors, toolDescriptor{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema().Inputs,
		})
	}
	return []*Message{newResult(msg.ID, map[string]any{"tools": descriptors})}
}

func (p *Processor) handleToolsCall(ctx context.Context, msg *Message, _ connState) []*Message {
	var params toolCallParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return []*Message{newError(msg.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())}
	}
	if !p.registry.Has(params.Name) {
		return []*Message{newError(msg.ID, CodeMethodNotFound, "unknown tool: "+params.Name)}
	}

	var args map[string]interface{}
	if len(params.Arguments) > 0 {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return []*Message{newError(msg.ID, CodeInvalidParams, "invalid tool arguments: "+err.Error())}
		}
	}

	outputs, err := p.registry.Execute(ctx, params.Name, args)
	if err != nil {
		return []*Message{newError(msg.ID, CodeInternalError, err.Error())}
	}
	return []*Message{newResult(msg.ID, textResult(jsonText(outputs), false))}
}
