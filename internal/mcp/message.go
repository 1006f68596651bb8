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

// Package mcp implements the operator-facing JSON-RPC processor: one
// state machine per inbound message, dispatched over a registry of
// sixteen tools. Connection handling (upgrade, keepalive, registry,
// per-connection serialization) follows internal/rpc's websocket server;
// the wire framing and dispatch rules are JSON-RPC 2.0 instead of that
// package's own Message envelope.
package mcp

import "encoding/json"

// JSONRPCVersion is the only protocol version this processor speaks.
const JSONRPCVersion = "2.0"

// Error codes from the JSON-RPC 2.0 spec that this processor uses.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is a JSON-RPC 2.0 envelope: a request/notification carries
// Method (+ optional Params); a response carries Result or Error,
// correlated to a request by ID.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func newResult(id json.RawMessage, result any) *Message {
	raw, err := json.Marshal(result)
	if err != nil {
		return newError(id, CodeInternalError, err.Error())
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Result: raw}
}

func newError(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Error: &Error{Code: code, Message: message}}
}

func newNotification(method string, params any) *Message {
	raw, _ := json.Marshal(params)
	return &Message{JSONRPC: JSONRPCVersion, Method: method, Params: raw}
}

// toolCallParams is the shape of tools/call's params.
type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// toolContent is one element of a tool result's content array.
type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// toolResult is what tools/call replies with, success or failure.
type toolResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func textResult(text string, isError bool) toolResult {
	return toolResult{Content: []toolContent{{Type: "text", Text: text}}, IsError: isError}
}

// jsonText renders v as a JSON string for embedding as a tool result's
// text payload, the format 6.1 specifies ("JSON-stringified payload").
func jsonText(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return err.Error()
	}
	return string(raw)
}
