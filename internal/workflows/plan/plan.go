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

// Package plan implements the four-step workflow that turns a freeform
// deployment request into a validated microservice graph: analyzeRequest,
// generateGraph, validateGraph, saveGraph.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/deploygraph/internal/checkpoint"
	"github.com/tombee/deploygraph/internal/engine"
	"github.com/tombee/deploygraph/internal/graph"
	"github.com/tombee/deploygraph/pkg/jsonrepair"
	"github.com/tombee/deploygraph/pkg/llm"
)

// Temperature used for the generateGraph completion. Low and fixed: the
// step needs a parseable structure, not creative variation.
const generateGraphTemperature = 0.1

// State carries a plan run from request to validated graph.
type State struct {
	Header checkpoint.Header

	CompanyID string
	UserID    string

	Request     string
	PlanContext string
	Messages    []llm.Message

	Graph            *graph.Graph
	ValidationResult graph.ValidationResult
}

// HeaderOf and SetHeader are the accessor pair checkpoint.Checkpointer and
// engine.Engine use to read and mutate a generic state's header.
func HeaderOf(s State) checkpoint.Header          { return s.Header }
func SetHeader(s State, h checkpoint.Header) State { s.Header = h; return s }

// generatedGraph is the shape requested of the LLM in generateGraph's
// system prompt.
type generatedGraph struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Nodes       []generatedNode `json:"nodes"`
}

type generatedNode struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	NodeType string         `json:"nodeType"`
	Spec     map[string]any `json:"spec,omitempty"`
}

const generateGraphSystemPrompt = `You design deployment graphs for a Kubernetes-oriented infrastructure platform.

Given a user's description of a system to deploy, respond with a single JSON object and nothing else:

{
  "name": "graph name",
  "description": "optional one-line description",
  "nodes": [
    {"id": "optional-id", "name": "node name", "nodeType": "MICROSERVICE|DATABASE|CACHE|MESSAGE_QUEUE|GATEWAY|LOAD_BALANCER|MONITORING|EXTERNAL_DEPENDENCY", "spec": {}}
  ]
}

Only emit the JSON object. Do not include prose before or after it.`

// NewDefinition builds the plan workflow. model selects the LLM tier or
// model id passed through to provider.Complete.
func NewDefinition(provider llm.Provider, model string) engine.Definition[State] {
	return engine.Definition[State]{
		Name: "plan",
		Steps: []engine.Step[State]{
			{Name: "analyzeRequest", Execute: analyzeRequest},
			{Name: "generateGraph", Execute: generateGraphStep(provider, model)},
			{Name: "validateGraph", Execute: validateGraph},
			{Name: "saveGraph", Execute: saveGraph},
		},
	}
}

func analyzeRequest(ctx context.Context, s State) (State, error) {
	s.Messages = append(s.Messages, llm.Message{
		Role:    llm.MessageRoleUser,
		Content: s.Request,
	})
	s.PlanContext = s.Request
	return s, nil
}

func generateGraphStep(provider llm.Provider, model string) func(context.Context, State) (State, error) {
	return func(ctx context.Context, s State) (State, error) {
		temp := generateGraphTemperature
		resp, err := provider.Complete(ctx, llm.CompletionRequest{
			Model:       model,
			Temperature: &temp,
			Messages: append([]llm.Message{
				{Role: llm.MessageRoleSystem, Content: generateGraphSystemPrompt},
			}, s.Messages...),
		})
		if err != nil {
			return s, fmt.Errorf("generateGraph: completion: %w", err)
		}

		raw := jsonrepair.StripCodeFences(resp.Content)
		obj, err := jsonrepair.ExtractJSONObject(raw)
		if err != nil {
			return s, fmt.Errorf("generateGraph: no JSON object in response: %w", err)
		}

		var parsed generatedGraph
		if err := json.Unmarshal([]byte(obj), &parsed); err != nil {
			return s, fmt.Errorf("generateGraph: decode: %w", err)
		}

		now := time.Now()
		g := &graph.Graph{
			ID:          uuid.NewString(),
			Name:        parsed.Name,
			Description: parsed.Description,
			GraphType:   graph.TypeMicroservice,
			CompanyID:   s.CompanyID,
			UserID:      s.UserID,
		}
		for _, n := range parsed.Nodes {
			id := strings.TrimSpace(n.ID)
			if id == "" {
				id = uuid.NewString()
			}
			g.Nodes = append(g.Nodes, graph.Node{
				ID:        id,
				Name:      n.Name,
				NodeType:  graph.NodeType(n.NodeType),
				Spec:      n.Spec,
				Edges:     []graph.Edge{},
				CreatedAt: now,
			})
		}

		s.Graph = g
		return s, nil
	}
}

func validateGraph(ctx context.Context, s State) (State, error) {
	if s.Graph == nil {
		return s, fmt.Errorf("validateGraph: no graph produced by generateGraph")
	}
	result := graph.Validate(s.Graph)
	s.ValidationResult = result
	if result.HasErrors() {
		return s, fmt.Errorf("validateGraph: %d structural error(s), first: %s", len(result.Errors), result.Errors[0].Message)
	}
	return s, nil
}

// saveGraph is a finalization no-op: persistence to the external graph
// store is the caller's responsibility once the run completes.
func saveGraph(ctx context.Context, s State) (State, error) {
	return s, nil
}
