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
	"fmt"
	"time"

	"github.com/tombee/deploygraph/internal/graph"
	"github.com/tombee/deploygraph/internal/jobs"
	"github.com/tombee/deploygraph/internal/plans"
	"github.com/tombee/deploygraph/internal/ragstore"
	"github.com/tombee/deploygraph/pkg/tools"
)

// defaultManifestWait bounds how long get_manifests blocks for an
// in-flight job before reporting "not ready", mirroring jobs.Service's own
// GetGeneratedCode timeout parameter.
const defaultManifestWait = 5 * time.Second

// Deps are the services the tool catalogue dispatches into.
type Deps struct {
	Jobs     *jobs.Service
	Plans    *plans.Service
	Graphs   ragstore.GraphStore
	Embedder ragstore.Embedder
}

// funcTool adapts a bare execute closure to the tools.Tool interface,
// generalizing the teacher's pkg/tools/builtin pattern (one struct per
// tool, each with Name/Description/Schema/Execute) onto a single
// registration-time literal per tool, since all sixteen tools here are
// thin dispatchers into existing services rather than standalone
// implementations worth their own types.
type funcTool struct {
	name        string
	description string
	schema      *tools.Schema
	execute     func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error)
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string         { return t.description }
func (t *funcTool) Schema() *tools.Schema       { return t.schema }
func (t *funcTool) Execute(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
	return t.execute(ctx, inputs)
}

func getString(inputs map[string]interface{}, name string, required bool) (string, error) {
	val, ok := inputs[name]
	if !ok || val == nil {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string", name)
	}
	return s, nil
}

func getInt(inputs map[string]interface{}, name string, def int) (int, error) {
	val, ok := inputs[name]
	if !ok || val == nil {
		return def, nil
	}
	switch v := val.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("%s must be a number", name)
	}
}

func getBool(inputs map[string]interface{}, name string, def bool) (bool, error) {
	val, ok := inputs[name]
	if !ok || val == nil {
		return def, nil
	}
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean", name)
	}
	return b, nil
}

// decodeGraph round-trips inputs[name], a nested JSON object, into a
// *graph.Graph. Callers are expected to supply node specs through the
// Spec field; Payload's tagged-union shape isn't addressable from plain
// JSON and is left for the workflows that construct it directly.
func decodeGraph(inputs map[string]interface{}, name string) (*graph.Graph, error) {
	val, ok := inputs[name]
	if !ok || val == nil {
		return nil, fmt.Errorf("%s is required", name)
	}
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	var g graph.Graph
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &g, nil
}

func graphResult(g *graph.Graph) map[string]interface{} {
	if g == nil {
		return map[string]interface{}{"found": false}
	}
	return map[string]interface{}{"found": true, "graph": g}
}

func objectSchema(props map[string]*tools.Property, required ...string) *tools.ParameterSchema {
	return &tools.ParameterSchema{Type: "object", Properties: props, Required: required}
}

// BuildRegistry registers the sixteen operator-facing tools spec.md 4.I's
// catalogue names, each a thin dispatcher into deps. It reuses
// pkg/tools.Registry as-is (the LLM agent tool-call path built it for)
// since tools/call's lookup, input-schema validation, and error wrapping
// (6.1) are exactly Registry.Execute's existing behavior.
func BuildRegistry(deps Deps) *tools.Registry {
	reg := tools.NewRegistry()
	for _, t := range []tools.Tool{
		generateCodeTool(deps),
		getCodegenStatusTool(deps),
		cancelCodegenTool(deps),
		validateGraphTool(),
		getManifestsTool(deps),
		createPlanTool(deps),
		getPlanStatusTool(deps),
		cancelPlanTool(deps),
		analyzeRequestTool(deps),
		getPlanGraphTool(deps),
		queryGraphsTool(deps),
		getGraphTool(deps),
		createGraphTool(deps),
		updateGraphTool(deps),
		deleteGraphTool(deps),
		ragContextTool(deps),
	} {
		_ = reg.Register(t)
	}
	return reg
}

func generateCodeTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "generate_code",
		description: "Submit a deployment graph for Kubernetes manifest generation",
		schema: &tools.Schema{
			Inputs: objectSchema(map[string]*tools.Property{
				"graph":          {Type: "object", Description: "The desired deployment graph"},
				"company_id":     {Type: "string"},
				"user_id":        {Type: "string"},
				"namespace":      {Type: "string"},
				"user_context":   {Type: "string", Description: "Freeform guidance passed to the codegen prompt"},
				"disable_cache":  {Type: "boolean", Description: "Skip the content-addressed result cache"},
			}, "graph", "company_id", "user_id"),
		},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			g, err := decodeGraph(inputs, "graph")
			if err != nil {
				return nil, err
			}
			companyID, err := getString(inputs, "company_id", true)
			if err != nil {
				return nil, err
			}
			userID, err := getString(inputs, "user_id", true)
			if err != nil {
				return nil, err
			}
			namespace, _ := getString(inputs, "namespace", false)
			userContext, _ := getString(inputs, "user_context", false)
			disableCache, err := getBool(inputs, "disable_cache", false)
			if err != nil {
				return nil, err
			}

			sub, err := deps.Jobs.SubmitJob(ctx, jobs.Request{
				Graph:        g,
				CompanyID:    companyID,
				UserID:       userID,
				Namespace:    namespace,
				UserContext:  userContext,
				DisableCache: disableCache,
			})
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"job_id": sub.JobID, "status": string(sub.Status), "step": sub.Step}, nil
		},
	}
}

func getCodegenStatusTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "get_codegen_status",
		description: "Look up a codegen job's current status",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"job_id": {Type: "string"}}, "job_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			jobID, err := getString(inputs, "job_id", true)
			if err != nil {
				return nil, err
			}
			status, ok, err := deps.Jobs.GetJobStatus(ctx, jobID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]interface{}{"found": false}, nil
			}
			return map[string]interface{}{
				"found": true, "job_id": status.JobID, "status": string(status.Status),
				"step": status.Step, "error": status.Error,
			}, nil
		},
	}
}

func cancelCodegenTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "cancel_codegen",
		description: "Request cancellation of an in-flight codegen job",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"job_id": {Type: "string"}}, "job_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			jobID, err := getString(inputs, "job_id", true)
			if err != nil {
				return nil, err
			}
			if err := deps.Jobs.Cancel(ctx, jobID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"cancelled": true}, nil
		},
	}
}

func validateGraphTool() tools.Tool {
	return &funcTool{
		name:        "validate_graph",
		description: "Structurally validate a deployment graph without submitting it for codegen",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"graph": {Type: "object"}}, "graph")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			g, err := decodeGraph(inputs, "graph")
			if err != nil {
				return nil, err
			}
			result := graph.Validate(g)
			return map[string]interface{}{"is_valid": result.IsValid, "errors": result.Errors}, nil
		},
	}
}

func getManifestsTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "get_manifests",
		description: "Fetch a completed codegen job's generated manifests, waiting briefly if it's still running",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"job_id":         {Type: "string"},
			"timeout_seconds": {Type: "integer", Description: "Max seconds to wait for an in-flight job"},
		}, "job_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			jobID, err := getString(inputs, "job_id", true)
			if err != nil {
				return nil, err
			}
			timeoutSec, err := getInt(inputs, "timeout_seconds", int(defaultManifestWait/time.Second))
			if err != nil {
				return nil, err
			}
			result, ok, err := deps.Jobs.GetGeneratedCode(ctx, jobID, time.Duration(timeoutSec)*time.Second)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]interface{}{"found": false}, nil
			}
			return map[string]interface{}{"found": true, "result": result}, nil
		},
	}
}

func createPlanTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "create_plan",
		description: "Start a plan run that synthesizes and persists a graph from a freeform deployment request",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"company_id": {Type: "string"}, "user_id": {Type: "string"}, "text": {Type: "string"},
		}, "company_id", "user_id", "text")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			req, err := planRequest(inputs)
			if err != nil {
				return nil, err
			}
			sub, err := deps.Plans.Create(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"thread_id": sub.ThreadID, "status": string(sub.Status)}, nil
		},
	}
}

func analyzeRequestTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "analyze_request",
		description: "Preview a graph synthesized from a freeform deployment request without persisting it",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"company_id": {Type: "string"}, "user_id": {Type: "string"}, "text": {Type: "string"},
		}, "company_id", "user_id", "text")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			req, err := planRequest(inputs)
			if err != nil {
				return nil, err
			}
			sub, err := deps.Plans.Analyze(ctx, req)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"thread_id": sub.ThreadID, "status": string(sub.Status)}, nil
		},
	}
}

func planRequest(inputs map[string]interface{}) (plans.Request, error) {
	companyID, err := getString(inputs, "company_id", true)
	if err != nil {
		return plans.Request{}, err
	}
	userID, err := getString(inputs, "user_id", true)
	if err != nil {
		return plans.Request{}, err
	}
	text, err := getString(inputs, "text", true)
	if err != nil {
		return plans.Request{}, err
	}
	return plans.Request{CompanyID: companyID, UserID: userID, Text: text}, nil
}

func getPlanStatusTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "get_plan_status",
		description: "Look up a plan run's current status",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"thread_id": {Type: "string"}}, "thread_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			threadID, err := getString(inputs, "thread_id", true)
			if err != nil {
				return nil, err
			}
			status, ok, err := deps.Plans.GetStatus(ctx, threadID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]interface{}{"found": false}, nil
			}
			return map[string]interface{}{
				"found": true, "thread_id": status.ThreadID, "status": string(status.Status),
				"step": status.Step, "error": status.Error,
			}, nil
		},
	}
}

func cancelPlanTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "cancel_plan",
		description: "Request cancellation of an in-flight plan run",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"thread_id": {Type: "string"}}, "thread_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			threadID, err := getString(inputs, "thread_id", true)
			if err != nil {
				return nil, err
			}
			if err := deps.Plans.Cancel(ctx, threadID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"cancelled": true}, nil
		},
	}
}

func getPlanGraphTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "get_plan_graph",
		description: "Fetch the candidate graph a plan run has produced so far",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"thread_id": {Type: "string"}}, "thread_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			threadID, err := getString(inputs, "thread_id", true)
			if err != nil {
				return nil, err
			}
			g, ok, err := deps.Plans.GetPlanGraph(ctx, threadID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]interface{}{"found": false}, nil
			}
			return graphResult(g), nil
		},
	}
}

func queryGraphsTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "query_graphs",
		description: "List graphs owned by a company/user, most recent first",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"company_id": {Type: "string"}, "user_id": {Type: "string"}, "limit": {Type: "integer"},
		}, "company_id", "user_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			companyID, err := getString(inputs, "company_id", true)
			if err != nil {
				return nil, err
			}
			userID, err := getString(inputs, "user_id", true)
			if err != nil {
				return nil, err
			}
			limit, err := getInt(inputs, "limit", 20)
			if err != nil {
				return nil, err
			}
			if deps.Graphs == nil {
				return map[string]interface{}{"graphs": []*graph.Graph{}}, nil
			}
			graphs, err := deps.Graphs.ListGraphs(ctx, companyID, userID, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"graphs": graphs}, nil
		},
	}
}

func getGraphTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "get_graph",
		description: "Fetch a graph by id",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"id": {Type: "string"}, "company_id": {Type: "string"}, "user_id": {Type: "string"},
		}, "id", "company_id", "user_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			id, err := getString(inputs, "id", true)
			if err != nil {
				return nil, err
			}
			companyID, err := getString(inputs, "company_id", true)
			if err != nil {
				return nil, err
			}
			userID, err := getString(inputs, "user_id", true)
			if err != nil {
				return nil, err
			}
			if deps.Graphs == nil {
				return map[string]interface{}{"found": false}, nil
			}
			g, ok, err := deps.Graphs.GetGraph(ctx, id, companyID, userID)
			if err != nil {
				return nil, err
			}
			if !ok {
				return map[string]interface{}{"found": false}, nil
			}
			return graphResult(g), nil
		},
	}
}

func createGraphTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "create_graph",
		description: "Persist a new graph",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"graph": {Type: "object"}}, "graph")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			g, err := decodeGraph(inputs, "graph")
			if err != nil {
				return nil, err
			}
			if deps.Graphs == nil {
				return nil, fmt.Errorf("create_graph: no graph store configured")
			}
			created, err := deps.Graphs.CreateGraph(ctx, g)
			if err != nil {
				return nil, err
			}
			return graphResult(created), nil
		},
	}
}

func updateGraphTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "update_graph",
		description: "Persist changes to an existing graph",
		schema:      &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{"graph": {Type: "object"}}, "graph")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			g, err := decodeGraph(inputs, "graph")
			if err != nil {
				return nil, err
			}
			if g.ID == "" {
				return nil, fmt.Errorf("update_graph: graph.id is required")
			}
			if deps.Graphs == nil {
				return nil, fmt.Errorf("update_graph: no graph store configured")
			}
			if err := deps.Graphs.UpdateGraph(ctx, g); err != nil {
				return nil, err
			}
			return map[string]interface{}{"updated": true}, nil
		},
	}
}

func deleteGraphTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "delete_graph",
		description: "Delete a graph by id",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"id": {Type: "string"}, "company_id": {Type: "string"}, "user_id": {Type: "string"},
		}, "id", "company_id", "user_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			id, err := getString(inputs, "id", true)
			if err != nil {
				return nil, err
			}
			companyID, err := getString(inputs, "company_id", true)
			if err != nil {
				return nil, err
			}
			userID, err := getString(inputs, "user_id", true)
			if err != nil {
				return nil, err
			}
			if deps.Graphs == nil {
				return nil, fmt.Errorf("delete_graph: no graph store configured")
			}
			if err := deps.Graphs.DeleteGraph(ctx, id, companyID, userID); err != nil {
				return nil, err
			}
			return map[string]interface{}{"deleted": true}, nil
		},
	}
}

func ragContextTool(deps Deps) tools.Tool {
	return &funcTool{
		name:        "rag_context",
		description: "Find the most similar existing graphs to a candidate graph, for use as codegen context",
		schema: &tools.Schema{Inputs: objectSchema(map[string]*tools.Property{
			"graph": {Type: "object"}, "company_id": {Type: "string"}, "top_k": {Type: "integer"},
		}, "graph", "company_id")},
		execute: func(ctx context.Context, inputs map[string]interface{}) (map[string]interface{}, error) {
			g, err := decodeGraph(inputs, "graph")
			if err != nil {
				return nil, err
			}
			companyID, err := getString(inputs, "company_id", true)
			if err != nil {
				return nil, err
			}
			topK, err := getInt(inputs, "top_k", 3)
			if err != nil {
				return nil, err
			}
			if deps.Graphs == nil {
				return map[string]interface{}{"similar": []ragstore.SimilarGraph{}}, nil
			}
			similar, err := ragstore.QueryContext(ctx, deps.Graphs, deps.Embedder, g, companyID, topK)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"similar": similar}, nil
		},
	}
}
