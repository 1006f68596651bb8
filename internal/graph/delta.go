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

package graph

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DeltaOptions filters the result of GetNeededInfrastructure.
type DeltaOptions struct {
	// TypeWhitelist, if non-empty, restricts the result to these node types.
	TypeWhitelist []NodeType

	// MinEdgeCount drops nodes with fewer than this many edges.
	MinEdgeCount int

	// ExcludeExternals drops NodeTypeExternalDependency nodes.
	ExcludeExternals bool

	// Filter is an optional expr-lang predicate evaluated against each
	// candidate node (exposed as `node`, with fields id/name/nodeType/
	// namespace/edgeCount), letting an operator express a custom filter
	// without a code change. A node is kept only if the expression
	// evaluates true.
	Filter string
}

// nodeFilterEnv is the expr evaluation environment for DeltaOptions.Filter.
type nodeFilterEnv struct {
	ID        string `expr:"id"`
	Name      string `expr:"name"`
	NodeType  string `expr:"nodeType"`
	Namespace string `expr:"namespace"`
	EdgeCount int     `expr:"edgeCount"`
}

// CompileFilter compiles a DeltaOptions.Filter expression once so it can be
// reused across calls to GetNeededInfrastructure without recompiling.
func CompileFilter(source string) (*vm.Program, error) {
	if source == "" {
		return nil, nil
	}
	program, err := expr.Compile(source, expr.Env(nodeFilterEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("graph: compiling filter expression: %w", err)
	}
	return program, nil
}

// GetNeededInfrastructure returns the subset of desired.Nodes that are
// absent from existing, or present but changed (name, type, or serialized
// spec differs), after applying the caller's filters.
func GetNeededInfrastructure(desired, existing *Graph, opts DeltaOptions) ([]Node, error) {
	var program *vm.Program
	var err error
	if opts.Filter != "" {
		program, err = CompileFilter(opts.Filter)
		if err != nil {
			return nil, err
		}
	}

	whitelist := make(map[NodeType]struct{}, len(opts.TypeWhitelist))
	for _, t := range opts.TypeWhitelist {
		whitelist[t] = struct{}{}
	}

	var needed []Node
	for _, want := range desired.Nodes {
		if !nodeChanged(want, existing) {
			continue
		}
		if len(whitelist) > 0 {
			if _, ok := whitelist[want.NodeType]; !ok {
				continue
			}
		}
		if opts.ExcludeExternals && want.NodeType == NodeTypeExternalDependency {
			continue
		}
		if len(want.Edges) < opts.MinEdgeCount {
			continue
		}
		if program != nil {
			env := nodeFilterEnv{
				ID:        want.ID,
				Name:      want.Name,
				NodeType:  string(want.NodeType),
				Namespace: want.Namespace,
				EdgeCount: len(want.Edges),
			}
			out, err := expr.Run(program, env)
			if err != nil {
				return nil, fmt.Errorf("graph: evaluating filter expression: %w", err)
			}
			keep, _ := out.(bool)
			if !keep {
				continue
			}
		}
		needed = append(needed, want)
	}
	return needed, nil
}

// nodeChanged reports whether want is absent from existing, or present but
// its name, type, or canonical spec differs.
func nodeChanged(want Node, existing *Graph) bool {
	have, ok := existing.NodeByID(want.ID)
	if !ok {
		return true
	}
	if have.Name != want.Name || have.NodeType != want.NodeType {
		return true
	}
	return canonicalSpec(have.Spec) != canonicalSpec(want.Spec)
}
