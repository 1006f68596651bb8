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

import "strings"

// EdgeInferenceOptions configures BuildGraphEdges.
type EdgeInferenceOptions struct {
	// Rules overrides DefaultRules when non-nil.
	Rules []ConnectionRule

	// CreateDefaultEdges additionally groups nodes by base name (stripping
	// the suffixes in baseNameSuffixes) and links Service->Deployment and
	// Deployment->Pod within each group.
	CreateDefaultEdges bool
}

var baseNameSuffixes = []string{
	"-service", "-svc", "-deployment", "-deploy", "-pods", "-pod",
	"-ingress", "-configmap", "-secret",
}

// baseName strips a single recognized suffix from a node name, used to
// group sibling Kubernetes resources that represent the same logical
// workload (e.g. "api-service" and "api-deployment" share base "api").
func baseName(name string) string {
	lower := strings.ToLower(name)
	for _, suffix := range baseNameSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return lower[:len(lower)-len(suffix)]
		}
	}
	return lower
}

// BuildGraphEdges infers edges between a graph's existing nodes. It first
// drops edges with a missing target or empty connection type, then applies
// each rule in the table to every pair of nodes whose types match the
// rule's source/target, adding the inferred edge (and its reverse, if the
// rule is bidirectional) unless an edge of that connection type already
// links the pair. Applying it to its own output is a no-op.
func BuildGraphEdges(g *Graph, opts EdgeInferenceOptions) {
	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules
	}

	pruneDanglingEdges(g)

	for _, rule := range rules {
		applyRule(g, rule)
	}

	if opts.CreateDefaultEdges {
		applyDefaultNamingEdges(g)
	}
}

func pruneDanglingEdges(g *Graph) {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for i := range g.Nodes {
		kept := g.Nodes[i].Edges[:0]
		for _, e := range g.Nodes[i].Edges {
			if e.ConnectionType == "" || e.TargetNode == "" {
				continue
			}
			if _, ok := ids[e.TargetNode]; !ok {
				continue
			}
			kept = append(kept, e)
		}
		g.Nodes[i].Edges = kept
	}
}

func applyRule(g *Graph, rule ConnectionRule) {
	for i := range g.Nodes {
		src := &g.Nodes[i]
		if src.NodeType != rule.SourceType {
			continue
		}
		for j := range g.Nodes {
			if i == j {
				continue
			}
			dst := &g.Nodes[j]
			if dst.NodeType != rule.TargetType {
				continue
			}
			addEdgeIfMissing(src, dst.ID, rule.ConnectionType)
			if rule.Bidirectional {
				addEdgeIfMissing(dst, src.ID, rule.ConnectionType)
			}
		}
	}
}

func applyDefaultNamingEdges(g *Graph) {
	groups := make(map[string][]int)
	for i, n := range g.Nodes {
		groups[baseName(n.Name)] = append(groups[baseName(n.Name)], i)
	}

	for _, idxs := range groups {
		var svc, dep, pod *int
		for _, idx := range idxs {
			switch g.Nodes[idx].NodeType {
			case NodeTypeService:
				svc = ptr(idx)
			case NodeTypeDeployment:
				dep = ptr(idx)
			case NodeTypePod:
				pod = ptr(idx)
			}
		}
		if svc != nil && dep != nil {
			addEdgeIfMissing(&g.Nodes[*svc], g.Nodes[*dep].ID, ConnServiceExposesPod)
		}
		if dep != nil && pod != nil {
			addEdgeIfMissing(&g.Nodes[*dep], g.Nodes[*pod].ID, ConnReplicaSetManagesPod)
		}
	}
}

func ptr(i int) *int { return &i }

func addEdgeIfMissing(n *Node, targetID string, ct ConnectionType) {
	for _, e := range n.Edges {
		if e.TargetNode == targetID && e.ConnectionType == ct {
			return
		}
	}
	n.Edges = append(n.Edges, Edge{ConnectionType: ct, TargetNode: targetID})
}
