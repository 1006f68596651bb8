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
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// HashAlgorithm selects the digest used by ComputeGraphHash.
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "sha256"
	HashMD5    HashAlgorithm = "md5"
)

// HashOptions configures ComputeGraphHash.
type HashOptions struct {
	// IncludeIdentity includes {name, graphType, companyId, userId} in the
	// hashed components. Two graphs that differ only in these fields hash
	// differently when true; this is used for display/audit hashing, not
	// for the job service's content-addressed cache (which wants
	// IncludeIdentity=false so identical shapes dedupe across users... but
	// per spec.md the cache key is scoped per submission, so callers that
	// want cross-tenant content dedupe must opt out explicitly).
	IncludeIdentity bool

	// Algorithm selects sha256 (default) or md5.
	Algorithm HashAlgorithm
}

// ComputeGraphHash returns a deterministic digest of g's canonical form.
// Two graphs equal under this canonicalisation hash identically regardless
// of node/edge ordering.
func ComputeGraphHash(g *Graph, opts HashOptions) string {
	var components []string

	if opts.IncludeIdentity {
		components = append(components, fmt.Sprintf("%s:%s:%s:%s", g.Name, g.GraphType, g.CompanyID, g.UserID))
	}

	nodeLines := make([]string, 0, len(g.Nodes))
	edgeLines := make([]string, 0)
	for _, n := range g.Nodes {
		specJSON := canonicalSpec(n.Spec)
		nodeLines = append(nodeLines, fmt.Sprintf("%s:%s:%s:%s", n.ID, n.NodeType, n.Name, specJSON))
		for _, e := range n.Edges {
			edgeLines = append(edgeLines, fmt.Sprintf("%s-%s-%s", n.ID, e.TargetNode, e.ConnectionType))
		}
	}
	sort.Strings(nodeLines)
	sort.Strings(edgeLines)

	components = append(components, nodeLines...)
	components = append(components, edgeLines...)

	joined := strings.Join(components, "|")

	switch opts.Algorithm {
	case HashMD5:
		sum := md5.Sum([]byte(joined))
		return hex.EncodeToString(sum[:])
	default:
		sum := sha256.Sum256([]byte(joined))
		return hex.EncodeToString(sum[:])
	}
}

// canonicalSpec serializes a spec map with keys sorted, so that two maps
// with the same content but different iteration order hash identically.
func canonicalSpec(spec map[string]any) string {
	if len(spec) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(spec))
	for k := range spec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, _ := json.Marshal(k)
		vb, err := json.Marshal(spec[k])
		if err != nil {
			vb = []byte(`null`)
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return string(ordered)
}
