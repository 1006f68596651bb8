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

// Package ragstore defines the interfaces the codegen workflow uses to
// reach its two external collaborators: the graph database and the
// embeddings provider. Both are out of scope for this system (spec
// Non-goals) — this package exists only to give the codegen workflow a
// narrow, mockable seam to call through, mirroring how the teacher treats
// its own remote dependencies (e.g. internal/controller/remote.Fetcher) as
// injected interfaces rather than concrete clients.
package ragstore

import (
	"context"

	"github.com/tombee/deploygraph/internal/graph"
)

// SimilarGraph is one result from a nearest-neighbor graph query, scored
// by embedding similarity.
type SimilarGraph struct {
	Graph *graph.Graph
	Score float64
}

// GraphStore is the external graph database. getOrCreateGraph and the RAG
// context lookup in the codegen workflow are the only two operations this
// system needs from it.
type GraphStore interface {
	// GetGraph fetches a graph by id, scoped to the owning company/user.
	// Returns (nil, false, nil) if no such graph exists.
	GetGraph(ctx context.Context, id, companyID, userID string) (*graph.Graph, bool, error)

	// CreateGraph persists a new graph and returns it with its
	// store-assigned id populated.
	CreateGraph(ctx context.Context, g *graph.Graph) (*graph.Graph, error)

	// UpdateGraph persists changes to an existing graph.
	UpdateGraph(ctx context.Context, g *graph.Graph) error

	// DeleteGraph removes a graph by id, scoped to the owning
	// company/user. Deleting an id that doesn't exist is not an error.
	DeleteGraph(ctx context.Context, id, companyID, userID string) error

	// QuerySimilar returns the topK graphs owned by companyID whose
	// context embedding is closest to embedding, ordered by descending
	// score.
	QuerySimilar(ctx context.Context, companyID string, embedding []float32, topK int) ([]SimilarGraph, error)

	// ListGraphs returns up to limit graphs owned by (companyID, userID),
	// most-recently-created first. Unlike QuerySimilar this needs no
	// embedding — it backs the MCP "query_graphs" tool's plain listing
	// query (spec.md 4.I tool catalogue, "graphs: query/get/create/
	// update/delete/rag-context").
	ListGraphs(ctx context.Context, companyID, userID string, limit int) ([]*graph.Graph, error)
}

// Embedder is the external embeddings provider, used to compute a graph's
// context embedding when one hasn't already been supplied.
type Embedder interface {
	// Embed returns a vector embedding for text.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// AverageEmbeddings combines per-node embeddings into a single vector by
// componentwise mean, the fallback the codegen workflow uses when a
// graph has no precomputed contextEmbedding. Returns nil if embeddings is
// empty or the vectors have inconsistent lengths.
func AverageEmbeddings(embeddings [][]float32) []float32 {
	if len(embeddings) == 0 {
		return nil
	}
	dim := len(embeddings[0])
	if dim == 0 {
		return nil
	}
	sum := make([]float32, dim)
	for _, e := range embeddings {
		if len(e) != dim {
			return nil
		}
		for i, v := range e {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float32(len(embeddings))
	}
	return sum
}

// ContextEmbedding prefers g's precomputed contextEmbedding, falling back
// to averaging per-node embeddings via embedder, and returns nil if
// neither is available.
func ContextEmbedding(ctx context.Context, embedder Embedder, g *graph.Graph) []float32 {
	if g == nil {
		return nil
	}
	if len(g.ContextEmbedding) > 0 {
		out := make([]float32, len(g.ContextEmbedding))
		for i, v := range g.ContextEmbedding {
			out[i] = float32(v)
		}
		return out
	}
	if embedder == nil || len(g.Nodes) == 0 {
		return nil
	}

	embeddings := make([][]float32, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		vec, err := embedder.Embed(ctx, string(n.NodeType)+" "+n.Name)
		if err != nil {
			continue
		}
		embeddings = append(embeddings, vec)
	}
	return AverageEmbeddings(embeddings)
}

// QueryContext derives a query vector from g via ContextEmbedding and
// returns the topK most similar graphs owned by companyID. Returns
// (nil, nil) if no embedding can be derived.
func QueryContext(ctx context.Context, store GraphStore, embedder Embedder, g *graph.Graph, companyID string, topK int) ([]SimilarGraph, error) {
	embedding := ContextEmbedding(ctx, embedder, g)
	if embedding == nil {
		return nil, nil
	}
	return store.QuerySimilar(ctx, companyID, embedding, topK)
}
