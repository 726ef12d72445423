// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stores contains the Weaviate-backed persistence and retrieval
// collaborators of the resolution pipeline, plus in-memory variants for
// lightweight deployments and tests.
package stores

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

const knowledgeChunkClassName = "KnowledgeChunk"

// KnowledgeRetriever performs tenant-scoped semantic search over
// ingested knowledge chunks.
//
// # Description
//
// Each search runs a nearText query against the KnowledgeChunk class,
// filtered to the requesting tenant. The certainty reported by the
// vector index becomes the chunk score; callers average these for the
// confidence gate.
//
// Thread Safety: safe for concurrent use.
type KnowledgeRetriever struct {
	client *weaviate.Client
}

// NewKnowledgeRetriever creates a retriever. The client must not be nil.
func NewKnowledgeRetriever(client *weaviate.Client) (*KnowledgeRetriever, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &KnowledgeRetriever{client: client}, nil
}

// VectorSearch returns the topK chunks most similar to query for one
// tenant, ranked by certainty descending (Weaviate's native order).
func (r *KnowledgeRetriever) VectorSearch(ctx context.Context, tenantID, query string, topK int) ([]datatypes.RetrievedChunk, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if topK <= 0 {
		topK = 5
	}

	whereFilter := filters.Where().
		WithPath([]string{"tenant_id"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)

	nearText := r.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "source_id"},
		{Name: "_additional { id certainty }"},
	}

	result, err := r.client.GraphQL().Get().
		WithClassName(knowledgeChunkClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithNearText(nearText).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("search error: %s", result.Errors[0].Message)
	}

	chunks := parseChunks(result)
	slog.Debug("Retrieved knowledge chunks",
		"tenant_id", tenantID, "count", len(chunks), "top_k", topK)
	return chunks, nil
}

func parseChunks(result *models.GraphQLResponse) []datatypes.RetrievedChunk {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[knowledgeChunkClassName].([]interface{})
	if !ok {
		return nil
	}

	chunks := make([]datatypes.RetrievedChunk, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue // skip malformed objects
		}
		chunk := datatypes.RetrievedChunk{
			Text:     getString(m, "content"),
			SourceID: getString(m, "source_id"),
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			chunk.ID = getString(additional, "id")
			if certainty, ok := additional["certainty"].(float64); ok {
				chunk.Score = certainty
			}
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// =============================================================================
// GraphQL response helpers
// =============================================================================

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat64(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

// EmptyRetriever always returns zero chunks. Lightweight deployments
// use it when no vector store is configured; the pipeline's confidence
// gate then escalates every generative turn, which is the honest
// outcome when there is no knowledge to ground an answer in.
type EmptyRetriever struct{}

func (EmptyRetriever) VectorSearch(context.Context, string, string, int) ([]datatypes.RetrievedChunk, error) {
	return nil, nil
}
