// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
)

const (
	conversationClassName     = "Conversation"
	conversationTurnClassName = "ConversationTurn"
)

// WeaviateStore implements Store against the Conversation and
// ConversationTurn classes. Turns are deleted before their conversation
// so an interrupted sweep never leaves orphaned turns behind a deleted
// parent.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore creates a store. The client must not be nil.
func NewWeaviateStore(client *weaviate.Client) (*WeaviateStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &WeaviateStore{client: client}, nil
}

// ExpiredConversations returns conversation IDs created before cutoff.
// Age is measured from creation: a thread old enough to exceed the
// retention window is removed regardless of its terminal status.
func (s *WeaviateStore) ExpiredConversations(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	whereFilter := filters.Where().
		WithPath([]string{"created_at"}).
		WithOperator(filters.LessThan).
		WithValueNumber(float64(cutoff.UnixMilli()))

	result, err := s.client.GraphQL().Get().
		WithClassName(conversationClassName).
		WithFields(graphql.Field{Name: "conversation_id"}).
		WithWhere(whereFilter).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("expired conversation query: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("expired conversation query error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	objects, ok := data[conversationClassName].([]interface{})
	if !ok {
		return nil, nil
	}
	ids := make([]string, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		if id, ok := m["conversation_id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// DeleteConversations removes each conversation's turns, then the
// conversation object itself.
func (s *WeaviateStore) DeleteConversations(ctx context.Context, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		turnFilter := filters.Where().
			WithPath([]string{"conversation_id"}).
			WithOperator(filters.Equal).
			WithValueString(id)

		_, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(conversationTurnClassName).
			WithWhere(turnFilter).
			Do(ctx)
		if err != nil {
			slog.Warn("Turn delete failed, conversation kept for the next sweep",
				"conversation_id", id, "error", err)
			continue
		}

		err = s.client.Data().Deleter().
			WithClassName(conversationClassName).
			WithID(id).
			Do(ctx)
		if err != nil {
			slog.Warn("Conversation delete failed",
				"conversation_id", id, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}
