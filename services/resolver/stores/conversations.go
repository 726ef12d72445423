// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stores

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

const (
	conversationClassName     = "Conversation"
	conversationTurnClassName = "ConversationTurn"
)

// turnObjectID derives a stable object identifier for one turn so a
// retried append lands on the same document instead of duplicating it.
func turnObjectID(conversationID string, turnIndex int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", conversationID, turnIndex)))
	id, err := uuid.FromBytes(sum[:16])
	if err != nil {
		// 16 bytes always form a valid UUID; this path is unreachable.
		return uuid.NewString()
	}
	return id.String()
}

// WeaviateConversationStore persists conversations and turns in the
// Conversation and ConversationTurn classes.
//
// # Description
//
// Writes are append-mostly. Status and first-response updates are merge
// patches on the conversation object guarded by read-then-write; they
// are not transactional and a lost first-response update is tolerated.
//
// Thread Safety: safe for concurrent use across conversations. Two
// racing appends on the same conversation may contend on the turn index;
// callers serialize turns per conversation when strict ordering matters.
type WeaviateConversationStore struct {
	client *weaviate.Client
}

// NewWeaviateConversationStore creates a store. The client must not be nil.
func NewWeaviateConversationStore(client *weaviate.Client) (*WeaviateConversationStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	return &WeaviateConversationStore{client: client}, nil
}

// CreateConversation persists a new conversation object under its ID.
func (s *WeaviateConversationStore) CreateConversation(ctx context.Context, conv *datatypes.Conversation) error {
	properties := map[string]interface{}{
		"conversation_id":   conv.ID,
		"tenant_id":         conv.TenantID,
		"channel":           conv.Channel,
		"status":            string(conv.Status),
		"user_id":           conv.UserID,
		"created_at":        conv.CreatedAt.UnixMilli(),
		"first_response_at": int64(0),
		"resolved_at":       int64(0),
	}
	_, err := s.client.Data().Creator().
		WithClassName(conversationClassName).
		WithID(conv.ID).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// AppendMessage persists one turn and returns its object identifier.
// The turn index is the current turn count plus one; the derived object
// ID makes a retried append idempotent.
func (s *WeaviateConversationStore) AppendMessage(ctx context.Context, msg *datatypes.Message) (string, error) {
	if msg.TurnIndex <= 0 {
		count, err := s.countTurns(ctx, msg.ConversationID)
		if err != nil {
			return "", err
		}
		msg.TurnIndex = count + 1
	}
	msg.ID = turnObjectID(msg.ConversationID, msg.TurnIndex)

	confidence := -1.0
	if msg.Confidence != nil {
		confidence = *msg.Confidence
	}
	citations := make([]string, 0, len(msg.Citations))
	for _, c := range msg.Citations {
		citations = append(citations, c.SourceID)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	properties := map[string]interface{}{
		"conversation_id": msg.ConversationID,
		"turn_index":      msg.TurnIndex,
		"role":            msg.Role,
		"content":         msg.Content,
		"confidence":      confidence,
		"citations":       citations,
		"created_at":      createdAt.UnixMilli(),
	}
	_, err := s.client.Data().Creator().
		WithClassName(conversationTurnClassName).
		WithID(msg.ID).
		WithProperties(properties).
		Do(ctx)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return msg.ID, nil
}

func (s *WeaviateConversationStore) countTurns(ctx context.Context, conversationID string) (int, error) {
	whereFilter := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	result, err := s.client.GraphQL().Aggregate().
		WithClassName(conversationTurnClassName).
		WithWhere(whereFilter).
		WithFields(graphql.Field{Name: "meta", Fields: []graphql.Field{{Name: "count"}}}).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("count turns: %w", err)
	}
	if len(result.Errors) > 0 {
		return 0, fmt.Errorf("count turns error: %s", result.Errors[0].Message)
	}

	data, ok := result.Data["Aggregate"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	objects, ok := data[conversationTurnClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return 0, nil
	}
	m, ok := objects[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	meta, ok := m["meta"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	return getInt(meta, "count"), nil
}

// UpdateConversationStatus merge-patches the status field.
func (s *WeaviateConversationStore) UpdateConversationStatus(ctx context.Context, conversationID string,
	status datatypes.ConversationStatus) error {

	properties := map[string]interface{}{"status": string(status)}
	if status == datatypes.ConversationStatusResolved {
		properties["resolved_at"] = time.Now().UnixMilli()
	}
	err := s.client.Data().Updater().
		WithClassName(conversationClassName).
		WithID(conversationID).
		WithProperties(properties).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("update conversation status: %w", err)
	}
	return nil
}

// MarkFirstResponse records the first assistant reply time, read then
// conditionally written. Racing turns may both read zero; the second
// write wins and the skew is accepted.
func (s *WeaviateConversationStore) MarkFirstResponse(ctx context.Context, conversationID string, at time.Time) error {
	existing, err := s.firstResponseAt(ctx, conversationID)
	if err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	err = s.client.Data().Updater().
		WithClassName(conversationClassName).
		WithID(conversationID).
		WithProperties(map[string]interface{}{"first_response_at": at.UnixMilli()}).
		WithMerge().
		Do(ctx)
	if err != nil {
		return fmt.Errorf("mark first response: %w", err)
	}
	return nil
}

func (s *WeaviateConversationStore) firstResponseAt(ctx context.Context, conversationID string) (int64, error) {
	whereFilter := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	result, err := s.client.GraphQL().Get().
		WithClassName(conversationClassName).
		WithFields(graphql.Field{Name: "first_response_at"}).
		WithWhere(whereFilter).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("read first response: %w", err)
	}
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	objects, ok := data[conversationClassName].([]interface{})
	if !ok || len(objects) == 0 {
		return 0, nil
	}
	m, ok := objects[0].(map[string]interface{})
	if !ok {
		return 0, nil
	}
	return int64(getFloat64(m, "first_response_at")), nil
}

// LoadRecentHistory returns the most recent limit turns in chronological
// order.
func (s *WeaviateConversationStore) LoadRecentHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	whereFilter := filters.Where().
		WithPath([]string{"conversation_id"}).
		WithOperator(filters.Equal).
		WithValueString(conversationID)

	byNewest := graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}

	fields := []graphql.Field{
		{Name: "conversation_id"},
		{Name: "turn_index"},
		{Name: "role"},
		{Name: "content"},
		{Name: "confidence"},
		{Name: "created_at"},
		{Name: "_additional { id }"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(conversationTurnClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithSort(byNewest).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("load history error: %s", result.Errors[0].Message)
	}

	messages := parseTurns(result)
	// Newest-first from the store; callers want chronological.
	sort.Slice(messages, func(i, j int) bool {
		return messages[i].TurnIndex < messages[j].TurnIndex
	})
	slog.Debug("Loaded conversation history",
		"conversation_id", conversationID, "count", len(messages))
	return messages, nil
}

// ListConversations returns a tenant's conversations, newest first.
func (s *WeaviateConversationStore) ListConversations(ctx context.Context, tenantID string, limit int) ([]datatypes.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	whereFilter := filters.Where().
		WithPath([]string{"tenant_id"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)

	byNewest := graphql.Sort{Path: []string{"created_at"}, Order: graphql.Desc}

	fields := []graphql.Field{
		{Name: "conversation_id"},
		{Name: "tenant_id"},
		{Name: "channel"},
		{Name: "status"},
		{Name: "user_id"},
		{Name: "created_at"},
		{Name: "first_response_at"},
		{Name: "resolved_at"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(conversationClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		WithSort(byNewest).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("list conversations error: %s", result.Errors[0].Message)
	}
	return parseConversations(result), nil
}

func parseConversations(result *models.GraphQLResponse) []datatypes.Conversation {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[conversationClassName].([]interface{})
	if !ok {
		return nil
	}

	conversations := make([]datatypes.Conversation, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		conv := datatypes.Conversation{
			ID:        getString(m, "conversation_id"),
			TenantID:  getString(m, "tenant_id"),
			Channel:   getString(m, "channel"),
			Status:    datatypes.ConversationStatus(getString(m, "status")),
			UserID:    getString(m, "user_id"),
			CreatedAt: time.UnixMilli(int64(getFloat64(m, "created_at"))),
		}
		if ms := int64(getFloat64(m, "first_response_at")); ms > 0 {
			at := time.UnixMilli(ms)
			conv.FirstResponseAt = &at
		}
		if ms := int64(getFloat64(m, "resolved_at")); ms > 0 {
			at := time.UnixMilli(ms)
			conv.ResolvedAt = &at
		}
		conversations = append(conversations, conv)
	}
	return conversations
}

func parseTurns(result *models.GraphQLResponse) []datatypes.Message {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[conversationTurnClassName].([]interface{})
	if !ok {
		return nil
	}

	messages := make([]datatypes.Message, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		msg := datatypes.Message{
			ConversationID: getString(m, "conversation_id"),
			TurnIndex:      getInt(m, "turn_index"),
			Role:           getString(m, "role"),
			Content:        getString(m, "content"),
			CreatedAt:      time.UnixMilli(int64(getFloat64(m, "created_at"))),
		}
		if conf := getFloat64(m, "confidence"); conf >= 0 {
			msg.Confidence = &conf
		}
		if additional, ok := m["_additional"].(map[string]interface{}); ok {
			msg.ID = getString(additional, "id")
		}
		messages = append(messages, msg)
	}
	return messages
}

// =============================================================================
// In-Memory Variant
// =============================================================================

// InMemoryConversationStore keeps conversations in process memory. Used
// by lightweight mode (no Weaviate) and tests. Data does not survive a
// restart.
type InMemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*datatypes.Conversation
	turns         map[string][]datatypes.Message
}

// NewInMemoryConversationStore creates an empty store.
func NewInMemoryConversationStore() *InMemoryConversationStore {
	return &InMemoryConversationStore{
		conversations: make(map[string]*datatypes.Conversation),
		turns:         make(map[string][]datatypes.Message),
	}
}

func (s *InMemoryConversationStore) CreateConversation(_ context.Context, conv *datatypes.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	copied := *conv
	s.conversations[conv.ID] = &copied
	return nil
}

func (s *InMemoryConversationStore) AppendMessage(_ context.Context, msg *datatypes.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.TurnIndex = len(s.turns[msg.ConversationID]) + 1
	msg.ID = turnObjectID(msg.ConversationID, msg.TurnIndex)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.turns[msg.ConversationID] = append(s.turns[msg.ConversationID], *msg)
	return msg.ID, nil
}

func (s *InMemoryConversationStore) UpdateConversationStatus(_ context.Context, conversationID string,
	status datatypes.ConversationStatus) error {

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	conv.Status = status
	if status == datatypes.ConversationStatusResolved {
		now := time.Now()
		conv.ResolvedAt = &now
	}
	return nil
}

func (s *InMemoryConversationStore) MarkFirstResponse(_ context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	if conv.FirstResponseAt == nil {
		conv.FirstResponseAt = &at
	}
	return nil
}

func (s *InMemoryConversationStore) LoadRecentHistory(_ context.Context, conversationID string, limit int) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[conversationID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]datatypes.Message, len(turns))
	copy(out, turns)
	return out, nil
}

// ListConversations returns a tenant's conversations, newest first.
func (s *InMemoryConversationStore) ListConversations(_ context.Context, tenantID string, limit int) ([]datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]datatypes.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.TenantID == tenantID {
			out = append(out, *conv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetConversation returns one conversation, or nil when absent.
func (s *InMemoryConversationStore) GetConversation(_ context.Context, conversationID string) (*datatypes.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, nil
	}
	copied := *conv
	return &copied, nil
}
