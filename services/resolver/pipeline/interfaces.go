// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline implements the conversational resolution pipeline:
// the coordinator that turns one inbound user message into an automated
// answer, a procedure-driven answer, a cached answer, or an escalation,
// in both single-shot and streamed delivery.
//
// Every external collaborator is injected through the interfaces in this
// file, so tests substitute fakes without module-level mutation.
package pipeline

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianDesk/services/llm"
	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
	"github.com/AleutianAI/AleutianDesk/services/resolver/audit"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

// StreamCallback receives generation deltas in arrival order.
type StreamCallback = llm.StreamCallback

// PolicyStore loads a tenant's content policies. A load failure is
// non-fatal to the pipeline: the turn proceeds with an empty policy set.
type PolicyStore interface {
	LoadPolicies(ctx context.Context, tenantID string) ([]policy_engine.Policy, error)
}

// PolicyEvaluator applies policies to text at a pipeline phase and
// redacts detected personal data. Implemented by policy_engine.
type PolicyEvaluator interface {
	Evaluate(text string, policies []policy_engine.Policy,
		phase policy_engine.PolicyMode) (bool, []policy_engine.Violation)
	Redact(text string, policies []policy_engine.Policy) string
}

// ProcedureEngine matches and executes deterministic scripted business
// actions. Procedures take priority over the cache because they may
// perform real side effects a stale cached answer must not skip.
type ProcedureEngine interface {
	// FindMatchingProcedure returns nil, nil when nothing matches.
	FindMatchingProcedure(ctx context.Context, tenantID, text string) (*datatypes.Procedure, error)
	ExecuteProcedure(ctx context.Context, procedure *datatypes.Procedure,
		execCtx ProcedureContext) (*datatypes.ProcedureOutcome, error)
}

// ProcedureContext is the turn state handed to an executing procedure.
type ProcedureContext struct {
	TenantID       string `json:"tenant_id"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id,omitempty"`
	Query          string `json:"query"`
}

// Retriever performs tenant-scoped vector search. A failure is treated
// as zero results, never as an aborted turn.
type Retriever interface {
	VectorSearch(ctx context.Context, tenantID, query string, topK int) ([]datatypes.RetrievedChunk, error)
}

// GenerationOutput is one completed generation.
type GenerationOutput struct {
	Content      string `json:"content"`
	TokensUsed   int    `json:"tokens_used"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Generator produces answers from a generation context, either whole or
// as a stream of deltas. Both forms may fail; the pipeline converts the
// failure into its error outcome rather than propagating it.
type Generator interface {
	GenerateCompletion(ctx context.Context, genCtx *datatypes.GenerationContext) (*GenerationOutput, error)
	GenerateCompletionStream(ctx context.Context, genCtx *datatypes.GenerationContext,
		callback StreamCallback) error
}

// ResponseCache maps tenant + normalized query to a previously resolved
// answer. GetCachedAnswer returns nil, nil on a miss.
type ResponseCache interface {
	GetCachedAnswer(ctx context.Context, tenantID, query string) (*datatypes.CachedAnswer, error)
	SetCachedAnswer(ctx context.Context, tenantID, query string,
		answer *datatypes.CachedAnswer, ttl time.Duration) error
}

// ConversationStore persists conversations and messages. Writes are
// append-mostly; status and first-response updates are best-effort
// single-field writes.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *datatypes.Conversation) error
	AppendMessage(ctx context.Context, msg *datatypes.Message) (string, error)
	UpdateConversationStatus(ctx context.Context, conversationID string,
		status datatypes.ConversationStatus) error
	// MarkFirstResponse records the first assistant reply time. A lost
	// update here is tolerated; failures are swallowed by callers.
	MarkFirstResponse(ctx context.Context, conversationID string, at time.Time) error
	LoadRecentHistory(ctx context.Context, conversationID string, limit int) ([]datatypes.Message, error)
}

// TenantSettings resolves per-tenant pipeline knobs.
type TenantSettings interface {
	ConfidenceThreshold(ctx context.Context, tenantID string) float64
}

// AuditEmitter is the fire-and-forget lifecycle event sink. Emit never
// blocks and its failures are ignored.
type AuditEmitter interface {
	Emit(event audit.Event)
}
