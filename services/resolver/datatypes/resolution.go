// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the resolver service.
//
// This file contains the request/response shapes of the resolution
// pipeline. For conversation persistence types, see conversation.go.
package datatypes

import (
	"time"

	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single inbound message.
	// Per SEC-003: Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// DefaultChannel is assumed when the adapter does not tag the message.
	DefaultChannel = "web"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// resolveValidate is the validator instance for resolver datatypes.
// Initialized in init() with custom validators.
var resolveValidate *validator.Validate

func init() {
	resolveValidate = validator.New()

	// Register custom validator for message content size (SEC-003)
	_ = resolveValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes validates that a string field does not exceed
// MaxMessageContentBytes. Checks byte length (not rune count) to prevent
// memory exhaustion with large payloads.
func validateMaxBytes(fl validator.FieldLevel) bool {
	content := fl.Field().String()
	return len(content) <= MaxMessageContentBytes
}

// =============================================================================
// Resolution Request
// =============================================================================

// ResolutionRequest is one inbound user message handed to the pipeline.
//
// # Description
//
// The request is immutable input: the pipeline never mutates it. A missing
// ConversationID means this is the first message of a thread and a
// conversation is created lazily. DryRun runs every read stage but
// suppresses all persistence.
//
// # Fields
//
//   - RequestID: Optional. Unique identifier (UUID v4) for tracing and
//     audit correlation. Generated server-side when absent.
//   - TenantID: Required. The isolated customer organization this message
//     belongs to. Policies, knowledge, and conversations never cross it.
//   - ConversationID: Optional. Existing thread to append to (UUID v4).
//   - Message: Required. Raw user text, at most 32KB (SEC-003).
//   - Channel: Optional channel tag (web, email, whatsapp, voice, api).
//   - UserID: Optional end-user identifier for the conversation record.
//   - DryRun: Optional. Compute the result without persisting anything.
//
// # Examples
//
//	req := ResolutionRequest{
//	    TenantID: "tenant-42",
//	    Message:  "How do I reset my password?",
//	    Channel:  "web",
//	}
//	req.EnsureDefaults()
type ResolutionRequest struct {
	RequestID      string `json:"request_id" validate:"omitempty,uuid4"`
	TenantID       string `json:"tenant_id" validate:"required"`
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid4"`
	Message        string `json:"message" validate:"required,maxbytes"`
	Channel        string `json:"channel" validate:"omitempty,oneof=web email whatsapp voice api"`
	UserID         string `json:"user_id"`
	DryRun         bool   `json:"dry_run"`
	Timestamp      int64  `json:"timestamp" validate:"omitempty,gt=0"`
}

// Validate validates the ResolutionRequest fields after JSON binding.
func (r *ResolutionRequest) Validate() error {
	return resolveValidate.Struct(r)
}

// EnsureDefaults populates generated identifiers and the channel tag so
// every request is traceable even when the adapter omits them.
func (r *ResolutionRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.Channel == "" {
		r.Channel = DefaultChannel
	}
}

// =============================================================================
// Resolution Result
// =============================================================================

// Citation references one knowledge source that contributed to an answer.
// Multiple chunks from the same source collapse to a single citation.
type Citation struct {
	SourceID string `json:"source_id"`
}

// DebugMetadata carries per-turn diagnostics for dashboards and tests.
type DebugMetadata struct {
	RetrievalCount     int                      `json:"retrieval_count"`
	MeanRetrievalScore float64                  `json:"mean_retrieval_score"`
	PrePolicyPassed    bool                     `json:"pre_policy_passed"`
	PostPolicyPassed   bool                     `json:"post_policy_passed"`
	PreViolations      []policy_engine.Violation  `json:"pre_violations,omitempty"`
	PostViolations     []policy_engine.Violation  `json:"post_violations,omitempty"`
	TokensUsed         int                      `json:"tokens_used"`
	DurationMs         int64                    `json:"duration_ms"`
	CacheHit           bool                     `json:"cache_hit"`
	ProcedureID        string                   `json:"procedure_id,omitempty"`
}

// ResolutionResult is the single well-formed outcome of one turn.
//
// Exactly one of the business outcomes holds: resolved (answered),
// blocked (pre-policy violation, BlockedReason set, Escalated false),
// escalated (low confidence or post-policy violation), or a generation
// error (Resolved and Escalated both false with an apologetic Content).
// MessageID is nil when the turn ran dry or nothing was persisted.
type ResolutionResult struct {
	Resolved       bool          `json:"resolved"`
	Content        string        `json:"content"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Confidence     float64       `json:"confidence"`
	Citations      []Citation    `json:"citations,omitempty"`
	Escalated      bool          `json:"escalated"`
	BlockedReason  string        `json:"blocked_reason,omitempty"`
	MessageID      *string       `json:"message_id"`
	Debug          DebugMetadata `json:"debug"`
}

// =============================================================================
// External Collaborator Shapes
// =============================================================================

// RetrievedChunk is one ranked knowledge fragment from vector search.
type RetrievedChunk struct {
	ID       string  `json:"id"`
	Score    float64 `json:"score"`
	Text     string  `json:"text"`
	SourceID string  `json:"source_id"`
}

// CachedAnswer is a previously resolved answer keyed by tenant and
// normalized query.
type CachedAnswer struct {
	Content    string     `json:"content"`
	Confidence float64    `json:"confidence"`
	Citations  []Citation `json:"citations,omitempty"`
}

// Procedure is a deterministic, trigger-matched scripted business action
// (for example refund handling). Only the shape the pipeline consumes is
// modeled; authoring and step interpretation live in the procedure engine.
type Procedure struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

// ProcedureOutcome is the final state of an executed procedure.
type ProcedureOutcome struct {
	Success      bool   `json:"success"`
	FinalMessage string `json:"final_message"`
}

// GenerationContext is everything the generation backend sees for one
// turn: the redacted query, the retrieved chunks, and the recent history
// excluding the in-flight user message.
type GenerationContext struct {
	Query   string           `json:"query"`
	Chunks  []RetrievedChunk `json:"chunks"`
	History []HistoryTurn    `json:"history,omitempty"`
}

// HistoryTurn is one prior conversation turn in generation context order.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
