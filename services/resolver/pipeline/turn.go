// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
	"github.com/AleutianAI/AleutianDesk/services/resolver/audit"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/observability"
)

// turn is the state of one in-flight resolution. Never shared across
// goroutines; the streaming variant hands it to exactly one worker.
type turn struct {
	p       *Pipeline
	req     *datatypes.ResolutionRequest
	started time.Time

	policies       []policy_engine.Policy
	redacted       string
	conversationID string
	threshold      float64
	chunks         []datatypes.RetrievedChunk
	meanScore      float64
	debug          datatypes.DebugMetadata
}

func newTurn(p *Pipeline, req *datatypes.ResolutionRequest) *turn {
	return &turn{
		p:        p,
		req:      req,
		started:  time.Now(),
		redacted: req.Message,
	}
}

// runPreGenerationStages executes every stage up to (but excluding)
// generation, in order. A non-nil return is the terminal result; nil
// means the turn proceeds to generation. Both delivery modes share this
// sequence so their observable behavior cannot drift apart.
func (t *turn) runPreGenerationStages(ctx context.Context) *datatypes.ResolutionResult {
	stages := []func(context.Context) *datatypes.ResolutionResult{
		t.loadPolicies,
		t.preGate,
		t.redactQuery,
		t.ensureConversation,
		t.runProcedure,
		t.checkCache,
		t.retrieve,
		t.confidenceGate,
	}
	for _, stage := range stages {
		if result := stage(ctx); result != nil {
			return result
		}
	}
	return nil
}

// =============================================================================
// Stages
// =============================================================================

// loadPolicies fetches the tenant's policy set and confidence threshold.
// A load failure degrades to an empty set; the turn is never aborted
// over it.
func (t *turn) loadPolicies(ctx context.Context) *datatypes.ResolutionResult {
	policies, err := t.p.deps.Policies.LoadPolicies(ctx, t.req.TenantID)
	if err != nil {
		slog.Warn("Policy load failed, continuing with empty policy set",
			"tenant_id", t.req.TenantID, "request_id", t.req.RequestID, "error", err)
		policies = nil
	}
	t.policies = policies
	t.threshold = t.p.deps.Settings.ConfidenceThreshold(ctx, t.req.TenantID)
	return nil
}

// preGate evaluates the raw user text at the pre phase. A failure blocks
// the turn. The conversation and user message are still persisted so the
// blocked exchange is reviewable; blocking is not an escalation.
func (t *turn) preGate(ctx context.Context) *datatypes.ResolutionResult {
	passed, violations := t.p.deps.Evaluator.Evaluate(t.req.Message, t.policies, policy_engine.PolicyModePre)
	t.debug.PrePolicyPassed = passed
	t.debug.PreViolations = violations
	if passed {
		return nil
	}

	countViolations("pre", violations)
	t.emitAudit(audit.EventPolicyBlocked, joinViolationMessages(violations))

	t.setupConversation(ctx)
	t.persistUserMessage(ctx)

	return &datatypes.ResolutionResult{
		Resolved:      false,
		Escalated:     false,
		Content:       blockedMessage,
		BlockedReason: joinViolationMessages(violations),
	}
}

// redactQuery strips detected personal data from the text every
// downstream stage sees. The persisted user message keeps the original.
func (t *turn) redactQuery(_ context.Context) *datatypes.ResolutionResult {
	t.redacted = t.p.deps.Evaluator.Redact(t.req.Message, t.policies)
	if t.redacted != t.req.Message {
		t.emitAudit(audit.EventPIIRedacted, "")
	}
	return nil
}

// ensureConversation creates the thread lazily and persists the inbound
// user message. Dry runs synthesize an identifier without writing.
func (t *turn) ensureConversation(ctx context.Context) *datatypes.ResolutionResult {
	t.setupConversation(ctx)
	t.persistUserMessage(ctx)
	return nil
}

func (t *turn) setupConversation(ctx context.Context) {
	if t.conversationID != "" {
		return
	}
	if t.req.ConversationID != "" {
		t.conversationID = t.req.ConversationID
		return
	}
	t.conversationID = uuid.NewString()
	if t.req.DryRun {
		return
	}
	conv := &datatypes.Conversation{
		ID:        t.conversationID,
		TenantID:  t.req.TenantID,
		Channel:   t.req.Channel,
		Status:    datatypes.ConversationStatusActive,
		UserID:    t.req.UserID,
		CreatedAt: time.Now(),
	}
	if err := t.p.deps.Conversations.CreateConversation(ctx, conv); err != nil {
		slog.Error("Conversation create failed, turn continues unpersisted",
			"conversation_id", t.conversationID, "tenant_id", t.req.TenantID, "error", err)
	}
}

func (t *turn) persistUserMessage(ctx context.Context) {
	if t.req.DryRun {
		return
	}
	msg := &datatypes.Message{
		ConversationID: t.conversationID,
		Role:           datatypes.MessageRoleUser,
		Content:        t.req.Message,
		CreatedAt:      time.Now(),
	}
	if _, err := t.p.deps.Conversations.AppendMessage(ctx, msg); err != nil {
		slog.Error("User message persist failed",
			"conversation_id", t.conversationID, "error", err)
	}
}

// runProcedure short-circuits the turn when a deterministic scripted
// action matches. Procedures outrank the cache: a stale cached text must
// never skip a real side effect. Procedure answers are not cached for
// the same reason.
func (t *turn) runProcedure(ctx context.Context) *datatypes.ResolutionResult {
	if t.p.deps.Procedures == nil {
		return nil
	}
	proc, err := t.p.deps.Procedures.FindMatchingProcedure(ctx, t.req.TenantID, t.redacted)
	if err != nil {
		slog.Warn("Procedure match failed, treating as no match",
			"tenant_id", t.req.TenantID, "error", err)
		return nil
	}
	if proc == nil {
		return nil
	}

	t.debug.ProcedureID = proc.ID
	outcome, err := t.p.deps.Procedures.ExecuteProcedure(ctx, proc, ProcedureContext{
		TenantID:       t.req.TenantID,
		ConversationID: t.conversationID,
		UserID:         t.req.UserID,
		Query:          t.redacted,
	})
	if err != nil {
		// The script may have performed partial side effects; a human
		// has to pick this up rather than the pipeline retrying.
		perr := &ProcedureError{ProcedureID: proc.ID, Err: err}
		slog.Error("Procedure execution failed", "procedure_id", proc.ID, "error", perr)
		t.emitAudit(audit.EventProcedureRun, "failed")
		return t.escalate(ctx, procedureFailureFallback, 0)
	}
	t.emitAudit(audit.EventProcedureRun, proc.ID)
	if !outcome.Success {
		msg := outcome.FinalMessage
		if msg == "" {
			msg = procedureFailureFallback
		}
		return t.escalate(ctx, msg, 0)
	}
	return t.resolveWith(ctx, outcome.FinalMessage, 1.0, nil, false)
}

// checkCache serves a previously resolved answer for the same redacted
// query. Hits bypass retrieval and generation and are returned verbatim.
func (t *turn) checkCache(ctx context.Context) *datatypes.ResolutionResult {
	m := observability.Metrics()
	cached, err := t.p.deps.Cache.GetCachedAnswer(ctx, t.req.TenantID, t.redacted)
	if err != nil {
		slog.Warn("Cache lookup failed, treating as miss",
			"tenant_id", t.req.TenantID, "error", err)
		m.CacheRequestsTotal.WithLabelValues("error").Inc()
		return nil
	}
	if cached == nil {
		m.CacheRequestsTotal.WithLabelValues("miss").Inc()
		return nil
	}
	m.CacheRequestsTotal.WithLabelValues("hit").Inc()
	t.debug.CacheHit = true
	t.emitAudit(audit.EventCacheHit, "")
	return t.resolveWith(ctx, cached.Content, cached.Confidence, cached.Citations, false)
}

// retrieve asks for the top-K similar knowledge chunks. A failure reads
// as zero results and falls through to the confidence gate.
func (t *turn) retrieve(ctx context.Context) *datatypes.ResolutionResult {
	chunks, err := t.p.deps.Retriever.VectorSearch(ctx, t.req.TenantID, t.redacted, t.p.cfg.TopK)
	if err != nil {
		rerr := &RetrievalError{TenantID: t.req.TenantID, Err: err}
		slog.Warn("Retrieval failed, treating as zero results", "error", rerr)
		chunks = nil
	}
	t.chunks = chunks
	t.debug.RetrievalCount = len(chunks)
	observability.Metrics().RetrievalChunks.Observe(float64(len(chunks)))
	return nil
}

// confidenceGate escalates when retrieval support is too weak to trust a
// generated answer. A mean exactly at the threshold passes; zero chunks
// read as confidence 0 and always escalate.
func (t *turn) confidenceGate(ctx context.Context) *datatypes.ResolutionResult {
	t.meanScore = MeanScore(t.chunks)
	t.debug.MeanRetrievalScore = t.meanScore
	if len(t.chunks) > 0 && t.meanScore >= t.threshold {
		return nil
	}
	return t.escalate(ctx, lowConfidenceFallback, t.meanScore)
}

// =============================================================================
// Generation (single-shot)
// =============================================================================

// generateSingleShot requests one whole completion and runs the shared
// post-generation path on it. A backend failure is the pipeline's only
// true error outcome: neither blocked nor escalated, nothing persisted
// beyond the user message.
func (t *turn) generateSingleShot(ctx context.Context) *datatypes.ResolutionResult {
	genCtx := t.buildGenerationContext(ctx)
	out, err := t.p.deps.Generator.GenerateCompletion(ctx, genCtx)
	if err != nil {
		return t.generationFailed(err)
	}
	return t.completeAnswer(ctx, out.Content, out.TokensUsed)
}

func (t *turn) generationFailed(err error) *datatypes.ResolutionResult {
	gerr := &GenerationError{Backend: "generator", Err: err}
	slog.Error("Generation failed",
		"tenant_id", t.req.TenantID, "request_id", t.req.RequestID, "error", gerr)
	t.emitAudit(audit.EventGenerationFail, sanitizeErrorForClient(gerr))
	return &datatypes.ResolutionResult{
		Resolved:   false,
		Escalated:  false,
		Content:    generationFailureMessage,
		Confidence: t.meanScore,
	}
}

// buildGenerationContext assembles the redacted query, the retrieved
// chunks, and recent history. The in-flight user message is excluded
// from history; it already appears as the query.
func (t *turn) buildGenerationContext(ctx context.Context) *datatypes.GenerationContext {
	var history []datatypes.HistoryTurn
	messages, err := t.p.deps.Conversations.LoadRecentHistory(ctx, t.conversationID, t.p.cfg.HistoryLimit)
	if err != nil {
		slog.Warn("History load failed, generating without history",
			"conversation_id", t.conversationID, "error", err)
		messages = nil
	}
	for _, msg := range messages {
		if msg.Role == datatypes.MessageRoleUser && msg.Content == t.req.Message {
			continue
		}
		history = append(history, datatypes.HistoryTurn{Role: msg.Role, Content: msg.Content})
	}
	return &datatypes.GenerationContext{
		Query:   t.redacted,
		Chunks:  t.chunks,
		History: history,
	}
}

// =============================================================================
// Shared Completion Path
// =============================================================================

// completeAnswer runs the post-generation gate, persists the assistant
// reply, updates conversation status, and schedules the cache write.
// Both delivery modes funnel generated answers through here.
func (t *turn) completeAnswer(ctx context.Context, content string, tokensUsed int) *datatypes.ResolutionResult {
	t.debug.TokensUsed = tokensUsed
	if tokensUsed > 0 {
		observability.Metrics().GenerationTokensTotal.Add(float64(tokensUsed))
	}

	passed, violations := t.p.deps.Evaluator.Evaluate(content, t.policies, policy_engine.PolicyModePost)
	t.debug.PostPolicyPassed = passed
	t.debug.PostViolations = violations
	if !passed {
		countViolations("post", violations)
		// The unsafe draft is persisted for audit; the caller only ever
		// sees the fallback text.
		messageID := t.persistAssistantMessage(ctx, content, t.meanScore, nil)
		t.setConversationStatus(ctx, datatypes.ConversationStatusEscalated)
		t.emitAudit(audit.EventTurnEscalated, joinViolationMessages(violations))
		return &datatypes.ResolutionResult{
			Resolved:      false,
			Escalated:     true,
			Content:       postPolicyFallback,
			Confidence:    t.meanScore,
			BlockedReason: joinViolationMessages(violations),
			MessageID:     messageID,
		}
	}

	citations := DedupeCitations(t.chunks)
	result := t.resolveWith(ctx, content, t.meanScore, citations, true)
	return result
}

// resolveWith persists the assistant reply and returns the resolved
// result. writeCache is false for procedure and cache-hit answers.
func (t *turn) resolveWith(ctx context.Context, content string, confidence float64,
	citations []datatypes.Citation, writeCache bool) *datatypes.ResolutionResult {

	messageID := t.persistAssistantMessage(ctx, content, confidence, citations)
	if confidence >= t.threshold {
		t.setConversationStatus(ctx, datatypes.ConversationStatusResolved)
	}
	t.markFirstResponse(ctx)
	t.emitAudit(audit.EventTurnResolved, "")

	if writeCache && !t.req.DryRun {
		t.scheduleCacheWrite(content, confidence, citations)
	}
	return &datatypes.ResolutionResult{
		Resolved:   true,
		Escalated:  false,
		Content:    content,
		Confidence: confidence,
		Citations:  citations,
		MessageID:  messageID,
	}
}

// escalate persists the fallback reply, flips the conversation to
// escalated, and returns the escalation result.
func (t *turn) escalate(ctx context.Context, content string, confidence float64) *datatypes.ResolutionResult {
	messageID := t.persistAssistantMessage(ctx, content, confidence, nil)
	t.setConversationStatus(ctx, datatypes.ConversationStatusEscalated)
	t.emitAudit(audit.EventTurnEscalated, "")
	return &datatypes.ResolutionResult{
		Resolved:   false,
		Escalated:  true,
		Content:    content,
		Confidence: confidence,
		MessageID:  messageID,
	}
}

// =============================================================================
// Persistence Helpers
// =============================================================================

func (t *turn) persistAssistantMessage(ctx context.Context, content string,
	confidence float64, citations []datatypes.Citation) *string {

	if t.req.DryRun {
		return nil
	}
	conf := confidence
	msg := &datatypes.Message{
		ConversationID: t.conversationID,
		Role:           datatypes.MessageRoleAssistant,
		Content:        content,
		Confidence:     &conf,
		Citations:      citations,
		CreatedAt:      time.Now(),
	}
	id, err := t.p.deps.Conversations.AppendMessage(ctx, msg)
	if err != nil {
		slog.Error("Assistant message persist failed",
			"conversation_id", t.conversationID, "error", err)
		return nil
	}
	return &id
}

func (t *turn) setConversationStatus(ctx context.Context, status datatypes.ConversationStatus) {
	if t.req.DryRun {
		return
	}
	if err := t.p.deps.Conversations.UpdateConversationStatus(ctx, t.conversationID, status); err != nil {
		slog.Warn("Conversation status update failed",
			"conversation_id", t.conversationID, "status", status, "error", err)
	}
}

func (t *turn) markFirstResponse(ctx context.Context) {
	if t.req.DryRun {
		return
	}
	// Best effort. A lost first-response timestamp is tolerated.
	if err := t.p.deps.Conversations.MarkFirstResponse(ctx, t.conversationID, time.Now()); err != nil {
		slog.Warn("First-response mark failed",
			"conversation_id", t.conversationID, "error", err)
	}
}

// scheduleCacheWrite populates the response cache after the terminal
// result is already decided. Failures never surface to the caller.
func (t *turn) scheduleCacheWrite(content string, confidence float64, citations []datatypes.Citation) {
	tenantID, query, ttl := t.req.TenantID, t.redacted, t.p.cfg.CacheTTL
	cache := t.p.deps.Cache
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		answer := &datatypes.CachedAnswer{
			Content:    content,
			Confidence: confidence,
			Citations:  citations,
		}
		if err := cache.SetCachedAnswer(ctx, tenantID, query, answer, ttl); err != nil {
			slog.Warn("Cache write failed", "tenant_id", tenantID, "error", err)
		}
	}()
}

// =============================================================================
// Bookkeeping
// =============================================================================

// finish stamps the shared result fields and records the outcome.
func (t *turn) finish(_ context.Context, result *datatypes.ResolutionResult) {
	result.ConversationID = t.conversationID
	t.debug.DurationMs = time.Since(t.started).Milliseconds()
	result.Debug = t.debug
	recordOutcome(t.req.TenantID, result, time.Since(t.started))
}

func (t *turn) emitAudit(eventType audit.EventType, detail string) {
	t.p.deps.Audit.Emit(audit.Event{
		Type:           eventType,
		TenantID:       t.req.TenantID,
		RequestID:      t.req.RequestID,
		ConversationID: t.conversationID,
		Detail:         detail,
	})
}

func joinViolationMessages(violations []policy_engine.Violation) string {
	if len(violations) == 0 {
		return ""
	}
	parts := make([]string, 0, len(violations))
	for _, v := range violations {
		parts = append(parts, v.Message)
	}
	return strings.Join(parts, "; ")
}

func countViolations(phase string, violations []policy_engine.Violation) {
	m := observability.Metrics()
	for _, v := range violations {
		m.PolicyViolationsTotal.WithLabelValues(phase, string(v.PolicyType)).Inc()
	}
}
