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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDesk/services/llm"
	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

// =============================================================================
// Fakes
// =============================================================================

type fakePolicyStore struct {
	policies []policy_engine.Policy
	err      error
}

func (s *fakePolicyStore) LoadPolicies(context.Context, string) ([]policy_engine.Policy, error) {
	return s.policies, s.err
}

type fakeRetriever struct {
	mu        sync.Mutex
	chunks    []datatypes.RetrievedChunk
	err       error
	calls     int
	lastQuery string
}

func (r *fakeRetriever) VectorSearch(_ context.Context, _ string, query string, _ int) ([]datatypes.RetrievedChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastQuery = query
	return r.chunks, r.err
}

type fakeGenerator struct {
	mu          sync.Mutex
	out         *GenerationOutput
	err         error
	calls       int
	deltas      []string
	tokens      int
	streamCalls int
	// holdAfterFirstDelta, when non-nil, makes the stream park on ctx
	// after the first delta, simulating a slow backend.
	holdAfterFirstDelta bool
}

func (g *fakeGenerator) GenerateCompletion(context.Context, *datatypes.GenerationContext) (*GenerationOutput, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	return g.out, nil
}

func (g *fakeGenerator) GenerateCompletionStream(ctx context.Context, _ *datatypes.GenerationContext,
	callback StreamCallback) error {

	g.mu.Lock()
	g.streamCalls++
	deltas, tokens, hold, err := g.deltas, g.tokens, g.holdAfterFirstDelta, g.err
	g.mu.Unlock()

	if err != nil {
		_ = callback(llm.StreamEvent{Type: llm.StreamEventError, Error: err.Error()})
		return err
	}
	for i, delta := range deltas {
		if cbErr := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: delta}); cbErr != nil {
			return cbErr
		}
		if hold && i == 0 {
			<-ctx.Done()
			return ctx.Err()
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone, TokensUsed: tokens})
}

type fakeCache struct {
	mu       sync.Mutex
	answer   *datatypes.CachedAnswer
	err      error
	getCalls int
	setCalls int
	lastKey  string
	lastSet  *datatypes.CachedAnswer
}

func (c *fakeCache) GetCachedAnswer(_ context.Context, _ string, query string) (*datatypes.CachedAnswer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getCalls++
	c.lastKey = query
	return c.answer, c.err
}

func (c *fakeCache) SetCachedAnswer(_ context.Context, _ string, query string,
	answer *datatypes.CachedAnswer, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setCalls++
	c.lastKey = query
	c.lastSet = answer
	return nil
}

func (c *fakeCache) writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setCalls
}

type fakeConversations struct {
	mu            sync.Mutex
	created       []*datatypes.Conversation
	messages      []datatypes.Message
	statuses      map[string]datatypes.ConversationStatus
	firstResponse map[string]time.Time
	history       []datatypes.Message
	nextID        int
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		statuses:      make(map[string]datatypes.ConversationStatus),
		firstResponse: make(map[string]time.Time),
	}
}

func (s *fakeConversations) CreateConversation(_ context.Context, conv *datatypes.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, conv)
	s.statuses[conv.ID] = conv.Status
	return nil
}

func (s *fakeConversations) AppendMessage(_ context.Context, msg *datatypes.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = uuid.NewString()
	msg.TurnIndex = s.nextID
	s.messages = append(s.messages, *msg)
	return msg.ID, nil
}

func (s *fakeConversations) UpdateConversationStatus(_ context.Context, conversationID string,
	status datatypes.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[conversationID] = status
	return nil
}

func (s *fakeConversations) MarkFirstResponse(_ context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstResponse[conversationID] = at
	return nil
}

func (s *fakeConversations) LoadRecentHistory(context.Context, string, int) ([]datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, nil
}

func (s *fakeConversations) messagesByRole(role string) []datatypes.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datatypes.Message
	for _, m := range s.messages {
		if m.Role == role {
			out = append(out, m)
		}
	}
	return out
}

type fakeSettings struct{ threshold float64 }

func (s *fakeSettings) ConfidenceThreshold(context.Context, string) float64 { return s.threshold }

type fakeProcedures struct {
	mu       sync.Mutex
	proc     *datatypes.Procedure
	outcome  *datatypes.ProcedureOutcome
	matchErr error
	execErr  error
	executed int
}

func (p *fakeProcedures) FindMatchingProcedure(context.Context, string, string) (*datatypes.Procedure, error) {
	return p.proc, p.matchErr
}

func (p *fakeProcedures) ExecuteProcedure(context.Context, *datatypes.Procedure,
	ProcedureContext) (*datatypes.ProcedureOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.executed++
	if p.execErr != nil {
		return nil, p.execErr
	}
	return p.outcome, nil
}

// =============================================================================
// Rig
// =============================================================================

type rig struct {
	pipeline      *Pipeline
	policies      *fakePolicyStore
	retriever     *fakeRetriever
	generator     *fakeGenerator
	cache         *fakeCache
	conversations *fakeConversations
	settings      *fakeSettings
	procedures    *fakeProcedures
}

func newRig(t *testing.T) *rig {
	t.Helper()
	r := &rig{
		policies:      &fakePolicyStore{},
		retriever:     &fakeRetriever{},
		generator:     &fakeGenerator{out: &GenerationOutput{Content: "Here is your answer.", TokensUsed: 42}},
		cache:         &fakeCache{},
		conversations: newFakeConversations(),
		settings:      &fakeSettings{threshold: 0.7},
		procedures:    &fakeProcedures{},
	}
	engine, err := policy_engine.NewPolicyEngine()
	require.NoError(t, err, "policy engine construction should succeed")
	p, err := NewPipeline(Deps{
		Policies:      r.policies,
		Evaluator:     engine,
		Procedures:    r.procedures,
		Retriever:     r.retriever,
		Generator:     r.generator,
		Cache:         r.cache,
		Conversations: r.conversations,
		Settings:      r.settings,
	}, Config{})
	require.NoError(t, err, "pipeline construction should succeed")
	r.pipeline = p
	return r
}

func testRequest() *datatypes.ResolutionRequest {
	return &datatypes.ResolutionRequest{
		TenantID: "tenant-1",
		Message:  "How do I reset my password?",
		Channel:  "web",
	}
}

func chunksWithScores(sourceID string, scores ...float64) []datatypes.RetrievedChunk {
	out := make([]datatypes.RetrievedChunk, 0, len(scores))
	for _, score := range scores {
		out = append(out, datatypes.RetrievedChunk{
			ID:       uuid.NewString(),
			Score:    score,
			Text:     "chunk text",
			SourceID: sourceID,
		})
	}
	return out
}

func mustPolicyConfig(t *testing.T, cfg any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	return raw
}

func topicPrePolicy(t *testing.T, keywords ...string) policy_engine.Policy {
	t.Helper()
	return policy_engine.Policy{
		ID:       uuid.NewString(),
		TenantID: "tenant-1",
		Name:     "blocked topics",
		Type:     policy_engine.PolicyTypeTopicFilter,
		Mode:     policy_engine.PolicyModePre,
		Enabled:  true,
		Config:   mustPolicyConfig(t, policy_engine.TopicFilterConfig{BlockedTopics: keywords}),
	}
}

// =============================================================================
// Single-Shot Scenarios
// =============================================================================

func TestResolve_SuccessPath(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.92, 0.88)

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Resolved, "high-confidence generation should resolve")
	assert.False(t, result.Escalated)
	assert.Greater(t, result.Confidence, 0.7)
	assert.Equal(t, []datatypes.Citation{{SourceID: "source-1"}}, result.Citations,
		"same-source chunks collapse to one citation")
	assert.Equal(t, "Here is your answer.", result.Content)
	require.NotNil(t, result.MessageID, "assistant message should be persisted")

	assistant := r.conversations.messagesByRole(datatypes.MessageRoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, datatypes.ConversationStatusResolved, r.conversations.statuses[result.ConversationID])
	assert.Equal(t, 42, result.Debug.TokensUsed)
	assert.True(t, result.Debug.PrePolicyPassed)
	assert.True(t, result.Debug.PostPolicyPassed)
	assert.InDelta(t, 0.9, result.Debug.MeanRetrievalScore, 1e-9)

	require.Eventually(t, func() bool { return r.cache.writes() == 1 },
		2*time.Second, 10*time.Millisecond, "successful answers populate the cache")
}

func TestResolve_PreGateBlocks(t *testing.T) {
	r := newRig(t)
	r.policies.policies = []policy_engine.Policy{topicPrePolicy(t, "competitors")}

	req := testRequest()
	req.Message = "How do you compare to competitors?"
	result, err := r.pipeline.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, result.Resolved)
	assert.False(t, result.Escalated, "blocking is distinct from escalation")
	assert.Contains(t, result.BlockedReason, "competitors")
	assert.Equal(t, 0, r.retriever.calls, "retrieval never runs on a blocked turn")
	assert.Equal(t, 0, r.generator.calls, "generation never runs on a blocked turn")

	users := r.conversations.messagesByRole(datatypes.MessageRoleUser)
	require.Len(t, users, 1, "the blocked user message is still persisted")
	assert.Empty(t, r.conversations.messagesByRole(datatypes.MessageRoleAssistant))
}

func TestResolve_LowConfidenceEscalates(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.3)

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, result.Resolved)
	assert.True(t, result.Escalated)
	assert.InDelta(t, 0.3, result.Confidence, 1e-9)
	assert.Equal(t, lowConfidenceFallback, result.Content)
	assert.Equal(t, 0, r.generator.calls, "generation never runs below the threshold")
	assert.Equal(t, datatypes.ConversationStatusEscalated, r.conversations.statuses[result.ConversationID])
}

func TestResolve_ZeroChunksEscalates(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = nil

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Escalated)
	assert.Zero(t, result.Confidence, "zero chunks read as confidence exactly 0")
	assert.Equal(t, 0, r.generator.calls)
}

func TestResolve_ThresholdBoundaryPasses(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.7)

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Resolved, "a mean exactly at the threshold passes")
	assert.Equal(t, 1, r.generator.calls)
	assert.InDelta(t, 0.7, result.Confidence, 1e-9)
}

func TestResolve_ProcedureShortCircuit(t *testing.T) {
	r := newRig(t)
	r.procedures.proc = &datatypes.Procedure{ID: "proc-1", TenantID: "tenant-1", Name: "refund"}
	r.procedures.outcome = &datatypes.ProcedureOutcome{Success: true, FinalMessage: "Your refund has been issued."}

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Resolved)
	assert.Equal(t, 1.0, result.Confidence, "procedure answers carry fixed confidence 1.0")
	assert.Contains(t, result.Content, "refund")
	assert.Equal(t, 0, r.retriever.calls, "procedures skip retrieval")
	assert.Equal(t, 0, r.generator.calls, "procedures skip generation")
	assert.Equal(t, 0, r.cache.getCalls, "procedures outrank the cache lookup")
	assert.Equal(t, "proc-1", result.Debug.ProcedureID)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.cache.writes(), "procedure answers are never cached")
}

func TestResolve_ProcedureFailureEscalates(t *testing.T) {
	r := newRig(t)
	r.procedures.proc = &datatypes.Procedure{ID: "proc-1", TenantID: "tenant-1", Name: "refund"}
	r.procedures.execErr = errors.New("downstream system timeout")

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, result.Resolved)
	assert.True(t, result.Escalated, "a partially executed script needs a human")
	assert.Equal(t, procedureFailureFallback, result.Content)
	assert.Equal(t, 0, r.generator.calls)
}

func TestResolve_CacheHit(t *testing.T) {
	r := newRig(t)
	r.cache.answer = &datatypes.CachedAnswer{
		Content:    "Cached answer text.",
		Confidence: 0.95,
		Citations:  []datatypes.Citation{{SourceID: "source-9"}},
	}

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Resolved)
	assert.Equal(t, "Cached answer text.", result.Content)
	assert.Equal(t, 0.95, result.Confidence, "a hit is returned exactly as stored")
	assert.Equal(t, []datatypes.Citation{{SourceID: "source-9"}}, result.Citations)
	assert.True(t, result.Debug.CacheHit)
	assert.Equal(t, 0, r.retriever.calls, "hits skip retrieval")
	assert.Equal(t, 0, r.generator.calls, "hits skip generation")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.cache.writes(), "a hit is not rewritten")
}

func TestResolve_GenerationFailure(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.9)
	r.generator.err = errors.New("upstream 503")

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err, "generation failure is an outcome, not a pipeline error")

	assert.False(t, result.Resolved)
	assert.False(t, result.Escalated, "a transient failure is neither block nor escalation")
	assert.Contains(t, result.Content, "error")
	assert.Empty(t, r.conversations.messagesByRole(datatypes.MessageRoleAssistant),
		"no assistant message is persisted for a failed generation")
	assert.Equal(t, datatypes.ConversationStatusActive, r.conversations.statuses[result.ConversationID])
}

func TestResolve_DryRun(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.9)

	req := testRequest()
	req.DryRun = true
	result, err := r.pipeline.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, result.Resolved)
	assert.Nil(t, result.MessageID, "dry runs never report a persisted message")
	assert.NotEmpty(t, result.ConversationID, "dry runs still report a conversation identifier")
	assert.Empty(t, r.conversations.created, "dry runs create nothing")
	assert.Empty(t, r.conversations.messages, "dry runs persist nothing")

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, r.cache.writes(), "dry runs do not populate the cache")
}

func TestResolve_PostGateEscalates(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.9)
	r.generator.out = &GenerationOutput{Content: "You should definitely sue them.", TokensUsed: 10}
	r.policies.policies = []policy_engine.Policy{{
		ID:      uuid.NewString(),
		Name:    "no legal advice",
		Type:    policy_engine.PolicyTypeTone,
		Mode:    policy_engine.PolicyModePost,
		Enabled: true,
		Config:  mustPolicyConfig(t, policy_engine.ToneConfig{BlockedPhrases: []string{"sue them"}}),
	}}

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.False(t, result.Resolved)
	assert.True(t, result.Escalated)
	assert.Equal(t, postPolicyFallback, result.Content, "the caller sees only the fallback")
	assert.NotEmpty(t, result.BlockedReason)

	assistant := r.conversations.messagesByRole(datatypes.MessageRoleAssistant)
	require.Len(t, assistant, 1)
	assert.Equal(t, "You should definitely sue them.", assistant[0].Content,
		"the unsafe draft is persisted for audit")
	assert.Equal(t, datatypes.ConversationStatusEscalated, r.conversations.statuses[result.ConversationID])
}

func TestResolve_PolicyLoadFailureDegrades(t *testing.T) {
	r := newRig(t)
	r.policies.err = errors.New("policy store down")
	r.retriever.chunks = chunksWithScores("source-1", 0.9)

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.True(t, result.Resolved, "a policy load failure degrades to an empty set")
}

func TestResolve_RetrievalFailureTreatedAsEmpty(t *testing.T) {
	r := newRig(t)
	r.retriever.err = errors.New("vector store unreachable")

	result, err := r.pipeline.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.True(t, result.Escalated)
	assert.Zero(t, result.Confidence)
	assert.Zero(t, result.Debug.RetrievalCount)
}

func TestResolve_RedactedQueryFlowsDownstream(t *testing.T) {
	r := newRig(t)
	r.policies.policies = []policy_engine.Policy{{
		ID:      uuid.NewString(),
		Name:    "redact pii",
		Type:    policy_engine.PolicyTypePIIFilter,
		Mode:    policy_engine.PolicyModePre,
		Enabled: true,
		Config: mustPolicyConfig(t, policy_engine.PIIFilterConfig{
			Kinds:  []string{"email"},
			Action: policy_engine.PIIActionRedact,
		}),
	}}
	r.retriever.chunks = chunksWithScores("source-1", 0.9)

	req := testRequest()
	req.Message = "My login is jane@example.com and it stopped working"
	result, err := r.pipeline.Resolve(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Resolved)

	assert.NotContains(t, r.retriever.lastQuery, "jane@example.com",
		"retrieval must see the redacted query")
	assert.Contains(t, r.retriever.lastQuery, policy_engine.RedactedToken)

	users := r.conversations.messagesByRole(datatypes.MessageRoleUser)
	require.Len(t, users, 1)
	assert.Contains(t, users[0].Content, "jane@example.com",
		"the persisted user message keeps the original text")
}

func TestResolve_ExistingConversationReused(t *testing.T) {
	r := newRig(t)
	r.retriever.chunks = chunksWithScores("source-1", 0.9)

	req := testRequest()
	req.ConversationID = uuid.NewString()
	result, err := r.pipeline.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, req.ConversationID, result.ConversationID)
	assert.Empty(t, r.conversations.created, "an existing identifier is reused, not recreated")
}

func TestResolve_InvalidRequest(t *testing.T) {
	r := newRig(t)
	_, err := r.pipeline.Resolve(context.Background(), &datatypes.ResolutionRequest{TenantID: "tenant-1"})
	require.Error(t, err, "a request without a message is rejected")
}

func TestNewPipeline_RequiresDependencies(t *testing.T) {
	_, err := NewPipeline(Deps{}, Config{})
	require.Error(t, err)
}
