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
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianDesk/services/resolver/audit"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/observability"
)

var tracer = otel.Tracer("aleutian.resolver.pipeline")

// =============================================================================
// Tunables and Fixed Messages
// =============================================================================

const (
	// DefaultTopK is how many knowledge chunks retrieval asks for.
	DefaultTopK = 5

	// DefaultHistoryLimit caps the prior turns handed to generation.
	DefaultHistoryLimit = 20

	// DefaultCacheTTL bounds how long a resolved answer is served from
	// cache before knowledge drift forces regeneration.
	DefaultCacheTTL = time.Hour
)

const (
	blockedMessage = "Your message can't be processed because it conflicts " +
		"with this workspace's content policies."

	lowConfidenceFallback = "I'm not confident I can answer that accurately, " +
		"so I'm handing this conversation to a human agent who will follow up shortly."

	postPolicyFallback = "I can't share the answer I drafted, so I'm handing " +
		"this conversation to a human agent who will follow up shortly."

	generationFailureMessage = "I'm sorry, an internal error prevented me from " +
		"answering. Please try again in a moment."

	procedureFailureFallback = "I couldn't complete that action automatically, " +
		"so I'm handing this conversation to a human agent who will follow up shortly."
)

// =============================================================================
// Construction
// =============================================================================

// Deps are the external collaborators, injected at construction.
// Procedures may be nil (the stage is skipped); a nil Audit falls back
// to a no-op emitter. Everything else is required.
type Deps struct {
	Policies      PolicyStore
	Evaluator     PolicyEvaluator
	Procedures    ProcedureEngine
	Retriever     Retriever
	Generator     Generator
	Cache         ResponseCache
	Conversations ConversationStore
	Settings      TenantSettings
	Audit         AuditEmitter
}

// Config carries the pipeline tunables. Zero values take defaults.
type Config struct {
	TopK         int
	HistoryLimit int
	CacheTTL     time.Duration
}

func (c *Config) ensureDefaults() {
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = DefaultHistoryLimit
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
}

// Pipeline resolves inbound messages. Safe for concurrent use; each
// invocation carries its own turn state.
type Pipeline struct {
	deps Deps
	cfg  Config
}

// NewPipeline validates the dependency set and returns a ready pipeline.
func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Policies == nil:
		return nil, errors.New("pipeline: PolicyStore is required")
	case deps.Evaluator == nil:
		return nil, errors.New("pipeline: PolicyEvaluator is required")
	case deps.Retriever == nil:
		return nil, errors.New("pipeline: Retriever is required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: Generator is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: ResponseCache is required")
	case deps.Conversations == nil:
		return nil, errors.New("pipeline: ConversationStore is required")
	case deps.Settings == nil:
		return nil, errors.New("pipeline: TenantSettings is required")
	}
	if deps.Audit == nil {
		deps.Audit = nopAudit{}
	}
	cfg.ensureDefaults()
	return &Pipeline{deps: deps, cfg: cfg}, nil
}

type nopAudit struct{}

func (nopAudit) Emit(audit.Event) {}

// =============================================================================
// Single-Shot Entry Point
// =============================================================================

// Resolve runs one inbound message through the full pipeline and returns
// its terminal result.
//
// # Description
//
// The stages run in a fixed order, each either passing the turn along or
// producing the terminal result: load policies, pre-generation policy
// gate, redaction, conversation bookkeeping, procedure short-circuit,
// cache short-circuit, retrieval, confidence gate, generation, and the
// post-generation gate. Callers always get a well-formed result; only a
// request that fails validation yields an error.
//
// # Inputs
//
//   - ctx: bounds every external call made during the turn.
//   - req: the inbound message. Defaults are filled in here.
//
// # Outputs
//
//   - *datatypes.ResolutionResult: exactly one business outcome.
//   - error: non-nil only for an invalid request.
func (p *Pipeline) Resolve(ctx context.Context, req *datatypes.ResolutionRequest) (*datatypes.ResolutionResult, error) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resolution request: %w", err)
	}

	ctx, span := tracer.Start(ctx, "pipeline.Resolve")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("request.id", req.RequestID),
		attribute.Bool("request.dry_run", req.DryRun),
	)

	t := newTurn(p, req)
	t.emitAudit(audit.EventTurnStarted, "")

	result := t.runPreGenerationStages(ctx)
	if result == nil {
		result = t.generateSingleShot(ctx)
	}
	t.finish(ctx, result)

	if result.BlockedReason != "" && !result.Escalated && !result.Resolved {
		span.SetStatus(otelcodes.Ok, "blocked")
	}
	span.SetAttributes(
		attribute.Bool("result.resolved", result.Resolved),
		attribute.Bool("result.escalated", result.Escalated),
		attribute.Float64("result.confidence", result.Confidence),
	)
	return result, nil
}

// outcomeLabel maps a terminal result onto the metric outcome label.
func outcomeLabel(result *datatypes.ResolutionResult) string {
	switch {
	case result.Resolved:
		return "resolved"
	case result.Escalated:
		return "escalated"
	case result.BlockedReason != "":
		return "blocked"
	default:
		return "errored"
	}
}

func recordOutcome(tenantID string, result *datatypes.ResolutionResult, elapsed time.Duration) {
	outcome := outcomeLabel(result)
	m := observability.Metrics()
	m.ResolutionsTotal.WithLabelValues(tenantID, outcome).Inc()
	m.ResolutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
