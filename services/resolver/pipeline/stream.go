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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianDesk/services/llm"
	"github.com/AleutianAI/AleutianDesk/services/resolver/audit"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/observability"
)

// ResolveStream runs the identical stage sequence as Resolve but
// delivers generation incrementally.
//
// # Description
//
// The returned channel carries zero or more delta events followed by
// exactly one terminal event (blocked, escalated, error, or done), after
// which it is closed. Short-circuit answers (procedure, cache) arrive as
// one delta with the whole text before the terminal event. Deltas are
// accumulated in locked memory so the post-generation gate sees the
// complete answer even though the caller already received the pieces.
//
// Cancelling ctx abandons the turn: the generation read loop stops, no
// further events are emitted, and the channel closes without a terminal
// event. Disconnection is not an error.
//
// # Inputs
//
//   - ctx: cancelled when the consumer disconnects.
//   - req: the inbound message, identical shape to Resolve.
//
// # Outputs
//
//   - <-chan Event: the event sequence described above. For an invalid
//     request the channel carries a single error event.
func (p *Pipeline) ResolveStream(ctx context.Context, req *datatypes.ResolutionRequest) <-chan Event {
	events := make(chan Event, 8)
	go func() {
		defer close(events)
		p.resolveStream(ctx, req, events)
	}()
	return events
}

func (p *Pipeline) resolveStream(ctx context.Context, req *datatypes.ResolutionRequest, events chan<- Event) {
	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		sendEvent(ctx, events, Event{Type: EventError, Result: &datatypes.ResolutionResult{
			Content: fmt.Sprintf("invalid resolution request: %v", err),
		}})
		return
	}

	ctx, span := tracer.Start(ctx, "pipeline.ResolveStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("request.id", req.RequestID),
	)

	t := newTurn(p, req)
	t.emitAudit(audit.EventTurnStarted, "streaming")

	if result := t.runPreGenerationStages(ctx); result != nil {
		t.finish(ctx, result)
		t.sendShortCircuit(ctx, events, result)
		return
	}

	result, abandoned := t.generateStreaming(ctx, events)
	if abandoned {
		slog.Info("Stream abandoned by consumer",
			"tenant_id", req.TenantID, "request_id", req.RequestID)
		return
	}
	t.finish(ctx, result)
	sendTerminal(ctx, events, result)
}

// sendShortCircuit emits a pre-generation terminal outcome. Resolved
// short circuits (procedure, cache hit) first deliver the full text as
// a single delta so every consumer can treat content uniformly.
func (t *turn) sendShortCircuit(ctx context.Context, events chan<- Event, result *datatypes.ResolutionResult) {
	if result.Resolved && result.Content != "" {
		sendEvent(ctx, events, Event{Type: EventDelta, Delta: result.Content})
	}
	sendTerminal(ctx, events, result)
}

// generateStreaming pulls deltas from the generation backend, forwarding
// each to the consumer while accumulating them for the post gate. The
// bool return reports consumer abandonment; the result is nil in that
// case.
func (t *turn) generateStreaming(ctx context.Context, events chan<- Event) (*datatypes.ResolutionResult, bool) {
	acc := newAccumulatorForTurn()
	defer acc.Destroy()

	genCtx := t.buildGenerationContext(ctx)

	var tokensUsed int
	callback := func(event llm.StreamEvent) error {
		switch event.Type {
		case llm.StreamEventToken:
			if err := acc.Write(event.Content); err != nil {
				return err
			}
			if !sendEvent(ctx, events, Event{Type: EventDelta, Delta: event.Content}) {
				return context.Canceled
			}
		case llm.StreamEventDone:
			tokensUsed = event.TokensUsed
		case llm.StreamEventError:
			// The wrapped error arrives through the return value below.
		}
		return nil
	}

	err := t.p.deps.Generator.GenerateCompletionStream(ctx, genCtx, callback)
	if ctx.Err() != nil {
		return nil, true
	}
	if err != nil {
		return t.generationFailed(err), false
	}

	answer, digest, err := acc.Finalize()
	if err != nil {
		return t.generationFailed(err), false
	}
	slog.Debug("Stream accumulation complete",
		"accumulator_id", acc.ID(), "answer_sha256", digest, "tokens_used", tokensUsed)

	return t.completeAnswer(ctx, answer, tokensUsed), false
}

// sendTerminal maps a terminal result onto its stream event type and
// emits it.
func sendTerminal(ctx context.Context, events chan<- Event, result *datatypes.ResolutionResult) {
	eventType := EventDone
	switch {
	case result.Resolved:
		eventType = EventDone
	case result.Escalated:
		eventType = EventEscalated
	case result.BlockedReason != "":
		eventType = EventBlocked
	default:
		eventType = EventError
	}
	sendEvent(ctx, events, Event{Type: eventType, Result: result})
}

// sendEvent emits one event unless the consumer is gone. Returns false
// on cancellation so callers can stop producing.
func sendEvent(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case events <- event:
		observability.Metrics().StreamEventsTotal.WithLabelValues(string(event.Type)).Inc()
		return true
	case <-ctx.Done():
		return false
	}
}
