// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit emits resolution lifecycle events for compliance review.
//
// Events are fire-and-forget: the pipeline never blocks on the audit
// path, and a full buffer drops the event and bumps a counter instead of
// applying backpressure to the turn in flight.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// EventType names one pipeline lifecycle moment.
type EventType string

const (
	EventTurnStarted    EventType = "turn_started"
	EventPolicyBlocked  EventType = "policy_blocked"
	EventPIIRedacted    EventType = "pii_redacted"
	EventProcedureRun   EventType = "procedure_run"
	EventCacheHit       EventType = "cache_hit"
	EventTurnResolved   EventType = "turn_resolved"
	EventTurnEscalated  EventType = "turn_escalated"
	EventGenerationFail EventType = "generation_failed"
)

// Event is one audit record. Content is never included; only metadata
// about what the pipeline decided.
type Event struct {
	Type           EventType `json:"type"`
	TenantID       string    `json:"tenant_id"`
	RequestID      string    `json:"request_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Sink receives drained audit events in batches.
type Sink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// SlogSink logs each event through slog. The default sink when no
// external audit store is configured.
type SlogSink struct{}

func (SlogSink) WriteEvents(_ context.Context, events []Event) error {
	for _, e := range events {
		slog.Info("audit event",
			"type", e.Type,
			"tenant_id", e.TenantID,
			"request_id", e.RequestID,
			"conversation_id", e.ConversationID,
			"detail", e.Detail)
	}
	return nil
}

const (
	defaultBufferSize    = 1024
	defaultFlushInterval = 2 * time.Second
	maxBatchSize         = 128
)

// Emitter buffers events on a channel and drains them to a Sink from a
// single background goroutine.
type Emitter struct {
	events  chan Event
	sink    Sink
	dropped atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewEmitter starts the drain goroutine. A nil sink falls back to
// SlogSink. Call Close to flush and stop.
func NewEmitter(sink Sink) *Emitter {
	if sink == nil {
		sink = SlogSink{}
	}
	e := &Emitter{
		events: make(chan Event, defaultBufferSize),
		sink:   sink,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go e.drain()
	return e
}

// Emit enqueues an event without blocking. Events without a timestamp
// are stamped here. A full buffer drops the event.
func (e *Emitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case e.events <- event:
	default:
		e.dropped.Add(1)
	}
}

// Dropped reports how many events were discarded due to a full buffer.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Close flushes buffered events and stops the drain goroutine.
func (e *Emitter) Close() {
	e.stopOnce.Do(func() {
		close(e.stop)
		<-e.done
	})
}

func (e *Emitter) drain() {
	defer close(e.done)
	ticker := time.NewTicker(defaultFlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, maxBatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.sink.WriteEvents(ctx, batch); err != nil {
			slog.Warn("audit sink write failed", "error", err, "batch_size", len(batch))
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-e.events:
			batch = append(batch, ev)
			if len(batch) >= maxBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-e.stop:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case ev := <-e.events:
					batch = append(batch, ev)
					if len(batch) >= maxBatchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// NopEmitter satisfies callers that need an emitter but no audit trail,
// such as dry-run heavy test rigs.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
