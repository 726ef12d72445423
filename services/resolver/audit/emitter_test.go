// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collectingSink records every batch it receives.
type collectingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectingSink) WriteEvents(_ context.Context, events []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *collectingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestEmitter_FlushesOnClose(t *testing.T) {
	sink := &collectingSink{}
	emitter := NewEmitter(sink)

	emitter.Emit(Event{Type: EventTurnStarted, TenantID: "tenant-1", RequestID: "r1"})
	emitter.Emit(Event{Type: EventTurnResolved, TenantID: "tenant-1", RequestID: "r1"})
	emitter.Close()

	events := sink.all()
	require.Len(t, events, 2, "Close should flush all buffered events")
	assert.Equal(t, EventTurnStarted, events[0].Type)
	assert.Equal(t, EventTurnResolved, events[1].Type)
	assert.False(t, events[0].Timestamp.IsZero(), "Emit should stamp events")
}

func TestEmitter_EmitNeverBlocks(t *testing.T) {
	sink := &collectingSink{}
	emitter := NewEmitter(sink)
	defer emitter.Close()

	done := make(chan struct{})
	go func() {
		// Well past the buffer size; the excess must be dropped, not block.
		for i := 0; i < defaultBufferSize*3; i++ {
			emitter.Emit(Event{Type: EventCacheHit, TenantID: "tenant-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Emit blocked on a full buffer")
	}
}

func TestEmitter_CountsDrops(t *testing.T) {
	// A sink that never returns keeps the drain goroutine busy so the
	// buffer fills.
	blocked := make(chan struct{})
	sink := &funcSink{fn: func(context.Context, []Event) error {
		<-blocked
		return nil
	}}
	emitter := NewEmitter(sink)
	defer func() {
		close(blocked)
		emitter.Close()
	}()

	for i := 0; i < defaultBufferSize*2; i++ {
		emitter.Emit(Event{Type: EventTurnEscalated, TenantID: "tenant-1"})
	}
	assert.Greater(t, emitter.Dropped(), uint64(0), "overflow should be counted")
}

type funcSink struct {
	fn func(context.Context, []Event) error
}

func (s *funcSink) WriteEvents(ctx context.Context, events []Event) error {
	return s.fn(ctx, events)
}
