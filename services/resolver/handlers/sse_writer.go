// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes resolution stream events to an HTTP response in SSE
// wire format (event: type\ndata: json\n\n).
//
// # Description
//
// Every event gets an Id, a CreatedAt timestamp, and a Hash/PrevHash pair
// forming a per-stream integrity chain. Keepalive comments bypass the
// chain because SSE comments are not events.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat
// goroutine writes keepalives while the handler writes events.
//
// # Assumptions
//
//   - Caller has set SSE headers via SetSSEHeaders before the first write
//   - The ResponseWriter supports http.Flusher
type SSEWriter interface {
	// WriteEvent writes one event, populating Id, CreatedAt, Hash, and
	// PrevHash, then flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteDelta writes one generation fragment.
	WriteDelta(delta string) error

	// WriteTerminal writes the final event of a stream with the full
	// resolution outcome attached. eventType is blocked, escalated,
	// error, or done.
	WriteTerminal(eventType string, result *datatypes.ResolutionResult) error

	// WriteError writes an error event. The message must already be
	// sanitized; internal details never reach the client (SEC-005).
	WriteError(errMsg string) error

	// WriteKeepAlive sends an SSE comment (": ping") to reset load
	// balancer idle timers during long generations. Does not advance
	// the hash chain.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

// sseWriter implements SSEWriter over an http.ResponseWriter.
//
// The hash chain works like a ledger: each event's Hash covers its own
// content plus the previous event's hash, so the client can verify that
// the delta sequence it assembled is exactly what the resolver sent.
type sseWriter struct {
	writer   http.ResponseWriter
	flusher  http.Flusher
	prevHash string
	mu       sync.Mutex
}

// NewSSEWriter wraps a ResponseWriter. Fails when the writer cannot
// flush, which streaming requires.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event.Id = uuid.New().String()
	event.CreatedAt = time.Now().UnixMilli()
	event.PrevHash = w.prevHash
	event.Hash = computeEventHash(event)
	w.prevHash = event.Hash

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// computeEventHash hashes every content field so the chain covers the
// answer text, the outcome, and the timestamps. Called before the Hash
// field is set.
func computeEventHash(event datatypes.StreamEvent) string {
	resultJSON := ""
	if event.Result != nil {
		if data, err := json.Marshal(event.Result); err == nil {
			resultJSON = string(data)
		}
	}
	hashInput := fmt.Sprintf("%s|%s|%d|%s|%s|%s|%s",
		event.Id,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Delta,
		event.Error,
		resultJSON,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

func (w *sseWriter) WriteDelta(delta string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "delta",
		Delta: delta,
	})
}

func (w *sseWriter) WriteTerminal(eventType string, result *datatypes.ResolutionResult) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:   eventType,
		Result: result,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// SSE comment format: colon followed by text, then double newline
	if _, err := fmt.Fprintf(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// SetSSEHeaders configures the response for SSE streaming. Must be
// called before any body write. X-Accel-Buffering disables nginx
// response buffering, which would otherwise hold deltas back.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Compile-time Interface Check
// =============================================================================

var _ SSEWriter = (*sseWriter)(nil)
