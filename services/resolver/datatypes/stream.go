// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// StreamEvent is the SSE wire shape for a streamed resolution.
//
// # Description
//
// Each event carries integrity metadata alongside its payload:
//   - Id: UUID v4 for ordering and deduplication
//   - CreatedAt: Unix timestamp in milliseconds
//   - Hash: SHA-256 of the event content
//   - PrevHash: hash of the previous event, forming a per-stream chain
//
// The chain gives the client (and any later audit) chain of custody over
// the streamed answer: a dropped, reordered, or altered event breaks it.
//
// # Fields
//
//   - Type: delta, blocked, escalated, error, or done.
//   - Delta: one generation fragment (delta events only).
//   - Error: sanitized failure category (error events only).
//   - Result: the full resolution outcome (terminal events only).
type StreamEvent struct {
	Id        string            `json:"id"`
	Type      string            `json:"type"`
	CreatedAt int64             `json:"created_at"`
	Delta     string            `json:"delta,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    *ResolutionResult `json:"result,omitempty"`
	Hash      string            `json:"hash"`
	PrevHash  string            `json:"prev_hash"`
}
