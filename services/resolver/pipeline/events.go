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

import "github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"

// EventType classifies one streamed pipeline event.
type EventType string

const (
	// EventDelta carries one generation fragment in arrival order.
	EventDelta EventType = "delta"

	// EventBlocked terminates a stream blocked by a pre-generation policy.
	EventBlocked EventType = "blocked"

	// EventEscalated terminates a stream handed to a human.
	EventEscalated EventType = "escalated"

	// EventError terminates a stream after an internal failure. Its
	// Result carries the sanitized category, never the raw error.
	EventError EventType = "error"

	// EventDone terminates a successfully resolved stream.
	EventDone EventType = "done"
)

// Event is one element of a resolution stream.
//
// A stream is zero or more EventDelta events followed by exactly one
// terminal event (blocked, escalated, error, or done), after which the
// channel is closed. Procedure and cache outcomes arrive as a single
// delta carrying the full answer before the terminal event.
type Event struct {
	Type   EventType                   `json:"type"`
	Delta  string                      `json:"delta,omitempty"`
	Result *datatypes.ResolutionResult `json:"result,omitempty"`
}

// IsTerminal reports whether this event ends the stream.
func (e Event) IsTerminal() bool {
	return e.Type != EventDelta
}
