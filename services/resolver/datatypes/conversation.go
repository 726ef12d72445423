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

import "time"

// ConversationStatus tracks the lifecycle of a support thread. Statuses
// move forward only; escalated is sticky until a human resolves it.
type ConversationStatus string

const (
	ConversationStatusActive    ConversationStatus = "active"
	ConversationStatusResolved  ConversationStatus = "resolved"
	ConversationStatusEscalated ConversationStatus = "escalated"
)

// Message roles.
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
)

// Conversation is one support thread. Created lazily on the first message
// of a thread; its status is resolved only when the most recent assistant
// message met the tenant's confidence threshold.
type Conversation struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	Channel           string             `json:"channel"`
	Status            ConversationStatus `json:"status"`
	UserID            string             `json:"user_id,omitempty"`
	AssignedAgent     string             `json:"assigned_agent,omitempty"`
	SatisfactionScore *float64           `json:"satisfaction_score,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	FirstResponseAt   *time.Time         `json:"first_response_at,omitempty"`
	ResolvedAt        *time.Time         `json:"resolved_at,omitempty"`
}

// Message is one persisted turn. Created once and never mutated after
// creation; conversation-level bookkeeping (first-response timestamp)
// lives on the Conversation record instead.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	TurnIndex      int        `json:"turn_index"`
	Role           string     `json:"role"`
	Content        string     `json:"content"`
	Confidence     *float64   `json:"confidence,omitempty"`
	Citations      []Citation `json:"citations,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}
