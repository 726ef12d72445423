// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package policy_engine

import (
	"encoding/json"
	"fmt"
)

// PolicyType discriminates the tagged-union configuration carried by a Policy.
type PolicyType string

const (
	PolicyTypeTopicFilter PolicyType = "topic_filter"
	PolicyTypePIIFilter   PolicyType = "pii_filter"
	PolicyTypeTone        PolicyType = "tone"
	PolicyTypeLength      PolicyType = "length"
)

// PolicyMode selects the pipeline phase a policy applies to. Pre-mode
// policies run against the raw user text before any retrieval or
// generation; post-mode policies run against generated answers.
type PolicyMode string

const (
	PolicyModePre  PolicyMode = "pre"
	PolicyModePost PolicyMode = "post"
)

// PIIAction controls what a pii_filter policy does with a detection.
// Block-action policies raise violations during evaluation; redact-action
// policies rewrite the text during Redact and never block.
type PIIAction string

const (
	PIIActionBlock  PIIAction = "block"
	PIIActionRedact PIIAction = "redact"
)

func (a *PIIAction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	incoming := PIIAction(s)
	switch incoming {
	// The empty string is the zero value; DecodePIIFilterConfig
	// defaults it to block.
	case PIIActionBlock, PIIActionRedact, "":
		*a = incoming
		return nil
	default:
		return fmt.Errorf("invalid value for PIIAction: %q", incoming)
	}
}

// Policy is one tenant-defined content rule. All policy kinds share this
// storage shape; Config carries the kind-specific payload and is decoded
// through DecodeConfig into the matching typed variant.
type Policy struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenant_id"`
	Name     string          `json:"name"`
	Type     PolicyType      `json:"type"`
	Mode     PolicyMode      `json:"mode"`
	Config   json.RawMessage `json:"config"`
	Enabled  bool            `json:"enabled"`

	// Priority is a tie-break reserved for future ordering. Evaluation
	// never short-circuits on it: every enabled policy of the matching
	// mode runs and every violation is collected.
	Priority int `json:"priority"`
}

// TopicFilterConfig blocks messages mentioning forbidden topics, either
// as plain keywords (substring, case-insensitive) or regex patterns.
type TopicFilterConfig struct {
	BlockedTopics   []string `json:"blocked_topics"`
	BlockedPatterns []string `json:"blocked_patterns"`
}

// PIIFilterConfig selects which personal-data kinds to detect and what
// to do on a detection. Recognized kinds: email, phone, ssn, credit_card.
// An empty Action defaults to block.
type PIIFilterConfig struct {
	Kinds  []string  `json:"kinds"`
	Action PIIAction `json:"action"`
}

// ToneConfig blocks listed phrases (substring, case-insensitive) and can
// additionally flag uncertainty language in generated answers.
type ToneConfig struct {
	BlockedPhrases  []string `json:"blocked_phrases"`
	FlagUncertainty bool     `json:"flag_uncertainty"`
}

// LengthConfig bounds the answer size in characters (runes). Nil bounds
// are unenforced.
type LengthConfig struct {
	MinChars *int `json:"min_chars"`
	MaxChars *int `json:"max_chars"`
}

// Violation reports one failed policy check. Message names the concrete
// reason (the matched topic, pattern, PII kind, phrase, or length bound)
// so callers and auditors can act on it without re-running the check.
type Violation struct {
	PolicyID   string     `json:"policy_id"`
	PolicyName string     `json:"policy_name"`
	PolicyType PolicyType `json:"policy_type"`
	Message    string     `json:"message"`
}

// DecodeTopicFilterConfig decodes the tagged-union payload of a
// topic_filter policy. Returns an error for payloads of the wrong shape;
// the caller is expected to skip the policy and continue.
func (p *Policy) DecodeTopicFilterConfig() (*TopicFilterConfig, error) {
	if p.Type != PolicyTypeTopicFilter {
		return nil, fmt.Errorf("policy %s is %s, not %s", p.ID, p.Type, PolicyTypeTopicFilter)
	}
	var cfg TopicFilterConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return nil, fmt.Errorf("malformed topic_filter config on policy %s: %w", p.ID, err)
	}
	return &cfg, nil
}

// DecodePIIFilterConfig decodes a pii_filter payload, defaulting the
// action to block when unset.
func (p *Policy) DecodePIIFilterConfig() (*PIIFilterConfig, error) {
	if p.Type != PolicyTypePIIFilter {
		return nil, fmt.Errorf("policy %s is %s, not %s", p.ID, p.Type, PolicyTypePIIFilter)
	}
	var cfg PIIFilterConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return nil, fmt.Errorf("malformed pii_filter config on policy %s: %w", p.ID, err)
	}
	if cfg.Action == "" {
		cfg.Action = PIIActionBlock
	}
	return &cfg, nil
}

// DecodeToneConfig decodes a tone payload.
func (p *Policy) DecodeToneConfig() (*ToneConfig, error) {
	if p.Type != PolicyTypeTone {
		return nil, fmt.Errorf("policy %s is %s, not %s", p.ID, p.Type, PolicyTypeTone)
	}
	var cfg ToneConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return nil, fmt.Errorf("malformed tone config on policy %s: %w", p.ID, err)
	}
	return &cfg, nil
}

// DecodeLengthConfig decodes a length payload and rejects inverted bounds.
func (p *Policy) DecodeLengthConfig() (*LengthConfig, error) {
	if p.Type != PolicyTypeLength {
		return nil, fmt.Errorf("policy %s is %s, not %s", p.ID, p.Type, PolicyTypeLength)
	}
	var cfg LengthConfig
	if err := json.Unmarshal(p.Config, &cfg); err != nil {
		return nil, fmt.Errorf("malformed length config on policy %s: %w", p.ID, err)
	}
	if cfg.MinChars != nil && cfg.MaxChars != nil && *cfg.MinChars > *cfg.MaxChars {
		return nil, fmt.Errorf("length config on policy %s has min %d > max %d",
			p.ID, *cfg.MinChars, *cfg.MaxChars)
	}
	return &cfg, nil
}
