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
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// uncertaintyLexicon is the fixed set of hedging phrases a tone policy
// can flag in generated answers. Matching is substring, case-insensitive.
var uncertaintyLexicon = []string{
	"not sure",
	"i don't know",
	"i do not know",
	"might be",
	"maybe",
	"possibly",
	"unsure",
	"i think",
}

// PolicyEngine serves as the main entry point for content policy checks.
// It holds the compiled personal-data detectors and applies tenant
// policies to message text at either pipeline phase.
//
// The engine takes no I/O: evaluation and redaction cannot fail. A
// malformed configuration on one policy never prevents evaluation of the
// others; the broken policy is skipped with a logged warning.
type PolicyEngine struct {
	detectors []piiDetector
}

// NewPolicyEngine initializes a new instance of the PolicyEngine.
//
// This function takes no arguments. It automatically loads the
// personal-data detector definitions embedded in the binary via the
// enforcement package.
//
// It performs the following operations:
// 1. Unmarshals the embedded YAML data.
// 2. Compiles all detector regexes.
//
// Returns an error if the embedded YAML is malformed or contains invalid regex.
func NewPolicyEngine() (*PolicyEngine, error) {
	detectors, err := loadDetectors()
	if err != nil {
		return nil, err
	}
	return &PolicyEngine{detectors: detectors}, nil
}

// Evaluate applies every enabled policy of the given mode to the text
// and collects all violations.
//
// # Description
//
//	Policies whose mode differs from phase are ignored entirely, so a
//	post-mode policy can never block an inbound user message and vice
//	versa. The remaining policies are evaluated independently with no
//	short-circuit: the caller always sees the complete violation list.
//	Matching is case-insensitive throughout.
//
// # Inputs
//
//	text - The text under check. May be empty.
//	policies - The tenant's policy set, any mix of modes and types.
//	phase - Which pipeline phase is asking (pre or post).
//
// # Outputs
//
//	passed - True iff zero violations were raised.
//	violations - Every violation found, one entry per matched reason.
func (e *PolicyEngine) Evaluate(text string, policies []Policy, phase PolicyMode) (bool, []Violation) {
	var violations []Violation
	lowered := strings.ToLower(text)

	for i := range policies {
		policy := &policies[i]
		if !policy.Enabled || policy.Mode != phase {
			continue
		}

		switch policy.Type {
		case PolicyTypeTopicFilter:
			violations = append(violations, e.evaluateTopicFilter(policy, text, lowered)...)
		case PolicyTypePIIFilter:
			violations = append(violations, e.evaluatePIIFilter(policy, text)...)
		case PolicyTypeTone:
			violations = append(violations, e.evaluateTone(policy, lowered)...)
		case PolicyTypeLength:
			violations = append(violations, e.evaluateLength(policy, text)...)
		default:
			slog.Warn("Skipping policy with unknown type",
				"policy_id", policy.ID, "type", policy.Type)
		}
	}
	return len(violations) == 0, violations
}

// Redact replaces detected personal-data spans with the RedactedToken.
//
// Only pii_filter policies whose configured action is redact participate;
// block-action policies are the evaluator's job and are not applied here.
// When no policy configures redaction the input is returned unchanged.
// Text outside detected spans is never altered, and the function is
// idempotent: redacting already-redacted text changes nothing further.
func (e *PolicyEngine) Redact(text string, policies []Policy) string {
	kinds := make(map[string]bool)
	for i := range policies {
		policy := &policies[i]
		if !policy.Enabled || policy.Type != PolicyTypePIIFilter {
			continue
		}
		cfg, err := policy.DecodePIIFilterConfig()
		if err != nil {
			slog.Warn("Skipping malformed policy during redaction",
				"policy_id", policy.ID, "error", err)
			continue
		}
		if cfg.Action != PIIActionRedact {
			continue
		}
		for _, kind := range cfg.Kinds {
			kinds[strings.ToLower(kind)] = true
		}
	}
	if len(kinds) == 0 {
		return text
	}

	// Detector file order controls redaction order: card numbers run
	// before the narrower phone shape they partially overlap.
	redacted := text
	for i := range e.detectors {
		if kinds[e.detectors[i].kind] {
			redacted = e.detectors[i].redact(redacted)
		}
	}
	return redacted
}

func (e *PolicyEngine) evaluateTopicFilter(policy *Policy, text, lowered string) []Violation {
	cfg, err := policy.DecodeTopicFilterConfig()
	if err != nil {
		slog.Warn("Skipping malformed policy", "policy_id", policy.ID, "error", err)
		return nil
	}
	var violations []Violation
	for _, topic := range cfg.BlockedTopics {
		if topic == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(topic)) {
			violations = append(violations, Violation{
				PolicyID:   policy.ID,
				PolicyName: policy.Name,
				PolicyType: policy.Type,
				Message:    fmt.Sprintf("message mentions blocked topic %q", topic),
			})
		}
	}
	for _, pattern := range cfg.BlockedPatterns {
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			slog.Warn("Skipping invalid blocked pattern",
				"policy_id", policy.ID, "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(text) {
			violations = append(violations, Violation{
				PolicyID:   policy.ID,
				PolicyName: policy.Name,
				PolicyType: policy.Type,
				Message:    fmt.Sprintf("message matches blocked pattern '%s'", pattern),
			})
		}
	}
	return violations
}

func (e *PolicyEngine) evaluatePIIFilter(policy *Policy, text string) []Violation {
	cfg, err := policy.DecodePIIFilterConfig()
	if err != nil {
		slog.Warn("Skipping malformed policy", "policy_id", policy.ID, "error", err)
		return nil
	}
	// Redact-action policies rewrite text instead of blocking; they raise
	// no violations during evaluation.
	if cfg.Action != PIIActionBlock {
		return nil
	}
	var violations []Violation
	for _, kind := range cfg.Kinds {
		detector := e.detectorFor(strings.ToLower(kind))
		if detector == nil {
			slog.Warn("Skipping unknown personal data kind",
				"policy_id", policy.ID, "kind", kind)
			continue
		}
		if detector.match(text) {
			violations = append(violations, Violation{
				PolicyID:   policy.ID,
				PolicyName: policy.Name,
				PolicyType: policy.Type,
				Message:    fmt.Sprintf("detected %s in message", detector.kind),
			})
		}
	}
	return violations
}

func (e *PolicyEngine) evaluateTone(policy *Policy, lowered string) []Violation {
	cfg, err := policy.DecodeToneConfig()
	if err != nil {
		slog.Warn("Skipping malformed policy", "policy_id", policy.ID, "error", err)
		return nil
	}
	var violations []Violation
	// One violation per policy for phrase matches: report the first hit.
	for _, phrase := range cfg.BlockedPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			violations = append(violations, Violation{
				PolicyID:   policy.ID,
				PolicyName: policy.Name,
				PolicyType: policy.Type,
				Message:    fmt.Sprintf("message contains blocked phrase %q", phrase),
			})
			break
		}
	}
	if cfg.FlagUncertainty {
		for _, hedge := range uncertaintyLexicon {
			if strings.Contains(lowered, hedge) {
				violations = append(violations, Violation{
					PolicyID:   policy.ID,
					PolicyName: policy.Name,
					PolicyType: policy.Type,
					Message:    fmt.Sprintf("message contains uncertain language %q", hedge),
				})
				break
			}
		}
	}
	return violations
}

func (e *PolicyEngine) evaluateLength(policy *Policy, text string) []Violation {
	cfg, err := policy.DecodeLengthConfig()
	if err != nil {
		slog.Warn("Skipping malformed policy", "policy_id", policy.ID, "error", err)
		return nil
	}
	length := len([]rune(text))
	var violations []Violation
	if cfg.MinChars != nil && length < *cfg.MinChars {
		violations = append(violations, Violation{
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			PolicyType: policy.Type,
			Message: fmt.Sprintf("message is too short: %d characters, minimum %d",
				length, *cfg.MinChars),
		})
	}
	if cfg.MaxChars != nil && length > *cfg.MaxChars {
		violations = append(violations, Violation{
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			PolicyType: policy.Type,
			Message: fmt.Sprintf("message is too long: %d characters, maximum %d",
				length, *cfg.MaxChars),
		})
	}
	return violations
}

func (e *PolicyEngine) detectorFor(kind string) *piiDetector {
	for i := range e.detectors {
		if e.detectors[i].kind == kind {
			return &e.detectors[i]
		}
	}
	return nil
}
