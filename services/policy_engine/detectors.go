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
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianDesk/services/policy_engine/enforcement"
	"gopkg.in/yaml.v3"
)

// RedactedToken replaces every detected personal-data span. The token
// contains no digits or '@', so no detector ever matches it again; that
// is what makes Redact idempotent.
const RedactedToken = "[REDACTED]"

type piiDetectorFile struct {
	Detectors []piiDetectorSpec `yaml:"detectors"`
}

type piiDetectorSpec struct {
	Kind        string `yaml:"kind"`
	Description string `yaml:"description"`
	Regex       string `yaml:"regex"`
}

// piiDetector is one compiled personal-data recognizer.
type piiDetector struct {
	kind        string
	description string
	pattern     *regexp.Regexp
}

// loadDetectors unmarshals the embedded detector file and compiles every
// recognizer, preserving file order (redaction order is significant:
// card numbers must run before the phone shape they partially overlap).
func loadDetectors() ([]piiDetector, error) {
	var file piiDetectorFile
	if err := yaml.Unmarshal(enforcement.PIIDetectionPatterns, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded detector file: %w", err)
	}
	if len(file.Detectors) == 0 {
		return nil, fmt.Errorf("embedded detector file contains no detectors")
	}
	detectors := make([]piiDetector, 0, len(file.Detectors))
	for _, spec := range file.Detectors {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("failed to compile the detector regex %s: %w", spec.Regex, err)
		}
		detectors = append(detectors, piiDetector{
			kind:        spec.Kind,
			description: spec.Description,
			pattern:     re,
		})
	}
	return detectors, nil
}

// match reports whether the detector finds at least one span in text.
// The credit_card shape needs an extra grouping check the regex alone
// cannot express.
func (d *piiDetector) match(text string) bool {
	if d.kind != "credit_card" {
		return d.pattern.MatchString(text)
	}
	for _, candidate := range d.pattern.FindAllString(text, -1) {
		if validCardGrouping(candidate) {
			return true
		}
	}
	return false
}

// redact replaces every detected span with RedactedToken.
func (d *piiDetector) redact(text string) string {
	if d.kind != "credit_card" {
		return d.pattern.ReplaceAllString(text, RedactedToken)
	}
	return d.pattern.ReplaceAllStringFunc(text, func(candidate string) string {
		if validCardGrouping(candidate) {
			return RedactedToken
		}
		return candidate
	})
}

// validCardGrouping applies the basic digit-grouping check for card
// candidates: 13 to 19 digits total, and when separators are present
// every group except possibly the last must be 4 digits.
func validCardGrouping(candidate string) bool {
	separator := ""
	if strings.ContainsRune(candidate, '-') {
		separator = "-"
	} else if strings.ContainsRune(candidate, ' ') {
		separator = " "
	}
	// Mixed separators fail the shape check outright.
	if separator == "-" && strings.ContainsRune(candidate, ' ') {
		return false
	}

	digits := len(candidate)
	if separator != "" {
		groups := strings.Split(candidate, separator)
		digits = 0
		for i, group := range groups {
			if group == "" {
				return false
			}
			if len(group) != 4 && i != len(groups)-1 {
				return false
			}
			digits += len(group)
		}
	}
	return digits >= 13 && digits <= 19
}
