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
	"errors"
	"fmt"
)

// =============================================================================
// Typed Pipeline Errors
// =============================================================================

// RetrievalError wraps a vector search failure. The pipeline degrades to
// zero retrieved chunks instead of failing the turn.
type RetrievalError struct {
	TenantID string
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval failed for tenant %s: %v", e.TenantID, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// GenerationError wraps an answer generation failure. The turn ends
// neither resolved nor escalated, with an apologetic message.
type GenerationError struct {
	Backend string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed (backend=%s): %v", e.Backend, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// ProcedureError wraps a procedure execution failure. A procedure that
// started and failed escalates the conversation; silently retrying a
// side-effecting script is not safe.
type ProcedureError struct {
	ProcedureID string
	Err         error
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure %s failed: %v", e.ProcedureID, e.Err)
}

func (e *ProcedureError) Unwrap() error { return e.Err }

// IsRetrievalError reports whether err is (or wraps) a RetrievalError.
func IsRetrievalError(err error) bool {
	var re *RetrievalError
	return errors.As(err, &re)
}

// IsGenerationError reports whether err is (or wraps) a GenerationError.
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// IsProcedureError reports whether err is (or wraps) a ProcedureError.
func IsProcedureError(err error) bool {
	var pe *ProcedureError
	return errors.As(err, &pe)
}

// sanitizeErrorForClient returns the client-safe rendering of an internal
// failure. Raw error strings can leak hostnames, model names, and stack
// details, so everything collapses to a stable category label.
func sanitizeErrorForClient(err error) string {
	switch {
	case IsGenerationError(err):
		return "generation_failed"
	case IsRetrievalError(err):
		return "retrieval_failed"
	case IsProcedureError(err):
		return "procedure_failed"
	default:
		return "internal_error"
	}
}
