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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Streamed Answer Accumulation
// =============================================================================

const (
	// SecureBufferSize caps one accumulated answer at 512KB. Generation
	// output past this point is truncated, not grown; mlock'd memory is
	// a limited resource.
	SecureBufferSize = 512 * 1024

	// MinMlockLimitKB is the smallest RLIMIT_MEMLOCK (in KB) under which
	// secure buffers are attempted at all.
	MinMlockLimitKB = 512
)

var (
	// ErrAccumulatorDestroyed is returned by operations on an accumulator
	// whose memory has already been wiped.
	ErrAccumulatorDestroyed = errors.New("accumulator destroyed")

	// ErrAccumulatorFinalized is returned by Write after Finalize.
	ErrAccumulatorFinalized = errors.New("accumulator finalized")
)

// AnswerAccumulator collects generation deltas for one streamed turn so
// the full answer can be policy-gated and persisted after the last delta.
//
// # Description
//
// Streamed answers exist in memory before the post-generation policy
// gate has seen them, so the buffer holding them is locked against
// swapping (memguard) when the platform allows it. Finalize returns the
// complete answer plus its SHA-256 so delivery surfaces can seal a hash
// chain over what was actually streamed.
//
// Implementations are not safe for concurrent use; one accumulator
// serves one stream.
type AnswerAccumulator interface {
	// Write appends one delta. Returns ErrAccumulatorFinalized after
	// Finalize and ErrAccumulatorDestroyed after Destroy. Deltas past
	// SecureBufferSize are dropped and counted as overflow.
	Write(delta string) error

	// Finalize returns the accumulated answer and its SHA-256 hex digest.
	Finalize() (answer string, digest string, err error)

	// Destroy wipes the buffer. Safe to call more than once and after
	// Finalize; always call it, normally via defer.
	Destroy()

	// ID identifies this accumulator in logs.
	ID() string

	// CreatedAt is when the accumulator was allocated.
	CreatedAt() time.Time
}

// =============================================================================
// Secure (mlock'd) Implementation
// =============================================================================

var memguardInit sync.Once

func initMemguard() {
	memguardInit.Do(func() {
		memguard.CatchInterrupt()
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK is high enough for a
// SecureBufferSize allocation.
func checkMlockLimit() bool {
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
		slog.Warn("Could not read RLIMIT_MEMLOCK, assuming mlock unavailable", "error", err)
		return false
	}
	if limit.Cur == unix.RLIM_INFINITY {
		return true
	}
	return limit.Cur/1024 >= MinMlockLimitKB
}

// insecureMemoryAllowed honors the ALEUTIAN_INSECURE_MEMORY escape hatch
// for hosts where mlock is unavailable (unprivileged containers).
func insecureMemoryAllowed() bool {
	return strings.EqualFold(os.Getenv("ALEUTIAN_INSECURE_MEMORY"), "true")
}

type secureAccumulator struct {
	id        string
	createdAt time.Time
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  int
	finalized bool
	destroyed bool
}

// NewAnswerAccumulator returns a locked-memory accumulator when the host
// supports it, otherwise falls back to plain memory if and only if
// ALEUTIAN_INSECURE_MEMORY=true. With neither available it returns an
// error; the caller should degrade to single-shot delivery.
func NewAnswerAccumulator() (AnswerAccumulator, error) {
	initMemguard()

	if checkMlockLimit() {
		buf, err := allocateSecureBuffer()
		if err == nil {
			return &secureAccumulator{
				id:        uuid.NewString(),
				createdAt: time.Now(),
				buffer:    buf,
				hasher:    sha256.New(),
			}, nil
		}
		slog.Warn("Secure buffer allocation failed", "error", err)
	}

	if insecureMemoryAllowed() {
		slog.Warn("Using insecure answer accumulation (ALEUTIAN_INSECURE_MEMORY=true)")
		return newInsecureAccumulator(), nil
	}
	return nil, errors.New("mlock unavailable and ALEUTIAN_INSECURE_MEMORY not set")
}

func allocateSecureBuffer() (buf *memguard.LockedBuffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("memguard allocation panicked: %v", r)
		}
	}()
	buf = memguard.NewBuffer(SecureBufferSize)
	// NewBuffer returns immutable-capable memory; make it writable.
	buf.Melt()
	return buf, nil
}

func (a *secureAccumulator) Write(delta string) error {
	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.finalized {
		return ErrAccumulatorFinalized
	}
	if delta == "" {
		return nil
	}
	remaining := SecureBufferSize - a.offset
	if remaining <= 0 {
		a.overflow += len(delta)
		return nil
	}
	chunk := delta
	if len(chunk) > remaining {
		a.overflow += len(chunk) - remaining
		chunk = chunk[:remaining]
	}
	copy(a.buffer.Bytes()[a.offset:], chunk)
	a.offset += len(chunk)
	a.hasher.Write([]byte(chunk))
	return nil
}

func (a *secureAccumulator) Finalize() (string, string, error) {
	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}
	a.finalized = true
	if a.overflow > 0 {
		slog.Warn("Streamed answer truncated at buffer cap",
			"accumulator_id", a.id, "overflow_bytes", a.overflow)
	}
	answer := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	return answer, digest, nil
}

func (a *secureAccumulator) Destroy() {
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.buffer.Destroy()
}

func (a *secureAccumulator) ID() string           { return a.id }
func (a *secureAccumulator) CreatedAt() time.Time { return a.createdAt }

// =============================================================================
// Insecure Fallback
// =============================================================================

type insecureAccumulator struct {
	id        string
	createdAt time.Time
	builder   strings.Builder
	hasher    hash.Hash
	overflow  int
	finalized bool
	destroyed bool
}

func newInsecureAccumulator() *insecureAccumulator {
	return &insecureAccumulator{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		hasher:    sha256.New(),
	}
}

func (a *insecureAccumulator) Write(delta string) error {
	if a.destroyed {
		return ErrAccumulatorDestroyed
	}
	if a.finalized {
		return ErrAccumulatorFinalized
	}
	remaining := SecureBufferSize - a.builder.Len()
	if remaining <= 0 {
		a.overflow += len(delta)
		return nil
	}
	if len(delta) > remaining {
		a.overflow += len(delta) - remaining
		delta = delta[:remaining]
	}
	a.builder.WriteString(delta)
	a.hasher.Write([]byte(delta))
	return nil
}

func (a *insecureAccumulator) Finalize() (string, string, error) {
	if a.destroyed {
		return "", "", ErrAccumulatorDestroyed
	}
	a.finalized = true
	return a.builder.String(), hex.EncodeToString(a.hasher.Sum(nil)), nil
}

func (a *insecureAccumulator) Destroy() {
	// Plain memory cannot be reliably wiped; just drop the reference.
	a.destroyed = true
	a.builder.Reset()
}

func (a *insecureAccumulator) ID() string           { return a.id }
func (a *insecureAccumulator) CreatedAt() time.Time { return a.createdAt }

// newAccumulatorForTurn always yields a usable accumulator. When the
// secure path is unavailable and the insecure escape hatch is not set,
// it degrades to plain memory with a loud warning rather than refusing
// the turn; answer delivery outranks memory hygiene here.
func newAccumulatorForTurn() AnswerAccumulator {
	acc, err := NewAnswerAccumulator()
	if err != nil {
		slog.Warn("Secure accumulation unavailable, degrading to plain memory", "error", err)
		return newInsecureAccumulator()
	}
	return acc
}
