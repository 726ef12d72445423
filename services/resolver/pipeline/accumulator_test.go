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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The insecure variant is exercised directly so these tests do not
// depend on the host's mlock limits.

func TestAccumulator_WriteAndFinalize(t *testing.T) {
	acc := newInsecureAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("Hello, "))
	require.NoError(t, acc.Write(""))
	require.NoError(t, acc.Write("world."))

	answer, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "Hello, world.", answer)

	want := sha256.Sum256([]byte("Hello, world."))
	assert.Equal(t, hex.EncodeToString(want[:]), digest,
		"the digest covers exactly the accumulated bytes")
}

func TestAccumulator_WriteAfterFinalizeFails(t *testing.T) {
	acc := newInsecureAccumulator()
	defer acc.Destroy()

	require.NoError(t, acc.Write("answer"))
	_, _, err := acc.Finalize()
	require.NoError(t, err)

	assert.ErrorIs(t, acc.Write("more"), ErrAccumulatorFinalized)
}

func TestAccumulator_DestroyedIsUnusable(t *testing.T) {
	acc := newInsecureAccumulator()
	acc.Destroy()

	assert.ErrorIs(t, acc.Write("x"), ErrAccumulatorDestroyed)
	_, _, err := acc.Finalize()
	assert.ErrorIs(t, err, ErrAccumulatorDestroyed)

	// Destroy must be safe to repeat.
	acc.Destroy()
}

func TestAccumulator_OverflowTruncates(t *testing.T) {
	acc := newInsecureAccumulator()
	defer acc.Destroy()

	big := strings.Repeat("a", SecureBufferSize)
	require.NoError(t, acc.Write(big))
	require.NoError(t, acc.Write("overflow"))

	answer, _, err := acc.Finalize()
	require.NoError(t, err)
	assert.Len(t, answer, SecureBufferSize, "writes past the cap are dropped")
	assert.Equal(t, len("overflow"), acc.overflow)
}

func TestNewAccumulatorForTurn_AlwaysUsable(t *testing.T) {
	acc := newAccumulatorForTurn()
	require.NotNil(t, acc)
	defer acc.Destroy()

	require.NoError(t, acc.Write("streamed answer"))
	answer, digest, err := acc.Finalize()
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", answer)
	assert.Len(t, digest, 64)
	assert.NotEmpty(t, acc.ID())
	assert.False(t, acc.CreatedAt().IsZero())
}
