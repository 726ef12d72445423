// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

func newTestCache(t *testing.T) *ResponseCache {
	t.Helper()
	c, err := Open("")
	require.NoError(t, err, "in-memory cache should open")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCache_SetAndGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := &datatypes.CachedAnswer{
		Content:    "Reset it from the settings page.",
		Confidence: 0.95,
		Citations:  []datatypes.Citation{{SourceID: "kb-1"}},
	}
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "how do I reset my password?", answer, time.Minute))

	got, err := c.GetCachedAnswer(ctx, "tenant-1", "how do I reset my password?")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, answer, got)
}

func TestCache_MissReturnsNil(t *testing.T) {
	c := newTestCache(t)

	got, err := c.GetCachedAnswer(context.Background(), "tenant-1", "never asked")
	require.NoError(t, err)
	assert.Nil(t, got, "a miss is nil, nil")
}

func TestCache_QueryNormalization(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := &datatypes.CachedAnswer{Content: "answer", Confidence: 0.9}
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "How do I  reset my password?", answer, time.Minute))

	got, err := c.GetCachedAnswer(ctx, "tenant-1", "  how do i reset my password?  ")
	require.NoError(t, err)
	require.NotNil(t, got, "casing and whitespace differences share one entry")
	assert.Equal(t, "answer", got.Content)
}

func TestCache_TenantIsolation(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := &datatypes.CachedAnswer{Content: "answer", Confidence: 0.9}
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "shared question", answer, time.Minute))

	got, err := c.GetCachedAnswer(ctx, "tenant-2", "shared question")
	require.NoError(t, err)
	assert.Nil(t, got, "entries never cross tenants")
}

func TestCache_InvalidateTenant(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := &datatypes.CachedAnswer{Content: "answer", Confidence: 0.9}
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "q1", answer, time.Minute))
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "q2", answer, time.Minute))
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-2", "q1", answer, time.Minute))

	require.NoError(t, c.InvalidateTenant(ctx, "tenant-1"))

	got, err := c.GetCachedAnswer(ctx, "tenant-1", "q1")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = c.GetCachedAnswer(ctx, "tenant-1", "q2")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = c.GetCachedAnswer(ctx, "tenant-2", "q1")
	require.NoError(t, err)
	assert.NotNil(t, got, "other tenants are untouched")
}

func TestCache_TTLExpiry(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	answer := &datatypes.CachedAnswer{Content: "short lived", Confidence: 0.9}
	require.NoError(t, c.SetCachedAnswer(ctx, "tenant-1", "q", answer, 50*time.Millisecond))

	require.Eventually(t, func() bool {
		got, err := c.GetCachedAnswer(ctx, "tenant-1", "q")
		return err == nil && got == nil
	}, 2*time.Second, 25*time.Millisecond, "expired entries read as misses")
}
