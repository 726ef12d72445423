// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu         sync.Mutex
	expired    []string
	queryErr   error
	deleteErr  error
	lastCutoff time.Time
	lastLimit  int
	deletedIDs []string
}

func (s *fakeStore) ExpiredConversations(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCutoff = cutoff
	s.lastLimit = limit
	return s.expired, s.queryErr
}

func (s *fakeStore) DeleteConversations(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	s.deletedIDs = append(s.deletedIDs, ids...)
	return len(ids), nil
}

func TestSweeper_RunNow(t *testing.T) {
	store := &fakeStore{expired: []string{"conv-1", "conv-2"}}
	sweeper := NewSweeper(store, SweeperConfig{RetentionPeriod: 24 * time.Hour, BatchSize: 50})

	result, err := sweeper.RunNow(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Found)
	assert.Equal(t, 2, result.Deleted)
	assert.Equal(t, []string{"conv-1", "conv-2"}, store.deletedIDs)
	assert.Equal(t, 50, store.lastLimit)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), store.lastCutoff, 5*time.Second,
		"the cutoff trails now by the retention period")
}

func TestSweeper_NothingExpired(t *testing.T) {
	store := &fakeStore{}
	sweeper := NewSweeper(store, SweeperConfig{})

	result, err := sweeper.RunNow(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Found)
	assert.Zero(t, result.Deleted)
	assert.Empty(t, store.deletedIDs)
}

func TestSweeper_QueryFailure(t *testing.T) {
	store := &fakeStore{queryErr: errors.New("store down")}
	sweeper := NewSweeper(store, SweeperConfig{})

	_, err := sweeper.RunNow(context.Background())
	require.Error(t, err)
	assert.Empty(t, store.deletedIDs)
}

func TestSweeper_StartStop(t *testing.T) {
	store := &fakeStore{}
	sweeper := NewSweeper(store, SweeperConfig{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, sweeper.Start(ctx))
	require.Error(t, sweeper.Start(ctx), "double start is rejected")

	sweeper.Stop()
	sweeper.Stop() // safe to repeat

	require.NoError(t, sweeper.Start(ctx), "a stopped sweeper can be restarted")
	sweeper.Stop()
}
