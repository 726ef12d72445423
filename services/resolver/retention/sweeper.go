// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention deletes conversations and their turns once they age
// past the platform's retention window. Support transcripts routinely
// contain personal data; keeping them forever is a liability, not an
// asset.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// SweeperConfig holds the retention sweeper settings.
//
// # Fields
//
//   - Interval: how often a sweep cycle runs. Default: 1 hour.
//   - RetentionPeriod: conversations created longer ago than this are
//     deleted, whatever their status. Default: 90 days.
//   - BatchSize: maximum conversations deleted per cycle, bounding the
//     load one sweep can put on the store. Default: 200.
type SweeperConfig struct {
	Interval        time.Duration
	RetentionPeriod time.Duration
	BatchSize       int
}

// DefaultSweeperConfig returns production defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:        1 * time.Hour,
		RetentionPeriod: 90 * 24 * time.Hour,
		BatchSize:       200,
	}
}

// Store is the persistence surface the sweeper needs.
type Store interface {
	// ExpiredConversations returns up to limit conversation IDs whose
	// terminal timestamp is before cutoff.
	ExpiredConversations(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// DeleteConversations removes the conversations and all their turns,
	// returning how many conversations were actually deleted.
	DeleteConversations(ctx context.Context, ids []string) (int, error)
}

// SweepResult summarizes one cycle.
type SweepResult struct {
	Found     int
	Deleted   int
	StartTime time.Time
	EndTime   time.Time
}

// DurationMs is the cycle wall-clock time in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Sweeper runs retention cycles on a ticker until stopped. Uses the
// ticker plus done channel pattern for graceful shutdown.
//
// Thread Safety: all public methods are safe for concurrent use. Only
// one sweeper should run per resolver instance.
type Sweeper struct {
	store  Store
	config SweeperConfig

	mu      sync.Mutex
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper. Zero config fields take defaults.
func NewSweeper(store Store, config SweeperConfig) *Sweeper {
	defaults := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = defaults.RetentionPeriod
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	return &Sweeper{
		store:  store,
		config: config,
		done:   make(chan struct{}),
	}
}

// Start launches the background sweep loop. Returns an error when the
// sweeper is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("retention sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	slog.Info("Retention sweeper starting",
		"interval", s.config.Interval.String(),
		"retention_period", s.config.RetentionPeriod.String(),
		"batch_size", s.config.BatchSize,
	)
	go s.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call more than once; does not
// interrupt an in-progress delete.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("Retention sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow performs one sweep cycle immediately, outside the schedule.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// One sweep immediately on start so a long-stopped instance catches
	// up without waiting a full interval.
	s.execute(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Retention sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Retention sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	result, err := s.sweep(ctx)
	if err != nil {
		slog.Error("Retention sweep failed", "error", err)
		return
	}
	if result.Found > 0 {
		slog.Info("Retention sweep completed",
			"found", result.Found,
			"deleted", result.Deleted,
			"duration_ms", result.DurationMs(),
		)
	} else {
		slog.Debug("Retention sweep completed (nothing expired)")
	}
}

func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartTime: time.Now()}
	cutoff := time.Now().Add(-s.config.RetentionPeriod)

	ids, err := s.store.ExpiredConversations(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return result, fmt.Errorf("failed to query expired conversations: %w", err)
	}
	result.Found = len(ids)
	if len(ids) == 0 {
		result.EndTime = time.Now()
		return result, nil
	}

	deleted, err := s.store.DeleteConversations(ctx, ids)
	result.Deleted = deleted
	result.EndTime = time.Now()
	if err != nil {
		return result, fmt.Errorf("failed to delete expired conversations: %w", err)
	}
	return result, nil
}
