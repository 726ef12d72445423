// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the response cache on Badger: resolved
// answers keyed by tenant and normalized query, with native TTL expiry
// and wholesale per-tenant invalidation when a tenant's knowledge
// changes.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
)

// DefaultTTL applies when a write passes a non-positive TTL.
const DefaultTTL = time.Hour

// ResponseCache stores resolved answers in a Badger keyspace of
// tenant-prefixed entries.
//
// # Description
//
// Keys are "resp|<tenant>|<sha256(normalized query)>" so one tenant's
// entries share a prefix and InvalidateTenant can drop them in one
// sweep. The query is normalized (trimmed, lowercased, whitespace
// collapsed) before hashing so trivially different phrasings of the
// same text share an entry.
//
// Thread Safety: safe for concurrent use; Badger transactions provide
// isolation.
type ResponseCache struct {
	db *badger.DB
}

// Open opens (or creates) the cache at dir. An empty dir opens an
// in-memory cache, used by lightweight mode and tests.
func Open(dir string) (*ResponseCache, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	// Badger's own logger is chatty at INFO; route it through slog at
	// warning level only.
	opts = opts.WithLogger(badgerSlogAdapter{})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	return &ResponseCache{db: db}, nil
}

// Close releases the underlying store.
func (c *ResponseCache) Close() error {
	return c.db.Close()
}

// normalizeQuery canonicalizes a query for keying: trim, lowercase,
// collapse internal whitespace.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

func cacheKey(tenantID, query string) []byte {
	sum := sha256.Sum256([]byte(normalizeQuery(query)))
	return []byte("resp|" + tenantID + "|" + hex.EncodeToString(sum[:]))
}

func tenantPrefix(tenantID string) []byte {
	return []byte("resp|" + tenantID + "|")
}

// GetCachedAnswer returns the stored answer, or nil, nil on a miss.
// Expired entries read as misses.
func (c *ResponseCache) GetCachedAnswer(_ context.Context, tenantID, query string) (*datatypes.CachedAnswer, error) {
	var answer *datatypes.CachedAnswer
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(tenantID, query))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var decoded datatypes.CachedAnswer
			if err := json.Unmarshal(val, &decoded); err != nil {
				return fmt.Errorf("corrupt cache entry: %w", err)
			}
			answer = &decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// SetCachedAnswer stores an answer under the tenant and query with the
// given TTL.
func (c *ResponseCache) SetCachedAnswer(_ context.Context, tenantID, query string,
	answer *datatypes.CachedAnswer, ttl time.Duration) error {

	if answer == nil {
		return errors.New("answer must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(cacheKey(tenantID, query), payload).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
}

// InvalidateTenant drops every cached answer for one tenant. Called when
// the tenant's knowledge base changes.
func (c *ResponseCache) InvalidateTenant(_ context.Context, tenantID string) error {
	if err := c.db.DropPrefix(tenantPrefix(tenantID)); err != nil {
		return fmt.Errorf("invalidate tenant cache: %w", err)
	}
	slog.Info("Response cache invalidated", "tenant_id", tenantID)
	return nil
}

// badgerSlogAdapter routes Badger's internal logging into slog, dropping
// the info/debug noise.
type badgerSlogAdapter struct{}

func (badgerSlogAdapter) Errorf(format string, args ...interface{}) {
	slog.Error("badger: " + fmt.Sprintf(format, args...))
}

func (badgerSlogAdapter) Warningf(format string, args ...interface{}) {
	slog.Warn("badger: " + fmt.Sprintf(format, args...))
}

func (badgerSlogAdapter) Infof(string, ...interface{})  {}
func (badgerSlogAdapter) Debugf(string, ...interface{}) {}
