// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianDesk/services/policy_engine"
)

const tenantPolicyClassName = "TenantPolicy"

// defaultPolicyCacheTTL bounds how stale a tenant's policy set can get.
// Policy edits are rare relative to message volume.
const defaultPolicyCacheTTL = 30 * time.Second

type cachedPolicies struct {
	policies []policy_engine.Policy
	loadedAt time.Time
}

// WeaviatePolicyStore loads tenant policies from the TenantPolicy class.
//
// # Description
//
// Loads are memoized per tenant for a short TTL and deduplicated with
// singleflight so a burst of concurrent turns for one tenant issues a
// single query. A failed load is returned to the caller, who treats it
// as an empty policy set.
//
// Thread Safety: safe for concurrent use.
type WeaviatePolicyStore struct {
	client *weaviate.Client
	ttl    time.Duration

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedPolicies
}

// NewWeaviatePolicyStore creates a policy store. The client must not be
// nil. A non-positive ttl takes the default.
func NewWeaviatePolicyStore(client *weaviate.Client, ttl time.Duration) (*WeaviatePolicyStore, error) {
	if client == nil {
		return nil, errors.New("client must not be nil")
	}
	if ttl <= 0 {
		ttl = defaultPolicyCacheTTL
	}
	return &WeaviatePolicyStore{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]cachedPolicies),
	}, nil
}

// LoadPolicies returns the tenant's policy set, served from the memo
// when fresh.
func (s *WeaviatePolicyStore) LoadPolicies(ctx context.Context, tenantID string) ([]policy_engine.Policy, error) {
	s.mu.RLock()
	entry, ok := s.cache[tenantID]
	s.mu.RUnlock()
	if ok && time.Since(entry.loadedAt) < s.ttl {
		return entry.policies, nil
	}

	v, err, _ := s.group.Do(tenantID, func() (interface{}, error) {
		policies, err := s.fetch(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[tenantID] = cachedPolicies{policies: policies, loadedAt: time.Now()}
		s.mu.Unlock()
		return policies, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]policy_engine.Policy), nil
}

// Invalidate drops the memoized set for one tenant, forcing the next
// load to hit the store. Called when a policy is edited.
func (s *WeaviatePolicyStore) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

func (s *WeaviatePolicyStore) fetch(ctx context.Context, tenantID string) ([]policy_engine.Policy, error) {
	whereFilter := filters.Where().
		WithPath([]string{"tenant_id"}).
		WithOperator(filters.Equal).
		WithValueString(tenantID)

	fields := []graphql.Field{
		{Name: "policy_id"},
		{Name: "tenant_id"},
		{Name: "name"},
		{Name: "policy_type"},
		{Name: "mode"},
		{Name: "config"},
		{Name: "enabled"},
		{Name: "priority"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(tenantPolicyClassName).
		WithFields(fields...).
		WithWhere(whereFilter).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy load: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("policy load error: %s", result.Errors[0].Message)
	}
	return parsePolicies(result), nil
}

func parsePolicies(result *models.GraphQLResponse) []policy_engine.Policy {
	data, ok := result.Data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := data[tenantPolicyClassName].([]interface{})
	if !ok {
		return nil
	}

	policies := make([]policy_engine.Policy, 0, len(objects))
	for _, obj := range objects {
		m, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		p := policy_engine.Policy{
			ID:       getString(m, "policy_id"),
			TenantID: getString(m, "tenant_id"),
			Name:     getString(m, "name"),
			Type:     policy_engine.PolicyType(getString(m, "policy_type")),
			Mode:     policy_engine.PolicyMode(getString(m, "mode")),
			Enabled:  getBool(m, "enabled"),
			Priority: getInt(m, "priority"),
		}
		if raw := getString(m, "config"); raw != "" {
			p.Config = json.RawMessage(raw)
		}
		policies = append(policies, p)
	}
	return policies
}

// StaticPolicyStore serves a fixed policy set. Used by lightweight mode
// and tests.
type StaticPolicyStore struct {
	mu       sync.RWMutex
	policies map[string][]policy_engine.Policy
}

// NewStaticPolicyStore creates an empty static store.
func NewStaticPolicyStore() *StaticPolicyStore {
	return &StaticPolicyStore{policies: make(map[string][]policy_engine.Policy)}
}

// SetPolicies replaces one tenant's policy set.
func (s *StaticPolicyStore) SetPolicies(tenantID string, policies []policy_engine.Policy) {
	s.mu.Lock()
	s.policies[tenantID] = policies
	s.mu.Unlock()
}

func (s *StaticPolicyStore) LoadPolicies(_ context.Context, tenantID string) ([]policy_engine.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[tenantID], nil
}
