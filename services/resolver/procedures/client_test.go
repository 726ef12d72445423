// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package procedures

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

func newTestClient(serverURL string) *Client {
	return &Client{
		httpClient: http.DefaultClient,
		baseURL:    strings.TrimSuffix(serverURL, "/"),
	}
}

func TestFindMatchingProcedure_Match(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/procedures/match" {
			t.Errorf("Expected /v1/procedures/match, got %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"procedure":{"id":"proc-1","tenant_id":"tenant-1","name":"refund"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	proc, err := client.FindMatchingProcedure(context.Background(), "tenant-1", "I want a refund")
	require.NoError(t, err)
	require.NotNil(t, proc)
	assert.Equal(t, "proc-1", proc.ID)
	assert.Equal(t, "refund", proc.Name)
}

func TestFindMatchingProcedure_NoMatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"procedure":null}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	proc, err := client.FindMatchingProcedure(context.Background(), "tenant-1", "just a question")
	require.NoError(t, err)
	assert.Nil(t, proc, "no match is nil, nil")
}

func TestFindMatchingProcedure_RetriesOn503(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, `{"procedure":{"id":"proc-1","tenant_id":"tenant-1","name":"refund"}}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	// Short deadline keeps the test honest without waiting on full backoff.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	proc, err := client.FindMatchingProcedure(ctx, "tenant-1", "refund please")
	require.NoError(t, err)
	require.NotNil(t, proc)
	assert.Equal(t, int32(2), calls.Load(), "503 should be retried once")
}

func TestFindMatchingProcedure_BadRequestNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad tenant", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.FindMatchingProcedure(context.Background(), "tenant-1", "text")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "a 400 is terminal, not retryable")
}

func TestExecuteProcedure_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/procedures/proc-1/execute" {
			t.Errorf("Expected execute path for proc-1, got %s", r.URL.Path)
		}
		fmt.Fprintln(w, `{"success":true,"final_message":"Your refund has been issued."}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	outcome, err := client.ExecuteProcedure(context.Background(),
		&datatypes.Procedure{ID: "proc-1", TenantID: "tenant-1", Name: "refund"},
		pipeline.ProcedureContext{TenantID: "tenant-1", Query: "refund please"})
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.Contains(t, outcome.FinalMessage, "refund")
}

func TestExecuteProcedure_FailureNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "downstream failed", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.ExecuteProcedure(context.Background(),
		&datatypes.Procedure{ID: "proc-1"}, pipeline.ProcedureContext{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(),
		"execution is never retried; the script may have side effects")
}
