// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package procedures talks to the procedure service: the external engine
// that authors, matches, and executes deterministic scripted business
// actions (refunds, plan changes, address updates).
package procedures

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

var tracer = otel.Tracer("aleutian.resolver.procedures")

const (
	// maxMatchRetries caps attempts for transient match failures.
	// Retries use exponential backoff (1s, 2s, 4s).
	maxMatchRetries = 3

	initialRetryDelay = 1 * time.Second
)

// Client is an HTTP client for the procedure service.
//
// Matching is retried on 503 because it is a pure read; execution is
// never retried because a failed script may already have performed side
// effects.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient reads PROCEDURE_SERVICE_URL. An empty value disables
// procedures; callers should fall back to a nil engine.
func NewClient() (*Client, error) {
	baseURL := os.Getenv("PROCEDURE_SERVICE_URL")
	if baseURL == "" {
		return nil, fmt.Errorf("PROCEDURE_SERVICE_URL is not set")
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
	}, nil
}

type matchRequest struct {
	TenantID string `json:"tenant_id"`
	Text     string `json:"text"`
}

type matchResponse struct {
	Procedure *datatypes.Procedure `json:"procedure"`
}

type executeResponse struct {
	Success      bool   `json:"success"`
	FinalMessage string `json:"final_message"`
}

// FindMatchingProcedure asks the procedure service whether any
// deterministic action applies to this text. Returns nil, nil when
// nothing matches.
func (c *Client) FindMatchingProcedure(ctx context.Context, tenantID, text string) (*datatypes.Procedure, error) {
	ctx, span := tracer.Start(ctx, "procedures.FindMatchingProcedure")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", tenantID))

	payload, err := json.Marshal(matchRequest{TenantID: tenantID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal match request: %w", err)
	}

	var lastErr error
	delay := initialRetryDelay
	for attempt := 0; attempt < maxMatchRetries; attempt++ {
		if attempt > 0 {
			slog.Warn("Retrying procedure match",
				"attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		var resp matchResponse
		retryable, err := c.post(ctx, c.baseURL+"/v1/procedures/match", payload, &resp)
		if err == nil {
			if resp.Procedure != nil {
				span.SetAttributes(attribute.String("procedure.id", resp.Procedure.ID))
			}
			return resp.Procedure, nil
		}
		lastErr = err
		if !retryable {
			break
		}
	}
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "procedure match failed")
	return nil, lastErr
}

// ExecuteProcedure runs one matched procedure to completion. Exactly one
// attempt: the script owns its own idempotency.
func (c *Client) ExecuteProcedure(ctx context.Context, procedure *datatypes.Procedure,
	execCtx pipeline.ProcedureContext) (*datatypes.ProcedureOutcome, error) {

	ctx, span := tracer.Start(ctx, "procedures.ExecuteProcedure")
	defer span.End()
	span.SetAttributes(
		attribute.String("procedure.id", procedure.ID),
		attribute.String("tenant.id", execCtx.TenantID),
	)

	payload, err := json.Marshal(execCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal execution context: %w", err)
	}

	url := fmt.Sprintf("%s/v1/procedures/%s/execute", c.baseURL, procedure.ID)
	var resp executeResponse
	if _, err := c.post(ctx, url, payload, &resp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "procedure execution failed")
		return nil, err
	}
	span.SetAttributes(attribute.Bool("procedure.success", resp.Success))
	return &datatypes.ProcedureOutcome{
		Success:      resp.Success,
		FinalMessage: resp.FinalMessage,
	}, nil
}

// post issues one JSON POST and decodes the response. The bool reports
// whether the failure is retryable (503 or transport error).
func (c *Client) post(ctx context.Context, url string, payload []byte, out interface{}) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(payload))
	if err != nil {
		return false, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return true, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode == http.StatusServiceUnavailable {
		return true, fmt.Errorf("procedure service unavailable: %s", string(body))
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("procedure service returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("failed to parse procedure response: %w", err)
	}
	return false, nil
}
