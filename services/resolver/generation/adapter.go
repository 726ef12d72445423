// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generation adapts an llm backend into the pipeline's
// Generator: it renders the generation context (query, knowledge
// chunks, history) into a chat transcript with a grounding system
// prompt.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianDesk/services/llm"
	"github.com/AleutianAI/AleutianDesk/services/resolver/datatypes"
	"github.com/AleutianAI/AleutianDesk/services/resolver/pipeline"
)

// systemPromptTemplate grounds the model in the retrieved knowledge and
// keeps it from answering outside it.
const systemPromptTemplate = `You are a customer support assistant. Answer the user's question using only the knowledge excerpts below. If the excerpts do not contain the answer, say you don't know rather than guessing. Be concise and direct.

Knowledge excerpts:
%s`

// Adapter turns an llm.LLMClient into a pipeline.Generator.
type Adapter struct {
	client llm.LLMClient
	params llm.GenerationParams
}

// NewAdapter wraps a backend client. params apply to every call.
func NewAdapter(client llm.LLMClient, params llm.GenerationParams) *Adapter {
	return &Adapter{client: client, params: params}
}

// GenerateCompletion requests one whole answer.
func (a *Adapter) GenerateCompletion(ctx context.Context, genCtx *datatypes.GenerationContext) (*pipeline.GenerationOutput, error) {
	result, err := a.client.Chat(ctx, buildMessages(genCtx), a.params)
	if err != nil {
		return nil, err
	}
	return &pipeline.GenerationOutput{
		Content:      result.Content,
		TokensUsed:   result.TokensUsed,
		FinishReason: result.FinishReason,
	}, nil
}

// GenerateCompletionStream forwards backend deltas to the callback.
func (a *Adapter) GenerateCompletionStream(ctx context.Context, genCtx *datatypes.GenerationContext,
	callback pipeline.StreamCallback) error {
	return a.client.ChatStream(ctx, buildMessages(genCtx), a.params, callback)
}

// buildMessages renders the generation context as a chat transcript:
// system prompt with excerpts, then history, then the redacted query.
func buildMessages(genCtx *datatypes.GenerationContext) []llm.ChatMessage {
	messages := make([]llm.ChatMessage, 0, len(genCtx.History)+2)
	messages = append(messages, llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, renderChunks(genCtx.Chunks)),
	})
	for _, turn := range genCtx.History {
		role := llm.RoleUser
		if turn.Role == datatypes.MessageRoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.ChatMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, llm.ChatMessage{Role: llm.RoleUser, Content: genCtx.Query})
	return messages
}

func renderChunks(chunks []datatypes.RetrievedChunk) string {
	if len(chunks) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&b, "[%d] (source: %s)\n%s\n\n", i+1, chunk.SourceID, chunk.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}
