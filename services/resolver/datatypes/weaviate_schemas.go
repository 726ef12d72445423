// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

func GetConversationSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Conversation",
		Description: "One support thread owned by a tenant.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the conversation.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "tenant_id",
				DataType:        []string{"text"},
				Description:     "The owning tenant. Conversations never cross tenants.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "channel",
				DataType:        []string{"text"},
				Description:     "The channel the thread arrived on (web, email, whatsapp, voice, api).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "status",
				DataType:        []string{"text"},
				Description:     "Lifecycle status: active, resolved, or escalated.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "user_id",
				DataType:        []string{"text"},
				Description:     "Optional end-user identifier.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the conversation was created.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "first_response_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of the first assistant reply. 0 = none yet.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "resolved_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the thread was resolved. 0 = unresolved.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetConversationTurnSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "ConversationTurn",
		Description: "One persisted message within a conversation.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "conversation_id",
				DataType:        []string{"text"},
				Description:     "The conversation this turn belongs to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "tenant_id",
				DataType:        []string{"text"},
				Description:     "The owning tenant, denormalized for retention sweeps.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "turn_index",
				DataType:        []string{"int"},
				Description:     "The sequential turn number within the conversation (1-indexed).",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Either user or assistant.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The message text.",
				Tokenization: "word",
			},
			{
				Name:            "confidence",
				DataType:        []string{"number"},
				Description:     "Retrieval confidence for assistant turns. -1 = not applicable.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "citations",
				DataType:        []string{"text[]"},
				Description:     "Deduplicated source identifiers backing the answer.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds when the turn was persisted.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetKnowledgeChunkSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "KnowledgeChunk",
		Description: "An ingested knowledge fragment used for retrieval.",
		Vectorizer:  "text2vec-transformers",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "tenant_id",
				DataType:        []string{"text"},
				Description:     "The owning tenant. Retrieval is always tenant-scoped.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Description:  "The chunk text.",
				Tokenization: "word",
			},
			{
				Name:            "source_id",
				DataType:        []string{"text"},
				Description:     "The knowledge source this chunk came from, used for citations.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "ingested_at",
				DataType:        []string{"number"},
				Description:     "Unix milliseconds of ingestion.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// GetTenantPolicySchema returns the schema for the TenantPolicy class.
//
// # Description
//
// TenantPolicy stores one content policy per object. The kind-specific
// configuration is kept as a JSON string and decoded by the policy engine,
// preserving the one-list-many-kinds storage model.
func GetTenantPolicySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "TenantPolicy",
		Description: "A tenant-defined content policy applied by the resolution pipeline.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "policy_id",
				DataType:        []string{"text"},
				Description:     "The unique ID for the policy.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "tenant_id",
				DataType:        []string{"text"},
				Description:     "The owning tenant.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "name",
				DataType:     []string{"text"},
				Description:  "Human-readable policy name.",
				Tokenization: "word",
			},
			{
				Name:            "policy_type",
				DataType:        []string{"text"},
				Description:     "One of topic_filter, pii_filter, tone, length.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "mode",
				DataType:        []string{"text"},
				Description:     "Pipeline phase the policy applies to: pre or post.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "config",
				DataType:     []string{"text"},
				Description:  "Kind-specific configuration as a JSON document.",
				Tokenization: "field",
			},
			{
				Name:            "enabled",
				DataType:        []string{"boolean"},
				Description:     "Disabled policies are loaded but never evaluated.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "priority",
				DataType:        []string{"int"},
				Description:     "Tie-break reserved for future ordering.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func EnsureWeaviateSchema(client *weaviate.Client) {
	// A list of functions that return our schema definitions.
	schemaGetters := []func() *models.Class{
		GetConversationSchema,
		GetConversationTurnSchema,
		GetKnowledgeChunkSchema,
		GetTenantPolicySchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				// If we fail to create it, it's a fatal error.
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
