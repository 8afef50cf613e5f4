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

// HistoricalFixClass is the Weaviate class name for the fix cache.
const HistoricalFixClass = "HistoricalFix"

func GetHistoricalFixSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       HistoricalFixClass,
		Description: "A past CI/CD failure resolution with its embedding and outcome.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:         "error_signature",
				DataType:     []string{"text"},
				Description:  "Normalized error signature the embedding was computed from.",
				Tokenization: "word",
			},
			{
				Name:            "error_signature_hash",
				DataType:        []string{"text"},
				Description:     "SHA-256 of the error signature, for aggregating outcomes.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "fix_description",
				DataType:    []string{"text"},
				Description: "Human-readable description of the applied fix.",
			},
			{
				Name:        "files_changed",
				DataType:    []string{"text[]"},
				Description: "Repository paths touched by the fix.",
			},
			{
				Name:            "project_id",
				DataType:        []string{"text"},
				Description:     "Project the fix was applied to.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "confirmed",
				DataType:        []string{"boolean"},
				Description:     "True only after a pipeline succeeded on the fix branch.",
				IndexFilterable: indexFilterable,
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) when the fix outcome was recorded.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

// EnsureWeaviateSchema creates the fix-cache class if it does not exist yet.
// Called once at startup when a Weaviate client is configured.
func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetHistoricalFixSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// Not found; create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
