// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fixcache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/embedding"
)

// TranscriptReader supplies a session's conversation so the archived fix can
// carry the analysis summary as its description.
type TranscriptReader interface {
	GetMessages(ctx context.Context, id string) ([]datatypes.Message, error)
}

// WeaviateCache stores fixes as vectors in the HistoricalFix class.
// Vectorizer is "none": embeddings are computed here and shipped with the
// object, so the Weaviate deployment needs no modules.
type WeaviateCache struct {
	client      *weaviate.Client
	embedder    embedding.Embedder
	transcripts TranscriptReader
}

// NewWeaviateCache builds a cache over an existing client. transcripts may
// be nil; archived fixes then fall back to a branch-based description.
func NewWeaviateCache(client *weaviate.Client, embedder embedding.Embedder, transcripts TranscriptReader) *WeaviateCache {
	return &WeaviateCache{client: client, embedder: embedder, transcripts: transcripts}
}

func (c *WeaviateCache) StoreFix(ctx context.Context, fix datatypes.HistoricalFix) error {
	if fix.Signature == "" {
		return fmt.Errorf("fix has no signature")
	}
	if fix.SignatureHash == "" {
		fix.SignatureHash = SignatureHash(fix.Signature)
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now()
	}

	vec := fix.Embedding
	if len(vec) == 0 {
		var err error
		vec, err = c.embedder.Embed(ctx, fix.Signature)
		if err != nil {
			return fmt.Errorf("failed to embed signature: %w", err)
		}
	}

	files := make([]string, 0, len(fix.FilesChanged))
	files = append(files, fix.FilesChanged...)

	_, err := c.client.Data().Creator().
		WithClassName(datatypes.HistoricalFixClass).
		WithProperties(map[string]any{
			"error_signature":      fix.Signature,
			"error_signature_hash": fix.SignatureHash,
			"fix_description":      fix.Description,
			"files_changed":        files,
			"project_id":           fix.ProjectID,
			"confirmed":            fix.Confirmed,
			"created_at":           float64(fix.CreatedAt.Unix()),
		}).
		WithVector(vec).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to store fix: %w", err)
	}
	return nil
}

// FindSimilar retrieves the nearest archived fixes and ranks them. A
// non-empty projectID narrows the search to that project. Any backend or
// embedding failure degrades to no suggestions.
func (c *WeaviateCache) FindSimilar(ctx context.Context, signature, projectID string, limit int) []datatypes.SimilarFix {
	if limit <= 0 {
		limit = 5
	}
	// Overfetch so grouping by signature still fills the requested limit.
	return rankCandidates(c.fetchCandidates(ctx, signature, projectID, limit*4), limit)
}

// FindExploratory surfaces attempted-but-unverified fixes, ranked by raw
// similarity. Callers ask for these explicitly; the safe-reuse path in
// FindSimilar never returns them.
func (c *WeaviateCache) FindExploratory(ctx context.Context, signature, projectID string, limit int) []datatypes.SimilarFix {
	if limit <= 0 {
		limit = 5
	}

	out := make([]datatypes.SimilarFix, 0, limit)
	for _, cand := range c.fetchCandidates(ctx, signature, projectID, limit*4) {
		if cand.fix.Confirmed {
			continue
		}
		out = append(out, datatypes.SimilarFix{
			Description:  cand.fix.Description,
			FilesChanged: cand.fix.FilesChanged,
			ProjectID:    cand.fix.ProjectID,
			Similarity:   cand.similarity,
			Score:        cand.similarity,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

func (c *WeaviateCache) fetchCandidates(ctx context.Context, signature, projectID string, fetch int) []candidate {
	vec, err := c.embedder.Embed(ctx, signature)
	if err != nil {
		slog.Warn("fixcache: failed to embed query signature", "error", err)
		return nil
	}

	nearVector := c.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := []graphql.Field{
		{Name: "error_signature"},
		{Name: "error_signature_hash"},
		{Name: "fix_description"},
		{Name: "files_changed"},
		{Name: "project_id"},
		{Name: "confirmed"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "certainty"}}},
	}

	query := c.client.GraphQL().Get().
		WithClassName(datatypes.HistoricalFixClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(fetch)
	if projectID != "" {
		query = query.WithWhere(filters.Where().
			WithPath([]string{"project_id"}).
			WithOperator(filters.Equal).
			WithValueString(projectID))
	}

	result, err := query.Do(ctx)
	if err != nil {
		slog.Warn("fixcache: similarity search failed", "error", err)
		return nil
	}
	if len(result.Errors) > 0 {
		slog.Warn("fixcache: similarity search returned errors", "message", result.Errors[0].Message)
		return nil
	}
	return parseCandidates(result.Data)
}

// RecordConfirmedFix archives a fix that a green pipeline confirmed. It never
// fails the caller; a lost archive entry only costs a future suggestion.
func (c *WeaviateCache) RecordConfirmedFix(ctx context.Context, sess datatypes.Session, att datatypes.FixAttempt) {
	fix := datatypes.HistoricalFix{
		Signature:    BuildSignature(sess),
		Description:  c.describeFix(ctx, sess, att),
		FilesChanged: att.FilesTouched,
		ProjectID:    sess.ProjectID,
		Confirmed:    true,
	}
	if err := c.StoreFix(ctx, fix); err != nil {
		slog.Warn("fixcache: failed to archive confirmed fix",
			"session_id", sess.ID, "attempt", att.AttemptNumber, "error", err)
	}
}

// describeFix prefers the analysis summary (last assistant turn) over the
// bare branch name.
func (c *WeaviateCache) describeFix(ctx context.Context, sess datatypes.Session, att datatypes.FixAttempt) string {
	if c.transcripts != nil {
		msgs, err := c.transcripts.GetMessages(ctx, sess.ID)
		if err == nil {
			for i := len(msgs) - 1; i >= 0; i-- {
				if msgs[i].Role == datatypes.RoleAssistant && msgs[i].Content != "" {
					return msgs[i].Content
				}
			}
		}
	}
	return fmt.Sprintf("fix applied on branch %s", att.BranchName)
}

// parseCandidates walks the GraphQL Get response shape.
func parseCandidates(data map[string]models.JSONObject) []candidate {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	rows, ok := get[datatypes.HistoricalFixClass].([]any)
	if !ok {
		return nil
	}

	cands := make([]candidate, 0, len(rows))
	for _, row := range rows {
		props, ok := row.(map[string]any)
		if !ok {
			continue
		}
		c := candidate{fix: datatypes.HistoricalFix{
			Signature:     asString(props["error_signature"]),
			SignatureHash: asString(props["error_signature_hash"]),
			Description:   asString(props["fix_description"]),
			ProjectID:     asString(props["project_id"]),
		}}
		if confirmed, ok := props["confirmed"].(bool); ok {
			c.fix.Confirmed = confirmed
		}
		if files, ok := props["files_changed"].([]any); ok {
			for _, f := range files {
				c.fix.FilesChanged = append(c.fix.FilesChanged, asString(f))
			}
		}
		if add, ok := props["_additional"].(map[string]any); ok {
			if certainty, ok := add["certainty"].(float64); ok {
				c.similarity = certainty
			}
		}
		cands = append(cands, c)
	}
	return cands
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
