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

import "time"

// HistoricalFix is one fix outcome stored in the fix cache: an attempt when
// a merge request opens, a confirmed resolution when the pipeline goes
// green. Entries are append-only; the aggregate success rate per signature
// is derived from the confirmed fraction on read.
type HistoricalFix struct {
	// Signature is the normalized error-signature text the embedding was
	// computed from (e.g. "stage:test job:unit-tests").
	Signature string `json:"error_signature"`

	// SignatureHash is the SHA-256 of Signature, used to aggregate repeated
	// outcomes for the same failure shape.
	SignatureHash string `json:"error_signature_hash"`

	// Embedding is the signature+description vector.
	Embedding []float32 `json:"-"`

	Description  string   `json:"fix_description"`
	FilesChanged []string `json:"files_changed,omitempty"`
	ProjectID    string   `json:"project_id"`

	// Confirmed is true only when a later pipeline run on the fix branch
	// succeeded. Unconfirmed entries are excluded from the safe-reuse
	// ranking and only surfaced as exploratory context.
	Confirmed bool `json:"confirmed"`

	CreatedAt time.Time `json:"created_at"`
}

// SimilarFix is one ranked result from a fix-cache similarity search.
type SimilarFix struct {
	Description  string   `json:"fix_description"`
	FilesChanged []string `json:"files_changed,omitempty"`
	ProjectID    string   `json:"project_id"`

	// Similarity is the raw vector similarity in [0, 1].
	Similarity float64 `json:"similarity"`

	// SuccessRate is the empirical success rate of the matching signature
	// aggregated at read time.
	SuccessRate float64 `json:"success_rate"`

	// Score is the combined ranking score: 0.7*Similarity + 0.3*SuccessRate.
	Score float64 `json:"score"`
}
