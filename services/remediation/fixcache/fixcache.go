// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fixcache archives confirmed fixes and retrieves similar ones for
// new failures.
//
// The cache is advisory: every failure here degrades to "no suggestions"
// rather than failing the caller. Session handling never depends on the
// vector store being up.
package fixcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// Ranking weights: similarity dominates, success rate breaks ties between
// equally similar fixes.
const (
	similarityWeight  = 0.7
	successRateWeight = 0.3
)

// Cache stores fix outcomes and finds candidates for new error signatures.
type Cache interface {
	// StoreFix archives one fix outcome, confirmed or attempted. The
	// embedding is computed from the signature when fix.Embedding is empty.
	StoreFix(ctx context.Context, fix datatypes.HistoricalFix) error

	// FindSimilar returns up to limit ranked suggestions for the signature.
	// A non-empty projectID restricts results to that project. It returns
	// an empty slice, never an error, when the backend is unavailable.
	FindSimilar(ctx context.Context, signature, projectID string, limit int) []datatypes.SimilarFix

	// FindExploratory returns attempted-but-unverified fixes for the
	// signature, ranked by raw similarity. FindSimilar never returns
	// these; callers ask for them explicitly.
	FindExploratory(ctx context.Context, signature, projectID string, limit int) []datatypes.SimilarFix
}

// SignatureHash is the stable identity of an error signature, used to group
// archived fixes for the same underlying failure.
func SignatureHash(signature string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(signature)))
	return hex.EncodeToString(sum[:])
}

// BuildSignature condenses a session into the text embedded for similarity
// search. Stable fields only; URLs and IDs would poison the neighborhood.
func BuildSignature(sess datatypes.Session) string {
	parts := []string{string(sess.Type)}
	for _, p := range []string{sess.ProjectName, sess.FailedStage, sess.JobName} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if sess.QualityMetrics != nil {
		parts = append(parts, "gate", sess.QualityMetrics.GateStatus)
	}
	return strings.Join(parts, " ")
}

// candidate is one retrieved fix with its raw vector similarity.
type candidate struct {
	fix        datatypes.HistoricalFix
	similarity float64
}

// rankCandidates groups candidates by signature hash, derives each group's
// success rate from its confirmed fraction, and scores groups by weighted
// similarity and success rate. Groups without a single confirmed fix are
// dropped: unconfirmed fixes inform the rate but are never suggested.
func rankCandidates(cands []candidate, limit int) []datatypes.SimilarFix {
	type group struct {
		best       candidate
		total      int
		confirmed  int
		similarity float64
	}
	groups := make(map[string]*group)
	for _, c := range cands {
		hash := c.fix.SignatureHash
		if hash == "" {
			hash = SignatureHash(c.fix.Signature)
		}
		g, ok := groups[hash]
		if !ok {
			g = &group{best: c, similarity: c.similarity}
			groups[hash] = g
		}
		g.total++
		if c.fix.Confirmed {
			g.confirmed++
			if !g.best.fix.Confirmed || c.similarity > g.best.similarity {
				g.best = c
			}
		}
		if c.similarity > g.similarity {
			g.similarity = c.similarity
		}
	}

	ranked := make([]datatypes.SimilarFix, 0, len(groups))
	for _, g := range groups {
		if g.confirmed == 0 {
			continue
		}
		rate := float64(g.confirmed) / float64(g.total)
		ranked = append(ranked, datatypes.SimilarFix{
			Description:  g.best.fix.Description,
			FilesChanged: g.best.fix.FilesChanged,
			ProjectID:    g.best.fix.ProjectID,
			Similarity:   g.similarity,
			SuccessRate:  rate,
			Score:        similarityWeight*g.similarity + successRateWeight*rate,
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Similarity > ranked[j].Similarity
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
