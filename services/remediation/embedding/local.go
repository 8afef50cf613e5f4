// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultLocalDims = 384

// LocalEmbedder is a deterministic feature-hashing embedder for deployments
// without an embedding API. Identical signatures always map to identical
// vectors, and shared tokens produce nonzero similarity, which is enough for
// the fix cache's nearest-neighbor lookup to be useful offline.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder creates a local embedder with the given dimension count.
// Zero or negative uses the default.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = defaultLocalDims
	}
	return &LocalEmbedder{dims: dims}
}

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if len(text) > maxEmbedLength {
		text = text[:maxEmbedLength]
	}

	vec := make([]float32, e.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		sum := h.Sum64()

		idx := int(sum % uint64(e.dims))
		// The bit above the index decides the sign, so hash collisions
		// partially cancel instead of always accumulating.
		sign := float32(1)
		if (sum>>63)&1 == 1 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return nil, ErrEmptyInput
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
