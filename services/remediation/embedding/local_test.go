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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	// Inputs are unit vectors, so the dot product is the cosine.
	return dot
}

func TestLocalEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewLocalEmbedder(128)

	t.Run("is deterministic", func(t *testing.T) {
		a, err := e.Embed(ctx, "TestCheckout failed: nil pointer dereference in cart.go:42")
		require.NoError(t, err)
		b, err := e.Embed(ctx, "TestCheckout failed: nil pointer dereference in cart.go:42")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, 128)
	})

	t.Run("unit norm", func(t *testing.T) {
		v, err := e.Embed(ctx, "connection refused to postgres:5432")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, cosine(v, v), 1e-5)
	})

	t.Run("similar signatures score higher than unrelated ones", func(t *testing.T) {
		base, err := e.Embed(ctx, "nil pointer dereference in cart checkout handler")
		require.NoError(t, err)
		near, err := e.Embed(ctx, "nil pointer dereference in cart payment handler")
		require.NoError(t, err)
		far, err := e.Embed(ctx, "yaml unmarshal tab character at line 3")
		require.NoError(t, err)

		assert.Greater(t, cosine(base, near), cosine(base, far))
	})

	t.Run("rejects empty input", func(t *testing.T) {
		_, err := e.Embed(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyInput)
	})
}

func TestNew(t *testing.T) {
	t.Run("defaults to the local embedder", func(t *testing.T) {
		e, err := New("local", "", "")
		require.NoError(t, err)
		assert.IsType(t, &LocalEmbedder{}, e)
	})

	t.Run("openai requires a key", func(t *testing.T) {
		_, err := New("openai", "", "")
		assert.Error(t, err)
	})

	t.Run("openai with key", func(t *testing.T) {
		e, err := New("openai", "sk-test", "")
		require.NoError(t, err)
		assert.IsType(t, &OpenAIEmbedder{}, e)
	})
}
