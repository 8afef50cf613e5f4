// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns error signatures into vectors for similarity
// search over historical fixes.
package embedding

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyInput is returned when there is nothing to embed.
var ErrEmptyInput = errors.New("empty embedding input")

// Embedder converts text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// maxEmbedLength caps input size; error logs can be enormous and only the
// head carries the signature.
const maxEmbedLength = 8192

// New selects an embedder by kind: "openai" needs an API key, anything else
// falls back to the deterministic local embedder.
func New(kind, apiKey, model string) (Embedder, error) {
	switch kind {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai embedder requires an API key")
		}
		return NewOpenAIEmbedder(apiKey, model), nil
	default:
		return NewLocalEmbedder(0), nil
	}
}

// OpenAIEmbedder embeds via the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder for the given model. An empty model
// uses text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, model string) *OpenAIEmbedder {
	m := openai.EmbeddingModel(model)
	if model == "" {
		m = openai.SmallEmbedding3
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: m}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	if len(text) > maxEmbedLength {
		text = text[:maxEmbedLength]
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding response was empty")
	}
	return resp.Data[0].Embedding, nil
}
