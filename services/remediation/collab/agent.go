// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// AgentClient calls the analysis agent service over HTTP. The agent owns all
// LLM interaction; this service only ships it session context and records
// what comes back.
type AgentClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAgentClient creates a client for the agent at baseURL. timeout bounds a
// single analysis call; zero uses 5 minutes.
func NewAgentClient(baseURL string, timeout time.Duration) *AgentClient {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &AgentClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze posts the session context to the agent's analyze endpoint.
func (c *AgentClient) Analyze(ctx context.Context, sc SessionContext) (AnalysisResult, error) {
	body, err := json.Marshal(sc)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("failed to encode session context: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AnalysisResult{}, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return AnalysisResult{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(snippet))
	}

	var result AnalysisResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return AnalysisResult{}, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return result, nil
}
