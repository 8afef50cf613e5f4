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
	"net/url"
	"strings"
	"time"
)

// GitLabClient implements RepoClient against the GitLab REST API.
type GitLabClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGitLabClient creates a client for the GitLab instance at baseURL
// authenticating with a personal or project access token.
func NewGitLabClient(baseURL, token string) *GitLabClient {
	return &GitLabClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitLabClient) CreateBranch(ctx context.Context, projectID, branch, ref string) error {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/branches?branch=%s&ref=%s",
		c.baseURL, url.PathEscape(projectID), url.QueryEscape(branch), url.QueryEscape(ref))

	resp, err := c.do(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 400 with "already exists" happens when a retried analysis reuses the
	// branch; that is fine.
	if resp.StatusCode == http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if strings.Contains(string(snippet), "already exists") {
			return nil
		}
		return fmt.Errorf("gitlab branch create returned 400: %s", string(snippet))
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("gitlab branch create returned %d", resp.StatusCode)
	}
	return nil
}

func (c *GitLabClient) CreateMergeRequest(ctx context.Context, projectID, sourceBranch, targetBranch, title, description string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"source_branch": sourceBranch,
		"target_branch": targetBranch,
		"title":         title,
		"description":   description,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode merge request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/merge_requests", c.baseURL, url.PathEscape(projectID))
	resp, err := c.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("gitlab merge request create returned %d: %s", resp.StatusCode, string(snippet))
	}

	var mr struct {
		WebURL string `json:"web_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return "", fmt.Errorf("failed to decode merge request response: %w", err)
	}
	return mr.WebURL, nil
}

func (c *GitLabClient) GetRawFile(ctx context.Context, projectID, path, ref string) (string, error) {
	endpoint := fmt.Sprintf("%s/api/v4/projects/%s/repository/files/%s/raw?ref=%s",
		c.baseURL, url.PathEscape(projectID), url.PathEscape(path), url.QueryEscape(ref))

	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", fmt.Errorf("file %s not found at %s", path, ref)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gitlab file read returned %d", resp.StatusCode)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read file body: %w", err)
	}
	return string(content), nil
}

func (c *GitLabClient) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gitlab request failed: %w", err)
	}
	return resp, nil
}
