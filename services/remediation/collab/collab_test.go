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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

func TestAgentClient(t *testing.T) {
	ctx := context.Background()

	t.Run("posts context and decodes the result", func(t *testing.T) {
		var gotPath string
		var gotCtx SessionContext
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotCtx))
			json.NewEncoder(w).Encode(AnalysisResult{
				Summary:    "flaky db fixture, reorder setup",
				ProposeFix: true,
				BranchName: "fix/db-fixture-order",
			})
		}))
		defer srv.Close()

		client := NewAgentClient(srv.URL, time.Minute)
		result, err := client.Analyze(ctx, SessionContext{
			Session: datatypes.Session{ID: "sess-1", Type: datatypes.SessionTypePipeline},
		})
		require.NoError(t, err)
		assert.Equal(t, "/v1/analyze", gotPath)
		assert.Equal(t, "sess-1", gotCtx.Session.ID)
		assert.True(t, result.ProposeFix)
		assert.Equal(t, "fix/db-fixture-order", result.BranchName)
	})

	t.Run("non-200 is an error with the body snippet", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "agent overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := NewAgentClient(srv.URL, time.Minute).Analyze(ctx, SessionContext{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
		assert.Contains(t, err.Error(), "agent overloaded")
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		cancelCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := NewAgentClient(srv.URL, time.Minute).Analyze(cancelCtx, SessionContext{})
		assert.Error(t, err)
	})
}

func TestGitLabClient(t *testing.T) {
	ctx := context.Background()

	t.Run("creates branches with the token header", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "glpat-test", r.Header.Get("PRIVATE-TOKEN"))
			assert.Equal(t, "/api/v4/projects/101/repository/branches", r.URL.Path)
			assert.Equal(t, "fix/a", r.URL.Query().Get("branch"))
			assert.Equal(t, "main", r.URL.Query().Get("ref"))
			w.WriteHeader(http.StatusCreated)
		}))
		defer srv.Close()

		client := NewGitLabClient(srv.URL, "glpat-test")
		assert.NoError(t, client.CreateBranch(ctx, "101", "fix/a", "main"))
	})

	t.Run("existing branch is not an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"message":"Branch already exists"}`))
		}))
		defer srv.Close()

		client := NewGitLabClient(srv.URL, "glpat-test")
		assert.NoError(t, client.CreateBranch(ctx, "101", "fix/a", "main"))
	})

	t.Run("merge request returns the web url", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "fix/a", body["source_branch"])
			assert.Equal(t, "main", body["target_branch"])
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]string{"web_url": "https://gitlab.example.com/mr/7"})
		}))
		defer srv.Close()

		client := NewGitLabClient(srv.URL, "glpat-test")
		url, err := client.CreateMergeRequest(ctx, "101", "fix/a", "main", "Fix flaky test", "details")
		require.NoError(t, err)
		assert.Equal(t, "https://gitlab.example.com/mr/7", url)
	})

	t.Run("raw file read", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Contains(t, r.URL.Path, "/repository/files/")
			w.Write([]byte("package main"))
		}))
		defer srv.Close()

		client := NewGitLabClient(srv.URL, "glpat-test")
		content, err := client.GetRawFile(ctx, "101", "cmd/main.go", "main")
		require.NoError(t, err)
		assert.Equal(t, "package main", content)
	})
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities(true, false, true)
	byName := map[string]Capability{}
	for _, c := range caps {
		byName[c.Name] = c
	}

	assert.True(t, byName["analyze_failures"].Enabled)
	assert.False(t, byName["propose_fixes"].Enabled, "fix proposals need a repo client")
	assert.True(t, byName["suggest_historical_fixes"].Enabled)
	assert.True(t, byName["conversation"].Enabled)
}
