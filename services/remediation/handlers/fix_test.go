// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
)

type fakeRepo struct {
	branches  []string
	branchErr error
	mrErr     error
}

func (r *fakeRepo) CreateBranch(_ context.Context, _, branch, _ string) error {
	if r.branchErr != nil {
		return r.branchErr
	}
	r.branches = append(r.branches, branch)
	return nil
}

func (r *fakeRepo) CreateMergeRequest(_ context.Context, projectID, sourceBranch, _, _, _ string) (string, error) {
	if r.mrErr != nil {
		return "", r.mrErr
	}
	return fmt.Sprintf("http://gitlab/p/%s/-/merge_requests/%s", projectID, sourceBranch), nil
}

func (r *fakeRepo) GetRawFile(context.Context, string, string, string) (string, error) {
	return "", nil
}

func newFixFixture(t *testing.T, maxAttempts int, repo collab.RepoClient) (*apiFixture, string) {
	t.Helper()
	f := newAPIFixture(t)

	ctrl := &retry.Controller{Store: f.store, MaxAttempts: maxAttempts}
	f.engine.POST("/v1/sessions/:sessionId/merge-request", PostMergeRequest(f.store, ctrl, repo))

	w := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "failed"))
	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return f, resp["session_id"]
}

func TestPostMergeRequest(t *testing.T) {
	t.Run("opens a merge request and records the attempt", func(t *testing.T) {
		repo := &fakeRepo{}
		f, id := newFixFixture(t, 5, repo)

		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request",
			`{"branch": "fix/100-1", "files": ["main.go"], "title": "Repair unit tests"}`)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), "merge_requests")
		assert.Equal(t, []string{"fix/100-1"}, repo.branches)

		attempts, err := f.store.GetFixAttempts(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, datatypes.FixAttemptPending, attempts[0].Status)
		assert.NotEmpty(t, attempts[0].MergeRequest)
	})

	t.Run("exhausted budget answers 409 with the advisory", func(t *testing.T) {
		repo := &fakeRepo{}
		f, id := newFixFixture(t, 1, repo)

		first := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request", `{"branch": "fix/100-1"}`)
		require.Equal(t, http.StatusCreated, first.Code)

		second := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request", `{"branch": "fix/100-2"}`)
		require.Equal(t, http.StatusConflict, second.Code)
		assert.Contains(t, second.Body.String(), "Automated fixes stopped")
		assert.Len(t, repo.branches, 1)
	})

	t.Run("repository failure marks the attempt failed", func(t *testing.T) {
		repo := &fakeRepo{branchErr: errors.New("host down")}
		f, id := newFixFixture(t, 5, repo)

		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request", `{"branch": "fix/100-1"}`)
		require.Equal(t, http.StatusBadGateway, w.Code)

		attempts, err := f.store.GetFixAttempts(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, datatypes.FixAttemptFailed, attempts[0].Status)
	})

	t.Run("no repository client answers 503", func(t *testing.T) {
		f, id := newFixFixture(t, 5, nil)
		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request", `{"branch": "fix/100-1"}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("missing branch is rejected", func(t *testing.T) {
		f, id := newFixFixture(t, 5, &fakeRepo{})
		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/merge-request", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		f, _ := newFixFixture(t, 5, &fakeRepo{})
		w := f.do(http.MethodPost, "/v1/sessions/nope/merge-request", `{"branch": "fix/1"}`)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
