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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

type mergeRequestRequest struct {
	Branch      string   `json:"branch" binding:"required"`
	Files       []string `json:"files"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
}

// PostMergeRequest drives the fix-creation path explicitly, outside the
// analysis loop. The attempt budget is checked before any repository call;
// an exhausted session answers 409 with the advisory listing prior attempts.
func PostMergeRequest(st store.SessionStore, ctrl *retry.Controller, repo collab.RepoClient) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")

		var req mergeRequestRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "branch is required"})
			return
		}

		sess, err := st.GetSession(c.Request.Context(), id)
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("fix: session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		if sess.Status != datatypes.SessionStatusActive {
			c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
			return
		}
		if repo == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no repository client is configured"})
			return
		}

		ctx := c.Request.Context()
		attemptNumber, err := ctrl.BeginFixAttempt(ctx, id, req.Branch, req.Files)
		if errors.Is(err, retry.ErrFixExhausted) {
			attempts, _ := st.GetFixAttempts(ctx, id)
			c.JSON(http.StatusConflict, gin.H{
				"error":    "fix attempts exhausted",
				"advisory": retry.AdvisorySummary(attempts, ctrl.MaxAttempts),
			})
			return
		}
		if err != nil {
			slog.Error("fix: failed to register attempt", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register fix attempt"})
			return
		}

		ref := sess.Branch
		if ref == "" {
			ref = "main"
		}
		if err := repo.CreateBranch(ctx, sess.ProjectID, req.Branch, ref); err != nil {
			failManualAttempt(ctx, ctrl, id, attemptNumber, "branch creation", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to create branch on the repository host"})
			return
		}

		title := req.Title
		if title == "" {
			title = fmt.Sprintf("Fix attempt %d for %s", attemptNumber, sess.ProjectName)
		}
		mrURL, err := repo.CreateMergeRequest(ctx, sess.ProjectID, req.Branch, ref, title, req.Description)
		if err != nil {
			failManualAttempt(ctx, ctrl, id, attemptNumber, "merge request creation", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to open a merge request"})
			return
		}

		if err := ctrl.CompleteFixAttempt(ctx, id, attemptNumber, datatypes.FixAttemptPending, mrURL); err != nil {
			slog.Warn("fix: failed to record merge request url",
				"session_id", id, "attempt", attemptNumber, "error", err)
		}
		if err := st.AppendMessage(ctx, id, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: fmt.Sprintf("Fix attempt %d opened: %s", attemptNumber, mrURL),
		}); err != nil {
			slog.Warn("fix: failed to append transcript note", "session_id", id, "error", err)
		}

		c.JSON(http.StatusCreated, gin.H{
			"session_id":     id,
			"attempt_number": attemptNumber,
			"branch":         req.Branch,
			"merge_request":  mrURL,
		})
	}
}

// failManualAttempt closes an attempt whose repository side effects failed.
// The budget stays spent; the caller decides whether to analyze again first.
func failManualAttempt(ctx context.Context, ctrl *retry.Controller, id string, attemptNumber int, stage string, cause error) {
	slog.Error("fix: attempt failed", "session_id", id, "attempt", attemptNumber, "stage", stage, "error", cause)
	if err := ctrl.CompleteFixAttempt(ctx, id, attemptNumber, datatypes.FixAttemptFailed, ""); err != nil {
		slog.Warn("fix: failed to mark attempt failed", "session_id", id, "attempt", attemptNumber, "error", err)
	}
}
