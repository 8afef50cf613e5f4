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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

type subscriptionRequest struct {
	ProjectID string `json:"project_id" binding:"required"`
	Source    string `json:"source" binding:"required,oneof=gitlab sonarqube"`
	Secret    string `json:"secret"`
}

// CreateSubscription registers a per-project webhook secret. Re-registering a
// (source, project) pair rotates the secret. When no secret is supplied one
// is generated; either way the secret is returned exactly once, in this
// response, and never on reads.
func CreateSubscription(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req subscriptionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "project_id and source (gitlab|sonarqube) are required"})
			return
		}

		secret := req.Secret
		if secret == "" {
			secret = uuid.NewString()
		}

		sub, err := st.CreateSubscription(c.Request.Context(), datatypes.Subscription{
			ID:        uuid.NewString(),
			ProjectID: req.ProjectID,
			Source:    req.Source,
			Secret:    secret,
		})
		if err != nil {
			slog.Error("subscriptions: create failed", "project_id", req.ProjectID, "source", req.Source, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
			return
		}

		slog.Info("subscriptions: registered", "id", sub.ID, "project_id", sub.ProjectID, "source", sub.Source)
		c.JSON(http.StatusCreated, gin.H{
			"id":         sub.ID,
			"project_id": sub.ProjectID,
			"source":     sub.Source,
			"secret":     secret,
			"created_at": sub.CreatedAt,
		})
	}
}

func ListSubscriptions(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		subs, err := st.ListSubscriptions(c.Request.Context())
		if err != nil {
			slog.Error("subscriptions: list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
	}
}

func DeleteSubscription(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("subscriptionId")
		err := st.DeleteSubscription(c.Request.Context(), id)
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		if err != nil {
			slog.Error("subscriptions: delete failed", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete subscription"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
	}
}
