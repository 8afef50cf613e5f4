// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP API of the remediation service.
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/events"
	"github.com/AleutianAI/AleutianMend/services/remediation/middleware"
	"github.com/AleutianAI/AleutianMend/services/remediation/observability"
)

// rawBody returns the payload buffered by the webhook auth middleware,
// reading the request directly when the middleware did not run.
func rawBody(c *gin.Context) ([]byte, error) {
	if body := middleware.RawBody(c); body != nil {
		return body, nil
	}
	return io.ReadAll(c.Request.Body)
}

// GitlabWebhook ingests GitLab pipeline events. Failed pipelines open or join
// a session; successful pipelines are matched against pending fix branches.
func GitlabWebhook(router *events.Router, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := rawBody(c)
		if err != nil {
			metrics.RecordWebhook("gitlab", observability.WebhookError)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		var ev datatypes.PipelineEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			metrics.RecordWebhook("gitlab", observability.WebhookRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed pipeline event"})
			return
		}
		if ev.ObjectKind != "" && ev.ObjectKind != "pipeline" {
			metrics.RecordWebhook("gitlab", observability.WebhookIgnored)
			c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": "not a pipeline event"})
			return
		}

		outcome, err := router.HandlePipelineEvent(c.Request.Context(), ev, body)
		if err != nil {
			slog.Error("webhook: pipeline event failed", "error", err)
			metrics.RecordWebhook("gitlab", observability.WebhookError)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process pipeline event"})
			return
		}
		respondRouted(c, "gitlab", outcome, metrics)
	}
}

// SonarqubeWebhook ingests SonarQube quality-gate events. Gates in OK status
// are acknowledged and ignored.
func SonarqubeWebhook(router *events.Router, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := rawBody(c)
		if err != nil {
			metrics.RecordWebhook("sonarqube", observability.WebhookError)
			c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}

		var ev datatypes.QualityGateEvent
		if err := json.Unmarshal(body, &ev); err != nil || ev.Project.Key == "" {
			metrics.RecordWebhook("sonarqube", observability.WebhookRejected)
			c.JSON(http.StatusBadRequest, gin.H{"error": "malformed quality gate event"})
			return
		}

		outcome, err := router.HandleQualityEvent(c.Request.Context(), ev, body)
		if err != nil {
			slog.Error("webhook: quality gate event failed", "error", err)
			metrics.RecordWebhook("sonarqube", observability.WebhookError)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to process quality gate event"})
			return
		}
		respondRouted(c, "sonarqube", outcome, metrics)
	}
}

func respondRouted(c *gin.Context, source string, outcome events.RouteOutcome, metrics *observability.Metrics) {
	switch {
	case outcome.Created:
		metrics.RecordWebhook(source, observability.WebhookCreated)
		metrics.RecordSession(string(outcome.Session.Type), "created")
		c.JSON(http.StatusCreated, gin.H{"status": "session_created", "session_id": outcome.Session.ID})
	case outcome.Session.ID != "":
		metrics.RecordWebhook(source, observability.WebhookDeduped)
		c.JSON(http.StatusOK, gin.H{"status": "session_updated", "session_id": outcome.Session.ID})
	default:
		metrics.RecordWebhook(source, observability.WebhookIgnored)
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	}
}

// GitlabProjectID extracts the numeric project ID from a raw pipeline
// payload, for per-subscription secret lookup before full parsing.
func GitlabProjectID(body []byte) string {
	var probe struct {
		Project struct {
			ID int64 `json:"id"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Project.ID == 0 {
		return ""
	}
	return strconv.FormatInt(probe.Project.ID, 10)
}

// SonarqubeProjectKey extracts the project key from a raw quality-gate
// payload, for per-subscription secret lookup before full parsing.
func SonarqubeProjectKey(body []byte) string {
	var probe struct {
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Project.Key
}
