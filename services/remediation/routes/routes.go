// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/events"
	"github.com/AleutianAI/AleutianMend/services/remediation/filecache"
	"github.com/AleutianAI/AleutianMend/services/remediation/handlers"
	"github.com/AleutianAI/AleutianMend/services/remediation/middleware"
	"github.com/AleutianAI/AleutianMend/services/remediation/observability"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	ServiceName string
	Store       store.SessionStore
	Router      *events.Router
	Retry       *retry.Controller
	Repo        collab.RepoClient
	FileCache   *filecache.Cache
	Metrics     *observability.Metrics

	// Webhook authentication.
	AuthEnabled     bool
	GitlabSecret    string
	SonarqubeSecret string

	// Capability flags for the health endpoint.
	HasAnalyzer bool
	HasRepo     bool
	HasFixCache bool
}

func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.Health(deps.ServiceName, deps.HasAnalyzer, deps.HasRepo, deps.HasFixCache))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	gitlabAuth := middleware.WebhookAuth(middleware.WebhookAuthConfig{
		Enabled:      deps.AuthEnabled,
		Source:       "gitlab",
		Header:       "X-Gitlab-Token",
		GlobalSecret: deps.GitlabSecret,
		Lookup:       deps.Store.LookupSecret,
		ProjectID:    handlers.GitlabProjectID,
	})
	sonarqubeAuth := middleware.WebhookAuth(middleware.WebhookAuthConfig{
		Enabled:      deps.AuthEnabled,
		Source:       "sonarqube",
		Header:       "X-Sonarqube-Webhook-Secret",
		GlobalSecret: deps.SonarqubeSecret,
		Lookup:       deps.Store.LookupSecret,
		ProjectID:    handlers.SonarqubeProjectKey,
	})

	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/gitlab", gitlabAuth, handlers.GitlabWebhook(deps.Router, deps.Metrics))
		webhooks.POST("/sonarqube", sonarqubeAuth, handlers.SonarqubeWebhook(deps.Router, deps.Metrics))
	}

	// API version 1 group
	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Store))
			sessions.GET("/:sessionId", handlers.GetSession(deps.Store))
			sessions.GET("/:sessionId/messages", handlers.GetSessionMessages(deps.Store))
			sessions.POST("/:sessionId/messages", handlers.PostSessionMessage(deps.Router))
			sessions.GET("/:sessionId/attempts", handlers.GetSessionAttempts(deps.Store))
			sessions.GET("/:sessionId/files", handlers.GetSessionFiles(deps.Store, deps.FileCache))
			sessions.POST("/:sessionId/merge-request", handlers.PostMergeRequest(deps.Store, deps.Retry, deps.Repo))
		}
		subscriptions := v1.Group("/subscriptions")
		{
			subscriptions.POST("", handlers.CreateSubscription(deps.Store))
			subscriptions.GET("", handlers.ListSubscriptions(deps.Store))
			subscriptions.DELETE("/:subscriptionId", handlers.DeleteSubscription(deps.Store))
		}
	}
}
