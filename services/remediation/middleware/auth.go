// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the remediation service.
//
// # Webhook Authentication Flow
//
// Webhook senders carry a shared secret in a source-specific header
// (X-Gitlab-Token, X-Sonarqube-Webhook-Secret). The middleware resolves the
// expected secret, preferring a per-project subscription secret over the
// globally configured one, and rejects mismatches with 401 before any
// session logic runs.
//
//	Request
//	   │
//	   ▼
//	WebhookAuth
//	   │
//	   ├─► Buffer raw body (needed again for the session snapshot)
//	   │
//	   ├─► Resolve expected secret (subscription, then global)
//	   │
//	   └─► Constant-time compare against the header
//	           │
//	           ▼
//	       Handler (retrieves body via RawBody)
package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// maxWebhookBody bounds webhook payload size. GitLab pipeline payloads with
// many builds stay well under this.
const maxWebhookBody = 4 << 20

// rawBodyKey is the context key for the buffered request body.
const rawBodyKey = "aleutian_webhook_raw_body"

// SecretLookup resolves the per-project webhook secret for a source.
// Returning "" means no subscription secret is registered.
type SecretLookup func(ctx context.Context, source, projectID string) (string, error)

// WebhookAuthConfig configures WebhookAuth for one webhook source.
type WebhookAuthConfig struct {
	// Enabled turns verification on. The body is buffered either way.
	Enabled bool

	// Source names the sender for subscription lookup (gitlab, sonarqube).
	Source string

	// Header carries the sender's secret.
	Header string

	// GlobalSecret is the fallback when no subscription matches.
	GlobalSecret string

	// Lookup may be nil; the global secret is then the only secret.
	Lookup SecretLookup

	// ProjectID extracts the delivering project from the raw payload so the
	// subscription secret can be resolved. May be nil.
	ProjectID func(body []byte) string
}

// WebhookAuth buffers the request body and verifies the webhook secret.
//
// The comparison is constant-time. When auth is enabled and no secret is
// configured at all, every delivery is rejected; an unset secret must fail
// closed, not open.
func WebhookAuth(cfg WebhookAuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
			return
		}
		c.Set(rawBodyKey, body)
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if !cfg.Enabled {
			c.Next()
			return
		}

		expected := cfg.GlobalSecret
		if cfg.Lookup != nil && cfg.ProjectID != nil {
			if projectID := cfg.ProjectID(body); projectID != "" {
				if secret, err := cfg.Lookup(c.Request.Context(), cfg.Source, projectID); err == nil && secret != "" {
					expected = secret
				}
			}
		}

		token := c.GetHeader(cfg.Header)
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook token"})
			return
		}
		c.Next()
	}
}

// RawBody returns the body buffered by WebhookAuth, or nil if the middleware
// did not run.
func RawBody(c *gin.Context) []byte {
	if v, exists := c.Get(rawBodyKey); exists {
		if body, ok := v.([]byte); ok {
			return body
		}
	}
	return nil
}
