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
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/events"
	"github.com/AleutianAI/AleutianMend/services/remediation/queue"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

type apiFixture struct {
	store  store.SessionStore
	router *events.Router
	engine *gin.Engine
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	q, err := queue.NewBackend(context.Background(), queue.Options{Kind: "inproc"})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	router := &events.Router{Store: st, Queue: q, SessionTTL: time.Hour}

	engine := gin.New()
	engine.POST("/webhooks/gitlab", GitlabWebhook(router, nil))
	engine.POST("/webhooks/sonarqube", SonarqubeWebhook(router, nil))
	engine.GET("/v1/sessions", ListSessions(st))
	engine.GET("/v1/sessions/:sessionId", GetSession(st))
	engine.GET("/v1/sessions/:sessionId/messages", GetSessionMessages(st))
	engine.GET("/v1/sessions/:sessionId/attempts", GetSessionAttempts(st))
	engine.GET("/v1/sessions/:sessionId/files", GetSessionFiles(st, nil))
	engine.POST("/v1/sessions/:sessionId/messages", PostSessionMessage(router))
	engine.POST("/v1/subscriptions", CreateSubscription(st))
	engine.GET("/v1/subscriptions", ListSubscriptions(st))
	engine.DELETE("/v1/subscriptions/:subscriptionId", DeleteSubscription(st))

	return &apiFixture{store: st, router: router, engine: engine}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func pipelinePayload(projectID, pipelineID int64, status string) string {
	return fmt.Sprintf(`{
		"object_kind": "pipeline",
		"object_attributes": {"id": %d, "status": %q, "ref": "main", "url": "http://gitlab/p/1"},
		"project": {"id": %d, "name": "payments"},
		"builds": [{"id": 1, "name": "unit-tests", "stage": "test", "status": "failed", "finished_at": "2026-08-29 10:00:00 UTC"}]
	}`, pipelineID, status, projectID)
}

func TestGitlabWebhook(t *testing.T) {
	t.Run("failed pipeline creates a session", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "failed"))
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "session_created", resp["status"])
		assert.NotEmpty(t, resp["session_id"])
	})

	t.Run("duplicate delivery joins the existing session", func(t *testing.T) {
		f := newAPIFixture(t)
		first := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "failed"))
		require.Equal(t, http.StatusCreated, first.Code)

		second := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "failed"))
		require.Equal(t, http.StatusOK, second.Code)
		assert.Contains(t, second.Body.String(), "session_updated")
	})

	t.Run("running pipelines are ignored", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "running"))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ignored")
	})

	t.Run("non-pipeline events are ignored", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/gitlab", `{"object_kind": "push"}`)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ignored")
	})

	t.Run("malformed payload is rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/gitlab", "{not json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSonarqubeWebhook(t *testing.T) {
	gatePayload := `{
		"project": {"key": "payments", "name": "Payments"},
		"qualityGate": {"status": "ERROR", "conditions": [
			{"metric": "new_critical_violations", "status": "ERROR", "value": "3"}
		]},
		"branch": {"name": "main"}
	}`

	t.Run("failed gate creates a quality session", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/sonarqube", gatePayload)
		require.Equal(t, http.StatusCreated, w.Code)
		assert.Contains(t, w.Body.String(), "session_created")
	})

	t.Run("passing gate is ignored", func(t *testing.T) {
		f := newAPIFixture(t)
		okPayload := `{"project": {"key": "payments"}, "qualityGate": {"status": "OK"}}`
		w := f.do(http.MethodPost, "/webhooks/sonarqube", okPayload)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ignored")
	})

	t.Run("payload without a project key is rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/webhooks/sonarqube", `{"qualityGate": {"status": "ERROR"}}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestSessionEndpoints(t *testing.T) {
	openSession := func(t *testing.T, f *apiFixture) string {
		t.Helper()
		w := f.do(http.MethodPost, "/webhooks/gitlab", pipelinePayload(42, 100, "failed"))
		require.Equal(t, http.StatusCreated, w.Code)
		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return resp["session_id"]
	}

	t.Run("list and get", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)

		list := f.do(http.MethodGet, "/v1/sessions", "")
		require.Equal(t, http.StatusOK, list.Code)
		assert.Contains(t, list.Body.String(), id)

		get := f.do(http.MethodGet, "/v1/sessions/"+id, "")
		require.Equal(t, http.StatusOK, get.Code)

		var sess datatypes.Session
		require.NoError(t, json.Unmarshal(get.Body.Bytes(), &sess))
		assert.Equal(t, "42", sess.ProjectID)
		assert.Equal(t, datatypes.SessionStatusActive, sess.Status)
	})

	t.Run("list filters by project", func(t *testing.T) {
		f := newAPIFixture(t)
		openSession(t, f)

		w := f.do(http.MethodGet, "/v1/sessions?project_id=999", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":0`)
	})

	t.Run("unknown session is 404", func(t *testing.T) {
		f := newAPIFixture(t)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sessions/nope", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sessions/nope/messages", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sessions/nope/attempts", "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/sessions/nope/files", "").Code)
	})

	t.Run("user message is queued on an active session", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)

		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"content": "try clearing the cache"}`)
		require.Equal(t, http.StatusAccepted, w.Code)

		msgs := f.do(http.MethodGet, "/v1/sessions/"+id+"/messages", "")
		require.Equal(t, http.StatusOK, msgs.Code)
		assert.Contains(t, msgs.Body.String(), "try clearing the cache")
	})

	t.Run("user message without content is rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)
		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("user message on a resolved session is 409", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)

		ctx := context.Background()
		_, err := f.store.CreateFixAttempt(ctx, id, "fix/100-1", nil)
		require.NoError(t, err)
		require.NoError(t, f.store.MarkResolved(ctx, id, 1))

		w := f.do(http.MethodPost, "/v1/sessions/"+id+"/messages", `{"content": "still broken?"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("attempts endpoint reflects registered fixes", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)

		_, err := f.store.CreateFixAttempt(context.Background(), id, "fix/100-1", []string{"main.go"})
		require.NoError(t, err)

		w := f.do(http.MethodGet, "/v1/sessions/"+id+"/attempts", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "fix/100-1")
	})

	t.Run("files endpoint falls back to the store", func(t *testing.T) {
		f := newAPIFixture(t)
		id := openSession(t, f)

		require.NoError(t, f.store.StoreTrackedFile(context.Background(), id, "main.go", "package main", "modified"))

		w := f.do(http.MethodGet, "/v1/sessions/"+id+"/files", "")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"source":"store"`)
		assert.Contains(t, w.Body.String(), "main.go")
	})
}

func TestSubscriptionEndpoints(t *testing.T) {
	t.Run("create returns the secret exactly once", func(t *testing.T) {
		f := newAPIFixture(t)

		w := f.do(http.MethodPost, "/v1/subscriptions", `{"project_id": "42", "source": "gitlab"}`)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		secret, _ := resp["secret"].(string)
		assert.NotEmpty(t, secret)

		list := f.do(http.MethodGet, "/v1/subscriptions", "")
		require.Equal(t, http.StatusOK, list.Code)
		assert.NotContains(t, list.Body.String(), secret)
	})

	t.Run("explicit secret is honored", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/v1/subscriptions", `{"project_id": "42", "source": "gitlab", "secret": "hunter2"}`)
		require.Equal(t, http.StatusCreated, w.Code)

		secret, err := f.store.LookupSecret(context.Background(), "gitlab", "42")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", secret)
	})

	t.Run("invalid source is rejected", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/v1/subscriptions", `{"project_id": "42", "source": "jenkins"}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("delete removes the subscription", func(t *testing.T) {
		f := newAPIFixture(t)
		w := f.do(http.MethodPost, "/v1/subscriptions", `{"project_id": "42", "source": "gitlab"}`)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		id, _ := resp["id"].(string)

		assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, "/v1/subscriptions/"+id, "").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodDelete, "/v1/subscriptions/"+id, "").Code)
	})
}

func TestProjectExtractors(t *testing.T) {
	assert.Equal(t, "42", GitlabProjectID([]byte(`{"project": {"id": 42}}`)))
	assert.Equal(t, "", GitlabProjectID([]byte(`{}`)))
	assert.Equal(t, "", GitlabProjectID([]byte(`not json`)))

	assert.Equal(t, "payments", SonarqubeProjectKey([]byte(`{"project": {"key": "payments"}}`)))
	assert.Equal(t, "", SonarqubeProjectKey([]byte(`not json`)))
}
