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

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/events"
	"github.com/AleutianAI/AleutianMend/services/remediation/filecache"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

// ListSessions returns active sessions, optionally filtered by project_id and
// session_type query parameters.
func ListSessions(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.ActiveFilter{
			ProjectID: c.Query("project_id"),
			Type:      datatypes.SessionType(c.Query("session_type")),
		}
		sessions, err := st.ListActiveSessions(c.Request.Context(), filter)
		if err != nil {
			slog.Error("sessions: list failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
	}
}

func GetSession(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, err := st.GetSession(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("sessions: get failed", "session_id", c.Param("sessionId"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// GetSessionMessages returns the session transcript in arrival order.
func GetSessionMessages(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if _, err := st.GetSession(c.Request.Context(), id); err != nil {
			respondSessionError(c, id, err)
			return
		}
		msgs, err := st.GetMessages(c.Request.Context(), id)
		if err != nil {
			slog.Error("sessions: transcript load failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transcript"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "messages": msgs})
	}
}

// GetSessionAttempts returns the session's fix attempts ordered by attempt
// number.
func GetSessionAttempts(st store.SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if _, err := st.GetSession(c.Request.Context(), id); err != nil {
			respondSessionError(c, id, err)
			return
		}
		attempts, err := st.GetFixAttempts(c.Request.Context(), id)
		if err != nil {
			slog.Error("sessions: attempts load failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load fix attempts"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "attempts": attempts})
	}
}

// GetSessionFiles returns the files tracked during a session. The file cache
// is consulted first; the store is the fallback when the cache is cold or
// disabled.
func GetSessionFiles(st store.SessionStore, fc *filecache.Cache) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if _, err := st.GetSession(c.Request.Context(), id); err != nil {
			respondSessionError(c, id, err)
			return
		}

		if fc != nil {
			if files, err := fc.List(id); err == nil && len(files) > 0 {
				c.JSON(http.StatusOK, gin.H{"session_id": id, "files": files, "source": "cache"})
				return
			}
		}

		files, err := st.GetTrackedFiles(c.Request.Context(), id)
		if err != nil {
			slog.Error("sessions: tracked files load failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tracked files"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": id, "files": files, "source": "store"})
	}
}

type userMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// PostSessionMessage appends a user reply to an active session and queues a
// continuation for the analysis worker. Resolved and expired sessions reject
// new messages with 409.
func PostSessionMessage(router *events.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")

		var req userMessageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
			return
		}

		err := router.HandleUserMessage(c.Request.Context(), id, req.Content)
		switch {
		case errors.Is(err, store.ErrSessionNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		case errors.Is(err, store.ErrSessionNotActive):
			c.JSON(http.StatusConflict, gin.H{"error": "session is not active"})
		case err != nil:
			slog.Error("sessions: user message failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue message"})
		default:
			c.JSON(http.StatusAccepted, gin.H{"status": "queued", "session_id": id})
		}
	}
}

func respondSessionError(c *gin.Context, id string, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	slog.Error("sessions: lookup failed", "session_id", id, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
}
