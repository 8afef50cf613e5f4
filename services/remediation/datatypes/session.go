// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model for the remediation service:
// sessions, fix attempts, queue messages, and historical fixes.
package datatypes

import (
	"encoding/json"
	"time"
)

// SessionType distinguishes pipeline-failure sessions from quality-gate sessions.
type SessionType string

const (
	// SessionTypePipeline is a session investigating a failed CI pipeline.
	SessionTypePipeline SessionType = "pipeline"

	// SessionTypeQuality is a session investigating a failed quality gate.
	SessionTypeQuality SessionType = "quality"
)

// SessionStatus is the lifecycle state of a session.
//
// active is the initial state. resolved and expired are terminal.
// "Exhausted" is deliberately not a status: it is a derived condition on the
// number of fix attempts that stops automated retries while the session stays
// active for manual follow-up.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusResolved SessionStatus = "resolved"
	SessionStatusExpired  SessionStatus = "expired"
)

// FixAttemptStatus is the state of a single proposed remediation.
type FixAttemptStatus string

const (
	FixAttemptPending FixAttemptStatus = "pending"
	FixAttemptSuccess FixAttemptStatus = "success"
	FixAttemptFailed  FixAttemptStatus = "failed"
)

// MessageRole tags a transcript entry with its author.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry in a session's conversation transcript.
// Transcripts are append-only and preserve arrival order.
type Message struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionKey is the dedup key for active-session lookup: (project, pipeline)
// for pipeline sessions, (project, "quality") for quality sessions.
//
// At most one active session exists per key at any time. The session store
// enforces this with partial unique indexes; concurrent webhook deliveries
// for the same key collapse onto one session.
type SessionKey struct {
	ProjectID  string
	PipelineID string
	Type       SessionType
}

// Session is one failure investigation, spanning possibly several fix attempts.
type Session struct {
	ID         string        `json:"id"`
	Type       SessionType   `json:"session_type"`
	Status     SessionStatus `json:"status"`
	ProjectID  string        `json:"project_id"`
	PipelineID string        `json:"pipeline_id,omitempty"`

	ProjectName string `json:"project_name,omitempty"`
	Branch      string `json:"branch,omitempty"`
	PipelineURL string `json:"pipeline_url,omitempty"`
	JobName     string `json:"job_name,omitempty"`
	FailedStage string `json:"failed_stage,omitempty"`

	// CurrentFixBranch is the branch of the most recent pending fix attempt,
	// empty when no attempt is in flight.
	CurrentFixBranch string `json:"current_fix_branch,omitempty"`

	// WebhookData is the raw payload snapshot of the most recent webhook
	// delivery that matched this session.
	WebhookData json.RawMessage `json:"webhook_data,omitempty"`

	// QualityMetrics is only populated for quality sessions.
	QualityMetrics *QualityMetrics `json:"quality_metrics,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Key returns the dedup key for this session.
func (s *Session) Key() SessionKey {
	if s.Type == SessionTypeQuality {
		return SessionKey{ProjectID: s.ProjectID, Type: SessionTypeQuality}
	}
	return SessionKey{ProjectID: s.ProjectID, PipelineID: s.PipelineID, Type: SessionTypePipeline}
}

// IsExpired reports whether the session's TTL has elapsed at the given time.
func (s *Session) IsExpired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// QualityMetrics is the snapshot of a failed quality gate.
type QualityMetrics struct {
	TotalIssues    int    `json:"total_issues"`
	CriticalIssues int    `json:"critical_issues"`
	MajorIssues    int    `json:"major_issues"`
	GateStatus     string `json:"gate_status"`
}

// FixAttempt is one proposed remediation (branch + merge request) within a
// session. Attempt numbers are 1-based, contiguous, and strictly increasing
// per session; at most one attempt is pending at a time.
type FixAttempt struct {
	SessionID     string           `json:"session_id"`
	AttemptNumber int              `json:"attempt_number"`
	BranchName    string           `json:"branch_name"`
	FilesTouched  []string         `json:"files_touched,omitempty"`
	Status        FixAttemptStatus `json:"status"`
	MergeRequest  string           `json:"merge_request,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
}

// TrackedFile is a repository file the analysis collaborator read or wrote
// during a session. Keyed by (session, path); last write wins.
type TrackedFile struct {
	SessionID string    `json:"session_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Subscription holds a per-project webhook secret. Webhook authentication
// checks the subscription secret for the delivering project before falling
// back to the globally configured secret.
type Subscription struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Source    string    `json:"source"`
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}
