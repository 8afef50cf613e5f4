// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the durable session store for the remediation service.
//
// The store is the single source of truth for sessions, transcripts, and fix
// attempts. Two invariants are enforced at the schema level rather than in
// application code:
//
//   - At most one active session exists per dedup key (project+pipeline for
//     pipeline sessions, project for quality sessions). Partial unique
//     indexes make the create-or-get decision atomic: the losing writer of a
//     concurrent race falls back to "found existing" semantics.
//   - Fix attempt numbers are contiguous and strictly increasing per session.
//     Assignment runs in an immediate transaction with a unique index on
//     (session_id, attempt_number) backing it up.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

var (
	// ErrSessionNotFound is returned for lookups of unknown session IDs.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotActive is returned when a mutation targets a resolved or
	// expired session.
	ErrSessionNotActive = errors.New("session is not active")

	// ErrAttemptNotFound is returned when updating a nonexistent fix attempt.
	ErrAttemptNotFound = errors.New("fix attempt not found")

	// ErrSubscriptionNotFound is returned for unknown subscription IDs.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// SessionSeed carries the initial fields for a session created on the first
// unmatched webhook delivery.
type SessionSeed struct {
	ProjectName string
	Branch      string
	PipelineURL string
	JobName     string
	FailedStage string
	WebhookData []byte
	Quality     *datatypes.QualityMetrics

	// ExpiresAt is the TTL deadline for the new session.
	ExpiresAt time.Time
}

// ActiveFilter narrows ListActiveSessions. Zero value lists everything.
type ActiveFilter struct {
	ProjectID string
	Type      datatypes.SessionType
}

// SessionStore is the persistence contract consumed by the event router, the
// retry controller, and the analysis worker.
type SessionStore interface {
	// CreateOrGetSession atomically finds the active session for key or
	// creates a new one. On the found path the webhook snapshot and
	// last_activity_at are refreshed; created reports which path was taken.
	CreateOrGetSession(ctx context.Context, key datatypes.SessionKey, seed SessionSeed) (sess datatypes.Session, created bool, err error)

	// GetSession returns the session or ErrSessionNotFound. Never returns a
	// partially populated record.
	GetSession(ctx context.Context, id string) (datatypes.Session, error)

	ListActiveSessions(ctx context.Context, filter ActiveFilter) ([]datatypes.Session, error)

	// AppendMessage appends to the transcript in arrival order.
	AppendMessage(ctx context.Context, id string, msg datatypes.Message) error

	GetMessages(ctx context.Context, id string) ([]datatypes.Message, error)

	// UpdateMetadata patches mutable session fields. Unknown fields are
	// ignored; last_activity_at is always refreshed.
	UpdateMetadata(ctx context.Context, id string, fields map[string]any) error

	// CreateFixAttempt assigns the next contiguous attempt number. Any prior
	// pending attempt is marked failed (a session never fans out concurrent
	// fixes) and current_fix_branch is updated.
	CreateFixAttempt(ctx context.Context, id, branch string, files []string) (attemptNumber int, err error)

	UpdateFixAttempt(ctx context.Context, id string, attemptNumber int, status datatypes.FixAttemptStatus, mergeRequest string) error

	// GetFixAttempts returns attempts ordered by attempt number.
	GetFixAttempts(ctx context.Context, id string) ([]datatypes.FixAttempt, error)

	// FindPendingAttemptByBranch locates the active session holding a
	// pending attempt on branch for the project, for resolution matching.
	FindPendingAttemptByBranch(ctx context.Context, projectID, branch string) (datatypes.Session, datatypes.FixAttempt, error)

	// MarkResolved transitions attempt -> success and session -> resolved.
	MarkResolved(ctx context.Context, id string, attemptNumber int) error

	// MarkExpired flips active sessions past their TTL to expired and
	// returns how many were flipped.
	MarkExpired(ctx context.Context) (int, error)

	StoreTrackedFile(ctx context.Context, id, path, content, status string) error
	GetTrackedFiles(ctx context.Context, id string) ([]datatypes.TrackedFile, error)

	// AppendAnalysisResult records one completed analysis delivery: the
	// transcript entries and the processed-delivery marker commit in a
	// single transaction, so redelivered queue messages never duplicate
	// transcript entries.
	AppendAnalysisResult(ctx context.Context, id, deliveryID string, msgs []datatypes.Message) error

	// IsEventProcessed reports whether a delivery ID was already consumed.
	IsEventProcessed(ctx context.Context, deliveryID string) (bool, error)

	CreateSubscription(ctx context.Context, sub datatypes.Subscription) (datatypes.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]datatypes.Subscription, error)
	DeleteSubscription(ctx context.Context, id string) error

	// LookupSecret returns the per-subscription webhook secret for a
	// (source, project) pair, or "" when none is registered.
	LookupSecret(ctx context.Context, source, projectID string) (string, error)

	Close() error
}
