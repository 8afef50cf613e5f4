// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry bounds automated fix attempts per session and closes the
// loop when a fix branch turns green.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

// ErrFixExhausted is returned when a session has used up its fix attempt
// budget. The session stays active for manual follow-up; only automated
// retries stop.
var ErrFixExhausted = errors.New("fix attempts exhausted")

// ConfirmedFixRecorder archives a fix that a green pipeline confirmed.
// Implementations must not fail the resolution path.
type ConfirmedFixRecorder interface {
	RecordConfirmedFix(ctx context.Context, sess datatypes.Session, att datatypes.FixAttempt)
}

// Controller enforces the attempt budget and handles resolution matching.
//
// Exhaustion is checked before any attempt is registered, so the budget can
// never be exceeded by one in-flight attempt. Exhaustion is a derived
// condition, not a session status.
type Controller struct {
	Store store.SessionStore

	// Cache archives confirmed fixes. Optional; nil disables archiving.
	Cache ConfirmedFixRecorder

	// MaxAttempts is the per-session fix attempt budget.
	MaxAttempts int
}

// BeginFixAttempt registers the next fix attempt for the session.
//
// When the budget is spent it appends an advisory summary of prior attempts
// to the transcript and returns ErrFixExhausted without registering anything.
func (c *Controller) BeginFixAttempt(ctx context.Context, sessionID, branch string, files []string) (int, error) {
	attempts, err := c.Store.GetFixAttempts(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(attempts) >= c.MaxAttempts {
		advisory := AdvisorySummary(attempts, c.MaxAttempts)
		if err := c.Store.AppendMessage(ctx, sessionID, datatypes.Message{
			Role:    datatypes.RoleSystem,
			Content: advisory,
		}); err != nil {
			slog.Warn("retry: failed to record exhaustion advisory",
				"session_id", sessionID, "error", err)
		}
		return 0, fmt.Errorf("%w: session %s used %d of %d attempts",
			ErrFixExhausted, sessionID, len(attempts), c.MaxAttempts)
	}
	return c.Store.CreateFixAttempt(ctx, sessionID, branch, files)
}

// CompleteFixAttempt records the outcome of an attempt, typically the merge
// request URL on success of MR creation or a failed status when the fix
// pipeline went red.
func (c *Controller) CompleteFixAttempt(ctx context.Context, sessionID string, attemptNumber int, status datatypes.FixAttemptStatus, mergeRequest string) error {
	return c.Store.UpdateFixAttempt(ctx, sessionID, attemptNumber, status, mergeRequest)
}

// Exhausted reports whether the session's budget is spent and how many
// attempts were used.
func (c *Controller) Exhausted(ctx context.Context, sessionID string) (bool, int, error) {
	attempts, err := c.Store.GetFixAttempts(ctx, sessionID)
	if err != nil {
		return false, 0, err
	}
	return len(attempts) >= c.MaxAttempts, len(attempts), nil
}

// HandlePipelineSuccess matches a green pipeline on branch against pending
// fix attempts. A match resolves the session and archives the confirmed fix;
// green pipelines on ordinary branches are not an error.
func (c *Controller) HandlePipelineSuccess(ctx context.Context, projectID, branch string) error {
	sess, att, err := c.Store.FindPendingAttemptByBranch(ctx, projectID, branch)
	if errors.Is(err, store.ErrAttemptNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := c.Store.MarkResolved(ctx, sess.ID, att.AttemptNumber); err != nil {
		return fmt.Errorf("failed to resolve session %s: %w", sess.ID, err)
	}
	slog.Info("retry: fix confirmed, session resolved",
		"session_id", sess.ID, "attempt", att.AttemptNumber, "branch", branch)

	if c.Cache != nil {
		// Archiving is best-effort and must not delay or fail resolution.
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		go func() {
			defer cancel()
			c.Cache.RecordConfirmedFix(archiveCtx, sess, att)
		}()
	}
	return nil
}

// AdvisorySummary renders the exhaustion notice appended to a session's
// transcript, listing each attempt so a human can pick up the trail.
func AdvisorySummary(attempts []datatypes.FixAttempt, max int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated fixes stopped: %d of %d fix attempts used. Manual intervention required.", len(attempts), max)
	for _, att := range attempts {
		fmt.Fprintf(&b, "\n  attempt %d: branch %s (%s)", att.AttemptNumber, att.BranchName, att.Status)
		if att.MergeRequest != "" {
			fmt.Fprintf(&b, " %s", att.MergeRequest)
		}
	}
	return b.String()
}
