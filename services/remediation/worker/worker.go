// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker consumes queued analysis work and drives the fix loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMend/services/remediation/collab"
	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/fixcache"
	"github.com/AleutianAI/AleutianMend/services/remediation/observability"
	"github.com/AleutianAI/AleutianMend/services/remediation/queue"
	"github.com/AleutianAI/AleutianMend/services/remediation/retry"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

// FileSink receives repository files the analyzer touched, for fast reads on
// later turns.
type FileSink interface {
	Put(sessionID string, file datatypes.TrackedFile) error
}

// Pool runs N consumers over the queue and serializes work per session.
//
// Consumption is idempotent: a message whose delivery ID was already
// committed is acknowledged without reprocessing, so at-least-once delivery
// never duplicates transcript entries or fix attempts.
type Pool struct {
	Queue queue.Backend
	Store store.SessionStore
	Retry *retry.Controller

	// Analyzer may be nil; sessions are then recorded for manual follow-up.
	Analyzer collab.Analyzer

	// Repo may be nil; fix proposals are then recorded without branches or
	// merge requests.
	Repo collab.RepoClient

	// Cache may be nil; analysis then runs without historical suggestions.
	Cache fixcache.Cache

	// Files may be nil.
	Files FileSink

	Metrics *observability.Metrics

	// Count is the number of concurrent consumers.
	Count int

	// AnalysisTimeout bounds one analyzer call.
	AnalysisTimeout time.Duration

	locks *keyedMutex
}

// Run blocks until ctx is done, consuming with Count workers.
func (p *Pool) Run(ctx context.Context) error {
	if p.Count <= 0 {
		p.Count = 1
	}
	if p.AnalysisTimeout <= 0 {
		p.AnalysisTimeout = 5 * time.Minute
	}
	p.locks = newKeyedMutex()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.Count; i++ {
		g.Go(func() error {
			return p.Queue.Consume(ctx, p.handle)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handle processes one delivery. A nil return acknowledges the message; an
// error leaves it for redelivery.
func (p *Pool) handle(ctx context.Context, msg datatypes.QueueMessage) error {
	p.Metrics.WorkerStarted()
	defer p.Metrics.WorkerDone()
	start := time.Now()

	// Turns within one session run in order even with many workers.
	p.locks.Lock(msg.SessionID)
	defer p.locks.Unlock(msg.SessionID)

	processed, err := p.Store.IsEventProcessed(ctx, msg.DeliveryID)
	if err != nil {
		return err
	}
	if processed {
		p.Metrics.RecordQueue(string(msg.EventType), "skipped")
		slog.Debug("worker: skipping already processed delivery",
			"delivery_id", msg.DeliveryID, "session_id", msg.SessionID)
		return nil
	}

	sess, err := p.Store.GetSession(ctx, msg.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		slog.Warn("worker: dropping message for unknown session",
			"session_id", msg.SessionID, "delivery_id", msg.DeliveryID)
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != datatypes.SessionStatusActive {
		slog.Debug("worker: session no longer active, dropping message",
			"session_id", sess.ID, "status", sess.Status)
		return nil
	}

	p.Metrics.RecordQueue(string(msg.EventType), "consumed")

	msgs, err := p.analyze(ctx, sess, msg)
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		p.Metrics.RecordAnalysis(string(msg.EventType), status, time.Since(start).Seconds())
		p.recordAnalysisFailure(ctx, sess.ID, msg.DeliveryID, err)
		return err
	}

	if err := p.Store.AppendAnalysisResult(ctx, sess.ID, msg.DeliveryID, msgs); err != nil {
		return err
	}
	p.Metrics.RecordAnalysis(string(msg.EventType), "success", time.Since(start).Seconds())
	return nil
}

// recordAnalysisFailure notes a failed or timed-out analysis in the
// transcript so the session shows why no answer arrived. The note commits
// under a derived delivery marker: redeliveries of the same message retry
// the analysis but never duplicate the note. The session stays active.
func (p *Pool) recordAnalysisFailure(ctx context.Context, sessionID, deliveryID string, cause error) {
	note := []datatypes.Message{{
		Role:    datatypes.RoleSystem,
		Content: fmt.Sprintf("Analysis failed: %v", cause),
	}}
	if err := p.Store.AppendAnalysisResult(ctx, sessionID, deliveryID+"/analysis-failed", note); err != nil {
		slog.Warn("worker: failed to record analysis failure",
			"session_id", sessionID, "delivery_id", deliveryID, "error", err)
	}
}

// analyze runs one analyzer turn and the fix proposal it may carry, returning
// the transcript entries to commit with the delivery marker.
func (p *Pool) analyze(ctx context.Context, sess datatypes.Session, msg datatypes.QueueMessage) ([]datatypes.Message, error) {
	if p.Analyzer == nil {
		return []datatypes.Message{{
			Role:    datatypes.RoleSystem,
			Content: "No analysis agent is configured. Session recorded for manual follow-up.",
		}}, nil
	}

	sc, err := p.buildContext(ctx, sess, msg)
	if err != nil {
		return nil, err
	}

	analysisCtx, cancel := context.WithTimeout(ctx, p.AnalysisTimeout)
	defer cancel()

	result, err := p.Analyzer.Analyze(analysisCtx, sc)
	if err != nil {
		if analysisCtx.Err() != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("analysis timed out after %s: %w", p.AnalysisTimeout, context.DeadlineExceeded)
		}
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	msgs := make([]datatypes.Message, 0, len(result.Messages)+2)
	if result.Summary != "" {
		msgs = append(msgs, datatypes.Message{Role: datatypes.RoleAssistant, Content: result.Summary})
	}
	msgs = append(msgs, result.Messages...)

	for _, path := range result.FilesTouched {
		if err := p.Store.StoreTrackedFile(ctx, sess.ID, path, "", "modified"); err != nil {
			slog.Warn("worker: failed to track file", "session_id", sess.ID, "path", path, "error", err)
		}
		if p.Files != nil {
			if err := p.Files.Put(sess.ID, datatypes.TrackedFile{
				SessionID: sess.ID, Path: path, Status: "modified", UpdatedAt: time.Now(),
			}); err != nil {
				slog.Debug("worker: file cache put failed", "path", path, "error", err)
			}
		}
	}

	if result.ProposeFix {
		if note := p.proposeFix(ctx, sess, result); note != "" {
			msgs = append(msgs, datatypes.Message{Role: datatypes.RoleSystem, Content: note})
		}
	}
	return msgs, nil
}

func (p *Pool) buildContext(ctx context.Context, sess datatypes.Session, msg datatypes.QueueMessage) (collab.SessionContext, error) {
	transcript, err := p.Store.GetMessages(ctx, sess.ID)
	if err != nil {
		return collab.SessionContext{}, err
	}
	tracked, err := p.Store.GetTrackedFiles(ctx, sess.ID)
	if err != nil {
		return collab.SessionContext{}, err
	}

	sc := collab.SessionContext{
		Session:      sess,
		Transcript:   transcript,
		TrackedFiles: tracked,
	}

	if msg.EventType == datatypes.EventUserMessage {
		for i := len(transcript) - 1; i >= 0; i-- {
			if transcript[i].Role == datatypes.RoleUser {
				sc.UserMessage = transcript[i].Content
				break
			}
		}
	}

	if p.Cache != nil {
		signature := fixcache.BuildSignature(sess)
		similar := p.Cache.FindSimilar(ctx, signature, sess.ProjectID, 5)
		p.Metrics.RecordFixCacheLookup(len(similar) > 0)
		sc.SimilarFixes = similar
		if len(similar) == 0 {
			// No confirmed fix to reuse; offer attempted-but-unverified
			// ones as clearly separated exploratory context.
			sc.ExploratoryFixes = p.Cache.FindExploratory(ctx, signature, sess.ProjectID, 3)
		}
	}
	return sc, nil
}

// proposeFix registers the attempt (budget checked first, fail closed) and
// carries it to the repository host. The returned note, if any, is appended
// to the transcript.
func (p *Pool) proposeFix(ctx context.Context, sess datatypes.Session, result collab.AnalysisResult) string {
	if result.BranchName == "" {
		slog.Warn("worker: fix proposed without a branch name", "session_id", sess.ID)
		return ""
	}

	attemptNumber, err := p.Retry.BeginFixAttempt(ctx, sess.ID, result.BranchName, result.FilesTouched)
	if errors.Is(err, retry.ErrFixExhausted) {
		p.Metrics.RecordFixAttempt("exhausted")
		slog.Info("worker: fix budget exhausted, no further automated attempts",
			"session_id", sess.ID)
		return ""
	}
	if err != nil {
		slog.Error("worker: failed to register fix attempt", "session_id", sess.ID, "error", err)
		return ""
	}
	p.Metrics.RecordFixAttempt("registered")

	if p.Repo == nil {
		return fmt.Sprintf("Fix attempt %d recorded on branch %s (no repository client configured).",
			attemptNumber, result.BranchName)
	}

	ref := sess.Branch
	if ref == "" {
		ref = "main"
	}
	if err := p.Repo.CreateBranch(ctx, sess.ProjectID, result.BranchName, ref); err != nil {
		p.failAttempt(ctx, sess.ID, attemptNumber, "branch creation", err)
		return fmt.Sprintf("Fix attempt %d failed: could not create branch %s.", attemptNumber, result.BranchName)
	}

	title := result.MergeRequestTitle
	if title == "" {
		title = fmt.Sprintf("Fix attempt %d for %s", attemptNumber, sess.ProjectName)
	}
	mrURL, err := p.Repo.CreateMergeRequest(ctx, sess.ProjectID, result.BranchName, ref, title, result.MergeRequestDescription)
	if err != nil {
		p.failAttempt(ctx, sess.ID, attemptNumber, "merge request creation", err)
		return fmt.Sprintf("Fix attempt %d failed: could not open a merge request from %s.", attemptNumber, result.BranchName)
	}

	if err := p.Retry.CompleteFixAttempt(ctx, sess.ID, attemptNumber, datatypes.FixAttemptPending, mrURL); err != nil {
		slog.Warn("worker: failed to record merge request url",
			"session_id", sess.ID, "attempt", attemptNumber, "error", err)
	}
	p.archiveAttempt(ctx, sess, result)
	return fmt.Sprintf("Fix attempt %d opened: %s", attemptNumber, mrURL)
}

// archiveAttempt stores the opened fix as an unconfirmed cache entry. It is
// confirmed by a later green pipeline; until then it only informs the
// signature's success rate and exploratory lookups.
func (p *Pool) archiveAttempt(ctx context.Context, sess datatypes.Session, result collab.AnalysisResult) {
	if p.Cache == nil {
		return
	}
	description := result.Summary
	if description == "" {
		description = fmt.Sprintf("fix attempted on branch %s", result.BranchName)
	}
	err := p.Cache.StoreFix(ctx, datatypes.HistoricalFix{
		Signature:    fixcache.BuildSignature(sess),
		Description:  description,
		FilesChanged: result.FilesTouched,
		ProjectID:    sess.ProjectID,
		Confirmed:    false,
	})
	if err != nil {
		slog.Debug("worker: failed to archive attempted fix",
			"session_id", sess.ID, "error", err)
	}
}

// failAttempt closes a registered attempt whose delivery to the repo host
// failed. The budget stays spent; retrying the side effects blindly would
// burn attempts without new analysis.
func (p *Pool) failAttempt(ctx context.Context, sessionID string, attemptNumber int, stage string, cause error) {
	slog.Error("worker: fix attempt failed", "session_id", sessionID,
		"attempt", attemptNumber, "stage", stage, "error", cause)
	if err := p.Retry.CompleteFixAttempt(ctx, sessionID, attemptNumber, datatypes.FixAttemptFailed, ""); err != nil {
		slog.Warn("worker: failed to mark attempt failed",
			"session_id", sessionID, "attempt", attemptNumber, "error", err)
	}
}
