// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
	"github.com/AleutianAI/AleutianMend/services/remediation/queue"
	"github.com/AleutianAI/AleutianMend/services/remediation/store"
)

// Resolver closes the loop when a pipeline succeeds on a fix branch.
type Resolver interface {
	HandlePipelineSuccess(ctx context.Context, projectID, branch string) error
}

// Router dedups incoming webhooks into sessions and enqueues analysis work.
//
// Exactly one queue message is published per session creation. Duplicate
// deliveries refresh the existing session and publish nothing. A failed
// publish is surfaced to the caller so the webhook sender retries; work is
// never silently dropped.
type Router struct {
	Store      store.SessionStore
	Queue      queue.Backend
	Resolver   Resolver
	SessionTTL time.Duration
}

// RouteOutcome reports what a webhook delivery did.
type RouteOutcome struct {
	Session   datatypes.Session
	Created   bool
	Published bool
}

// HandlePipelineEvent processes one GitLab pipeline webhook.
//
// Failed pipelines open (or join) a session; successful pipelines are checked
// against pending fix branches for resolution. All other statuses are ignored.
func (r *Router) HandlePipelineEvent(ctx context.Context, ev datatypes.PipelineEvent, raw []byte) (RouteOutcome, error) {
	switch ev.ObjectAttributes.Status {
	case "failed":
		return r.openPipelineSession(ctx, ev, raw)
	case "success":
		if r.Resolver != nil {
			projectID := strconv.FormatInt(ev.Project.ID, 10)
			if err := r.Resolver.HandlePipelineSuccess(ctx, projectID, ev.ObjectAttributes.Ref); err != nil {
				return RouteOutcome{}, err
			}
		}
		return RouteOutcome{}, nil
	default:
		return RouteOutcome{}, nil
	}
}

func (r *Router) openPipelineSession(ctx context.Context, ev datatypes.PipelineEvent, raw []byte) (RouteOutcome, error) {
	sessionType, culprit := Classify(ev)

	projectID := strconv.FormatInt(ev.Project.ID, 10)
	pipelineID := strconv.FormatInt(ev.ObjectAttributes.ID, 10)

	key := datatypes.SessionKey{ProjectID: projectID, PipelineID: pipelineID, Type: sessionType}
	if sessionType == datatypes.SessionTypeQuality {
		key = datatypes.SessionKey{ProjectID: projectID, Type: datatypes.SessionTypeQuality}
	}

	seed := store.SessionSeed{
		ProjectName: ev.Project.Name,
		Branch:      ev.ObjectAttributes.Ref,
		PipelineURL: ev.ObjectAttributes.URL,
		JobName:     culprit.Name,
		FailedStage: culprit.Stage,
		WebhookData: raw,
		ExpiresAt:   time.Now().Add(r.SessionTTL),
	}

	sess, created, err := r.Store.CreateOrGetSession(ctx, key, seed)
	if err != nil {
		return RouteOutcome{}, fmt.Errorf("failed to open session: %w", err)
	}
	if !created {
		slog.Debug("events: duplicate pipeline delivery joined session",
			"session_id", sess.ID, "project_id", projectID, "pipeline_id", pipelineID)
		return RouteOutcome{Session: sess, Created: false}, nil
	}

	eventType := datatypes.EventPipelineFailed
	if sessionType == datatypes.SessionTypeQuality {
		eventType = datatypes.EventQualityFailed
	}
	if err := r.publish(ctx, eventType, sess.ID, raw); err != nil {
		return RouteOutcome{Session: sess, Created: true}, err
	}
	slog.Info("events: pipeline failure session opened",
		"session_id", sess.ID, "session_type", sessionType,
		"project_id", projectID, "pipeline_id", pipelineID, "job", culprit.Name)
	return RouteOutcome{Session: sess, Created: true, Published: true}, nil
}

// HandleQualityEvent processes one SonarQube quality-gate webhook. Gates in
// OK status are ignored; anything else opens (or joins) the project's quality
// session.
func (r *Router) HandleQualityEvent(ctx context.Context, ev datatypes.QualityGateEvent, raw []byte) (RouteOutcome, error) {
	if strings.EqualFold(ev.QualityGate.Status, "OK") {
		return RouteOutcome{}, nil
	}

	key := datatypes.SessionKey{ProjectID: ev.Project.Key, Type: datatypes.SessionTypeQuality}
	seed := store.SessionSeed{
		ProjectName: ev.Project.Name,
		Branch:      ev.Branch.Name,
		WebhookData: raw,
		Quality:     summarizeGate(ev.QualityGate),
		ExpiresAt:   time.Now().Add(r.SessionTTL),
	}

	sess, created, err := r.Store.CreateOrGetSession(ctx, key, seed)
	if err != nil {
		return RouteOutcome{}, fmt.Errorf("failed to open session: %w", err)
	}
	if !created {
		slog.Debug("events: duplicate quality delivery joined session",
			"session_id", sess.ID, "project", ev.Project.Key)
		return RouteOutcome{Session: sess, Created: false}, nil
	}

	if err := r.publish(ctx, datatypes.EventQualityFailed, sess.ID, raw); err != nil {
		return RouteOutcome{Session: sess, Created: true}, err
	}
	slog.Info("events: quality gate session opened",
		"session_id", sess.ID, "project", ev.Project.Key, "gate_status", ev.QualityGate.Status)
	return RouteOutcome{Session: sess, Created: true, Published: true}, nil
}

// HandleUserMessage appends a user turn to an active session's transcript and
// enqueues a continuation for the analysis worker.
func (r *Router) HandleUserMessage(ctx context.Context, sessionID, content string) error {
	sess, err := r.Store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != datatypes.SessionStatusActive {
		return store.ErrSessionNotActive
	}

	msg := datatypes.Message{Role: datatypes.RoleUser, Content: content, Timestamp: time.Now()}
	if err := r.Store.AppendMessage(ctx, sessionID, msg); err != nil {
		return err
	}
	return r.publish(ctx, datatypes.EventUserMessage, sessionID, nil)
}

func (r *Router) publish(ctx context.Context, eventType datatypes.EventType, sessionID string, payload []byte) error {
	err := r.Queue.Publish(ctx, datatypes.QueueMessage{
		EventType: eventType,
		SessionID: sessionID,
		Payload:   payload,
	})
	if err != nil {
		slog.Error("events: publish failed, surfacing to sender",
			"session_id", sessionID, "event_type", eventType, "error", err)
		return err
	}
	return nil
}

// summarizeGate condenses failed gate conditions into session metrics.
// Severity is inferred from the metric name; anything unmatched still counts
// toward the total.
func summarizeGate(gate datatypes.QualityGate) *datatypes.QualityMetrics {
	m := &datatypes.QualityMetrics{GateStatus: gate.Status}
	for _, cond := range gate.Conditions {
		if strings.EqualFold(cond.Status, "OK") {
			continue
		}
		m.TotalIssues++
		metric := strings.ToLower(cond.Metric)
		switch {
		case strings.Contains(metric, "blocker") || strings.Contains(metric, "critical") ||
			strings.Contains(metric, "security") || strings.Contains(metric, "vulnerabilit"):
			m.CriticalIssues++
		case strings.Contains(metric, "major") || strings.Contains(metric, "bug") ||
			strings.Contains(metric, "reliability"):
			m.MajorIssues++
		}
	}
	return m
}
