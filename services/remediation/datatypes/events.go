// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"time"
)

// EventType identifies a queue message's payload kind.
type EventType string

const (
	// EventPipelineFailed is published when a new pipeline-failure session
	// is created.
	EventPipelineFailed EventType = "pipeline_failed"

	// EventQualityFailed is published when a new quality-gate session is
	// created.
	EventQualityFailed EventType = "quality_failed"

	// EventUserMessage is a conversation continuation posted by a user.
	EventUserMessage EventType = "user_message"
)

// QueueMessage is the envelope published to the queue backend. It is not
// persisted beyond the backend's own durability guarantee; delivery is
// at-least-once and consumers must be idempotent.
type QueueMessage struct {
	EventType EventType `json:"event_type"`
	SessionID string    `json:"session_id"`

	// DeliveryID is assigned once at publish time and survives redelivery.
	// Consumers use it to make reprocessing idempotent.
	DeliveryID string `json:"delivery_id"`

	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// PipelineEvent is the parsed form of a GitLab pipeline webhook.
type PipelineEvent struct {
	ObjectKind       string          `json:"object_kind"`
	ObjectAttributes PipelineAttrs   `json:"object_attributes"`
	Project          ProjectInfo     `json:"project"`
	Builds           []BuildInfo     `json:"builds,omitempty"`
	Raw              json.RawMessage `json:"-"`
}

// PipelineAttrs carries the pipeline-level fields we consume.
type PipelineAttrs struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	Ref    string `json:"ref"`
	SHA    string `json:"sha"`
	URL    string `json:"url"`
}

// ProjectInfo identifies the project that produced the event.
type ProjectInfo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// BuildInfo is one job within a pipeline webhook. FinishedAt is left as the
// wire string so sorting "most recently finished" does not depend on GitLab's
// timestamp format parsing.
type BuildInfo struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	FinishedAt string `json:"finished_at"`
}

// QualityGateEvent is the parsed form of a SonarQube quality-gate webhook.
type QualityGateEvent struct {
	Project     QualityProject  `json:"project"`
	QualityGate QualityGate     `json:"qualityGate"`
	Branch      QualityBranch   `json:"branch"`
	AnalysedAt  string          `json:"analysedAt"`
	Raw         json.RawMessage `json:"-"`
}

// QualityProject identifies the analyzed project.
type QualityProject struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

// QualityGate is the gate outcome with its failed conditions.
type QualityGate struct {
	Status     string             `json:"status"`
	Conditions []QualityCondition `json:"conditions"`
}

// QualityCondition is one gate condition result.
type QualityCondition struct {
	Metric string `json:"metric"`
	Status string `json:"status"`
	Value  string `json:"value,omitempty"`
}

// QualityBranch is the branch the analysis ran on.
type QualityBranch struct {
	Name string `json:"name"`
}
