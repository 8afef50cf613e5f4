// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events turns webhook payloads into sessions and queue work.
package events

import (
	"strings"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// qualityJobKeywords mark a CI job as a code-quality scan rather than a
// build/test failure. Matching is case-insensitive on job name and stage.
var qualityJobKeywords = []string{"sonar", "quality", "scan"}

// Classify inspects a failed pipeline's jobs and decides whether this is an
// ordinary pipeline failure or a quality-scan failure.
//
// The culprit is the failed job that finished most recently; earlier failures
// are usually cascades of the same root cause. Returns the culprit job so the
// session can record its name and stage. When the payload carries no failed
// builds the whole pipeline is treated as the failure.
func Classify(ev datatypes.PipelineEvent) (datatypes.SessionType, datatypes.BuildInfo) {
	var culprit datatypes.BuildInfo
	for _, b := range ev.Builds {
		if b.Status != "failed" {
			continue
		}
		// GitLab timestamps share a fixed format, so the lexicographic max is
		// the most recent. Jobs without finished_at lose ties.
		if culprit.ID == 0 || b.FinishedAt > culprit.FinishedAt {
			culprit = b
		}
	}

	if isQualityJob(culprit.Name) || isQualityJob(culprit.Stage) {
		return datatypes.SessionTypeQuality, culprit
	}
	return datatypes.SessionTypePipeline, culprit
}

func isQualityJob(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range qualityJobKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
