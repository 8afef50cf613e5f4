// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab defines the contracts between the remediation service and
// its collaborators: the analysis agent that reasons about failures and the
// repository host that carries branches and merge requests.
package collab

import (
	"context"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// SessionContext is everything the analyzer sees for one unit of work.
type SessionContext struct {
	Session datatypes.Session `json:"session"`

	// Transcript is the conversation so far, oldest first.
	Transcript []datatypes.Message `json:"transcript,omitempty"`

	// TrackedFiles are repository files touched in earlier turns.
	TrackedFiles []datatypes.TrackedFile `json:"tracked_files,omitempty"`

	// SimilarFixes are ranked suggestions from the fix cache, best first.
	SimilarFixes []datatypes.SimilarFix `json:"similar_fixes,omitempty"`

	// ExploratoryFixes are attempted-but-unverified fixes, offered only
	// when no confirmed suggestion exists. The analyzer must treat them
	// as hypotheses, not proven remedies.
	ExploratoryFixes []datatypes.SimilarFix `json:"exploratory_fixes,omitempty"`

	// UserMessage is set when this turn was triggered by a user reply
	// rather than a webhook.
	UserMessage string `json:"user_message,omitempty"`
}

// AnalysisResult is the analyzer's output for one turn.
type AnalysisResult struct {
	// Summary is the human-readable analysis appended to the transcript.
	Summary string `json:"summary"`

	// Messages are additional transcript entries beyond the summary.
	Messages []datatypes.Message `json:"messages,omitempty"`

	// ProposeFix is set when the analyzer wants a fix attempt registered.
	ProposeFix bool `json:"propose_fix"`

	// BranchName is the fix branch to create when ProposeFix is set.
	BranchName string `json:"branch_name,omitempty"`

	// FilesTouched lists the files the proposed fix modifies.
	FilesTouched []string `json:"files_touched,omitempty"`

	// MergeRequestTitle/Description describe the MR opened for the fix.
	MergeRequestTitle       string `json:"merge_request_title,omitempty"`
	MergeRequestDescription string `json:"merge_request_description,omitempty"`
}

// Analyzer reasons about one session turn. Implementations must respect ctx
// cancellation; the worker enforces a per-analysis timeout.
type Analyzer interface {
	Analyze(ctx context.Context, sc SessionContext) (AnalysisResult, error)
}

// RepoClient is the repository host surface the service needs: branches to
// carry fixes, merge requests to deliver them, and file reads for context.
type RepoClient interface {
	CreateBranch(ctx context.Context, projectID, branch, ref string) error
	CreateMergeRequest(ctx context.Context, projectID, sourceBranch, targetBranch, title, description string) (url string, err error)
	GetRawFile(ctx context.Context, projectID, path, ref string) (string, error)
}

// Capability describes one thing this deployment can do, surfaced on the
// health endpoint so operators can see which collaborators are wired.
type Capability struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Capabilities reports the collaborator surface. Analyzer and repo client
// may each be absent in minimal deployments.
func Capabilities(hasAnalyzer, hasRepo, hasFixCache bool) []Capability {
	return []Capability{
		{Name: "analyze_failures", Description: "automated root-cause analysis of failed pipelines and quality gates", Enabled: hasAnalyzer},
		{Name: "propose_fixes", Description: "fix branches and merge requests on the repository host", Enabled: hasAnalyzer && hasRepo},
		{Name: "suggest_historical_fixes", Description: "similarity search over previously confirmed fixes", Enabled: hasFixCache},
		{Name: "conversation", Description: "user follow-up messages on active sessions", Enabled: true},
	}
}
