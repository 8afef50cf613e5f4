// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	sessionsProject string // Filter by project ID
	sessionsType    string // Filter by session type (pipeline, quality)

	fixBranch string // Branch carrying the manual fix
	fixTitle  string // Merge request title
	fixFiles  []string
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and drive remediation sessions",
}

var listSessionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List active remediation sessions",
	Run:   runListSessions,
}

var showSessionCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session with its transcript and fix attempts",
	Args:  cobra.ExactArgs(1),
	Run:   runShowSession,
}

var messageSessionCmd = &cobra.Command{
	Use:   "message <session-id> <text>...",
	Short: "Send a follow-up message to an active session",
	Args:  cobra.MinimumNArgs(2),
	Run:   runMessageSession,
}

var fixSessionCmd = &cobra.Command{
	Use:   "fix <session-id>",
	Short: "Open a merge request for a session explicitly",
	Long: `Drives the fix-creation path outside the automated analysis loop.
The attempt counts against the session's fix budget; exhausted sessions
answer with the advisory summary instead.`,
	Args: cobra.ExactArgs(1),
	Run:  runFixSession,
}

func init() {
	listSessionsCmd.Flags().StringVar(&sessionsProject, "project", "", "Filter by project ID")
	listSessionsCmd.Flags().StringVar(&sessionsType, "type", "", "Filter by session type (pipeline, quality)")

	fixSessionCmd.Flags().StringVar(&fixBranch, "branch", "", "Branch carrying the fix")
	fixSessionCmd.Flags().StringVar(&fixTitle, "title", "", "Merge request title")
	fixSessionCmd.Flags().StringSliceVar(&fixFiles, "files", nil, "Files the fix touches")
	_ = fixSessionCmd.MarkFlagRequired("branch")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runListSessions(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)

	query := url.Values{}
	if sessionsProject != "" {
		query.Set("project_id", sessionsProject)
	}
	if sessionsType != "" {
		query.Set("session_type", sessionsType)
	}
	path := "/v1/sessions"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp struct {
		Sessions []datatypes.Session `json:"sessions"`
		Count    int                 `json:"count"`
	}
	if err := client.doJSON("GET", path, nil, &resp); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}

	if resp.Count == 0 {
		fmt.Println("No active sessions.")
		return
	}
	for _, s := range resp.Sessions {
		fmt.Printf("%s  %-8s  %-8s  project=%s  branch=%s  last_activity=%s\n",
			s.ID, s.Type, s.Status, s.ProjectID, s.Branch,
			s.LastActivityAt.Format("2006-01-02 15:04:05"))
	}
}

func runShowSession(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)
	id := args[0]

	var sess datatypes.Session
	if err := client.doJSON("GET", "/v1/sessions/"+id, nil, &sess); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}
	printJSON(sess)

	var transcript struct {
		Messages []datatypes.Message `json:"messages"`
	}
	if err := client.doJSON("GET", "/v1/sessions/"+id+"/messages", nil, &transcript); err == nil {
		fmt.Println("\nTranscript:")
		for _, m := range transcript.Messages {
			fmt.Printf("  [%s] %s: %s\n", m.Timestamp.Format("15:04:05"), m.Role, m.Content)
		}
	}

	var attempts struct {
		Attempts []datatypes.FixAttempt `json:"attempts"`
	}
	if err := client.doJSON("GET", "/v1/sessions/"+id+"/attempts", nil, &attempts); err == nil && len(attempts.Attempts) > 0 {
		fmt.Println("\nFix attempts:")
		for _, a := range attempts.Attempts {
			fmt.Printf("  #%d  %-8s  branch=%s  mr=%s\n",
				a.AttemptNumber, a.Status, a.BranchName, a.MergeRequest)
		}
	}
}

func runFixSession(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)
	id := args[0]

	body := map[string]any{"branch": fixBranch}
	if fixTitle != "" {
		body["title"] = fixTitle
	}
	if len(fixFiles) > 0 {
		body["files"] = fixFiles
	}

	var resp struct {
		AttemptNumber int    `json:"attempt_number"`
		MergeRequest  string `json:"merge_request"`
	}
	if err := client.doJSON("POST", "/v1/sessions/"+id+"/merge-request", body, &resp); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}
	fmt.Printf("Fix attempt %d opened: %s\n", resp.AttemptNumber, resp.MergeRequest)
}

func runMessageSession(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)
	id := args[0]
	content := strings.Join(args[1:], " ")

	body := map[string]string{"content": content}
	if err := client.doJSON("POST", "/v1/sessions/"+id+"/messages", body, nil); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}
	fmt.Println("Message queued.")
}
