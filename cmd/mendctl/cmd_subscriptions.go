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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMend/services/remediation/datatypes"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	subProject string // Project ID or key the secret applies to
	subSource  string // Webhook source: gitlab or sonarqube
	subSecret  string // Explicit secret; generated when empty
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

var subscriptionsCmd = &cobra.Command{
	Use:   "subscriptions",
	Short: "Manage per-project webhook secrets",
}

var addSubscriptionCmd = &cobra.Command{
	Use:   "add",
	Short: "Register (or rotate) a project's webhook secret",
	Run:   runAddSubscription,
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered webhook subscriptions",
	Run:   runListSubscriptions,
}

var removeSubscriptionCmd = &cobra.Command{
	Use:   "remove <subscription-id>",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	Run:   runRemoveSubscription,
}

func init() {
	addSubscriptionCmd.Flags().StringVar(&subProject, "project", "", "Project ID (GitLab) or key (SonarQube)")
	addSubscriptionCmd.Flags().StringVar(&subSource, "source", "gitlab", "Webhook source: gitlab or sonarqube")
	addSubscriptionCmd.Flags().StringVar(&subSecret, "secret", "", "Webhook secret (generated when omitted)")
	_ = addSubscriptionCmd.MarkFlagRequired("project")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runAddSubscription(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)

	body := map[string]string{
		"project_id": subProject,
		"source":     subSource,
	}
	if subSecret != "" {
		body["secret"] = subSecret
	}

	var resp struct {
		ID     string `json:"id"`
		Secret string `json:"secret"`
	}
	if err := client.doJSON("POST", "/v1/subscriptions", body, &resp); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}

	fmt.Printf("Subscription %s registered.\n", resp.ID)
	fmt.Printf("Secret (shown once, configure it on the webhook sender): %s\n", resp.Secret)
}

func runListSubscriptions(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)

	var resp struct {
		Subscriptions []datatypes.Subscription `json:"subscriptions"`
	}
	if err := client.doJSON("GET", "/v1/subscriptions", nil, &resp); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}

	if len(resp.Subscriptions) == 0 {
		fmt.Println("No subscriptions registered.")
		return
	}
	for _, s := range resp.Subscriptions {
		fmt.Printf("%s  %-10s  project=%s  created=%s\n",
			s.ID, s.Source, s.ProjectID, s.CreatedAt.Format("2006-01-02"))
	}
}

func runRemoveSubscription(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)
	if err := client.doJSON("DELETE", "/v1/subscriptions/"+args[0], nil, nil); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}
	fmt.Println("Subscription deleted.")
}
