// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// mendctl is the operator CLI for the remediation service. It talks to the
// service's HTTP API; it never touches the database directly.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

// serverURL is the base URL of the remediation service, shared by all
// subcommands.
var serverURL string

var rootCmd = &cobra.Command{
	Use:   "mendctl",
	Short: "Operator CLI for the Aleutian remediation service",
	Long: `mendctl inspects and drives failure remediation sessions.

Examples:
  mendctl sessions list                      # Active sessions
  mendctl sessions show <session-id>         # One session with its transcript
  mendctl sessions message <session-id> ...  # Reply to an active session
  mendctl subscriptions add --project 42 --source gitlab`,
}

func init() {
	defaultURL := os.Getenv("MEND_SERVER_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:12310"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL,
		"Base URL of the remediation service")

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(showSessionCmd)
	sessionsCmd.AddCommand(messageSessionCmd)
	sessionsCmd.AddCommand(fixSessionCmd)

	rootCmd.AddCommand(subscriptionsCmd)
	subscriptionsCmd.AddCommand(addSubscriptionCmd)
	subscriptionsCmd.AddCommand(listSubscriptionsCmd)
	subscriptionsCmd.AddCommand(removeSubscriptionCmd)

	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
