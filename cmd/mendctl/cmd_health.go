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
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show service health and enabled capabilities",
	Run:   runHealth,
}

func runHealth(cmd *cobra.Command, args []string) {
	client := newAPIClient(serverURL)

	var resp struct {
		Status       string `json:"status"`
		Service      string `json:"service"`
		Capabilities []struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"capabilities"`
	}
	if err := client.doJSON("GET", "/health", nil, &resp); err != nil {
		cmd.PrintErrf("Error: %v\n", err)
		return
	}

	fmt.Printf("%s: %s\n", resp.Service, resp.Status)
	for _, c := range resp.Capabilities {
		state := "disabled"
		if c.Enabled {
			state = "enabled"
		}
		fmt.Printf("  %-26s %s\n", c.Name, state)
	}
}
