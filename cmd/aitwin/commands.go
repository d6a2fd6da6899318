// Copyright (C) 2025 Aitwin Labs (eng@aitwinlabs.io)
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
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	apiToken  string
	threadID  string
	limitFlag int

	rootCmd = &cobra.Command{
		Use:   "aitwin",
		Short: "Chat with an AI twin portfolio server from the terminal",
		Long: `aitwin is the terminal client for an Aitwin portfolio server.
It streams answers live, shows tool activity, and manages chat threads.`,
	}

	chatCmd = &cobra.Command{
		Use:   "chat [question]",
		Short: "Start an interactive chat, or ask a single question",
		Long: `With no arguments, chat opens an interactive session: type questions,
get streamed answers, exit with "exit", "quit", or Ctrl+D. With a
question argument it runs a single turn and exits.`,
		RunE: runChatCommand,
	}

	threadsCmd = &cobra.Command{
		Use:   "threads",
		Short: "Manage chat threads on the server",
	}

	threadsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List threads, most recently active first",
		RunE:  runThreadsList,
	}

	threadsShowCmd = &cobra.Command{
		Use:   "show [thread-id]",
		Short: "Replay a thread's conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runThreadsShow,
	}

	threadsDeleteCmd = &cobra.Command{
		Use:   "delete [thread-id]",
		Short: "Delete a thread and its history",
		Args:  cobra.ExactArgs(1),
		RunE:  runThreadsDelete,
	}

	threadsCancelCmd = &cobra.Command{
		Use:   "cancel [thread-id]",
		Short: "Cancel a thread's running turn",
		Args:  cobra.ExactArgs(1),
		RunE:  runThreadsCancel,
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check that the server is reachable and healthy",
		RunE:  runHealth,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:12310",
		"Base URL of the Aitwin server")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "",
		"API token (defaults to AITWIN_API_TOKEN)")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&threadID, "thread", "t", "",
		"Thread id to continue; omit to start a new thread")

	rootCmd.AddCommand(threadsCmd)
	threadsCmd.AddCommand(threadsListCmd)
	threadsListCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum number of threads to list")
	threadsCmd.AddCommand(threadsShowCmd)
	threadsCmd.AddCommand(threadsDeleteCmd)
	threadsCmd.AddCommand(threadsCancelCmd)

	rootCmd.AddCommand(healthCmd)
}

// newAPIClient builds the client from flags and environment.
func newAPIClient() *Client {
	token := apiToken
	if token == "" {
		token = os.Getenv("AITWIN_API_TOKEN")
	}
	return NewClient(serverURL, token)
}
