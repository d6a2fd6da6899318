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
	"context"
	"errors"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// runChatCommand runs a single turn when a question is given, otherwise
// an interactive session.
func runChatCommand(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := newAPIClient()
	renderer := NewRenderer()

	if threadID != "" {
		if err := replayThread(ctx, client, renderer, threadID); err != nil {
			return err
		}
	}

	runner := NewChatRunner(client, NewInteractiveInputReader(50), renderer, threadID)

	if len(args) > 0 {
		err := runner.RunTurn(ctx, strings.Join(args, " "))
		if errors.Is(err, context.Canceled) {
			return cancelRemoteTurn(client, runner.ThreadID())
		}
		return err
	}

	renderer.Info("Connected to " + serverURL + ". Type a question, or \"exit\" to leave.")
	err := runner.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return cancelRemoteTurn(client, runner.ThreadID())
	}
	return err
}

// replayThread prints the existing conversation before resuming it.
func replayThread(ctx context.Context, client *Client, renderer *Renderer, id string) error {
	state, err := client.GetThreadState(ctx, id)
	if err != nil {
		return err
	}
	renderer.Blocks(reconstructState(state))
	return nil
}

// cancelRemoteTurn tells the server to stop a turn the local user
// abandoned. Runs on a fresh context because the session's is done.
func cancelRemoteTurn(client *Client, id string) error {
	if id == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientCancelTimeout)
	defer cancel()

	// A 404 here just means the turn already finished.
	_ = client.CancelTurn(ctx, id)
	return nil
}
