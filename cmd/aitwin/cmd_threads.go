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
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/aitwin-labs/aitwin/pkg/chatview"
	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
)

// clientCancelTimeout bounds best-effort server calls made after the
// session context is gone.
const clientCancelTimeout = 3 * time.Second

func runThreadsList(cmd *cobra.Command, _ []string) error {
	client := newAPIClient()

	threads, err := client.ListThreads(cmd.Context(), limitFlag)
	if err != nil {
		return err
	}
	if len(threads) == 0 {
		fmt.Println("no threads")
		return nil
	}

	for _, info := range threads {
		updated := time.UnixMilli(info.UpdatedAt).Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(info.LastAnswer, "\n", " ")
		if len(preview) > 60 {
			preview = preview[:60] + "…"
		}
		fmt.Printf("%s  %s  %3d msgs  %s\n", info.ThreadID, updated, info.MessageCount, preview)
	}
	return nil
}

func runThreadsShow(cmd *cobra.Command, args []string) error {
	client := newAPIClient()
	renderer := NewRenderer()

	state, err := client.GetThreadState(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	renderer.Blocks(reconstructState(state))
	return nil
}

func runThreadsDelete(cmd *cobra.Command, args []string) error {
	client := newAPIClient()

	if err := client.DeleteThread(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("deleted", args[0])
	return nil
}

func runThreadsCancel(cmd *cobra.Command, args []string) error {
	client := newAPIClient()

	if err := client.CancelTurn(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Println("cancel requested for", args[0])
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	client := newAPIClient()

	if err := client.Health(cmd.Context()); err != nil {
		return err
	}
	fmt.Println("ok:", serverURL)
	return nil
}

// reconstructState folds a fetched thread state into display blocks.
func reconstructState(state *datatypes.ThreadStateResponse) ([]chatview.DisplayBlock, []chatview.Anomaly) {
	return chatview.Reconstruct(state.Messages)
}
