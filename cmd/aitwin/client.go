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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
	routerdatatypes "github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// ErrChainBroken is returned when a received stream fails hash chain
// verification: an event was altered, dropped, or injected in transit.
var ErrChainBroken = errors.New("stream integrity chain broken")

// Client talks to the orchestrator's HTTP API.
//
// # Description
//
// Client wraps the chat streaming endpoint and the thread management
// endpoints. Streamed events are verified against the server's integrity
// chain as they arrive; a verification failure aborts the stream with
// ErrChainBroken.
//
// # Thread Safety
//
// Client is safe for concurrent use; each call owns its own request and
// response state.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the orchestrator at baseURL. The token
// may be empty for servers running with open auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Streaming responses stay open for the whole turn, so no
		// client-side timeout; cancellation comes from the context.
		http: &http.Client{},
	}
}

// EventHandler consumes one verified stream event. Returning an error
// aborts the stream.
type EventHandler func(ev datatypes.StreamEvent) error

// StreamChat starts a turn and invokes onEvent for every stream event
// until the server closes the stream or the context is cancelled.
func (c *Client) StreamChat(ctx context.Context, req datatypes.ChatRequest, onEvent EventHandler) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}

	return c.consumeStream(resp.Body, onEvent)
}

// consumeStream parses the SSE body line by line, verifying the hash
// chain across events. Comment lines (keep-alives) are skipped and do not
// participate in the chain.
func (c *Client) consumeStream(body io.Reader, onEvent EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prevHash := ""
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}

		if ev.PrevHash != prevHash {
			return fmt.Errorf("%w: event %s links to %q, expected %q", ErrChainBroken, ev.Id, ev.PrevHash, prevHash)
		}
		if ev.ComputeHash() != ev.Hash {
			return fmt.Errorf("%w: event %s content does not match its hash", ErrChainBroken, ev.Id)
		}
		prevHash = ev.Hash

		if err := onEvent(ev); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ListThreads fetches the thread listing, most recently active first.
func (c *Client) ListThreads(ctx context.Context, limit int) ([]routerdatatypes.ThreadInfo, error) {
	url := c.baseURL + "/v1/threads"
	if limit > 0 {
		url = fmt.Sprintf("%s?limit=%d", url, limit)
	}

	var resp datatypes.ThreadListResponse
	if err := c.getJSON(ctx, url, &resp); err != nil {
		return nil, err
	}
	return resp.Threads, nil
}

// GetThreadState fetches the full replayable state of one thread.
func (c *Client) GetThreadState(ctx context.Context, threadID string) (*datatypes.ThreadStateResponse, error) {
	var resp datatypes.ThreadStateResponse
	if err := c.getJSON(ctx, c.baseURL+"/v1/threads/"+threadID+"/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteThread removes a thread and its checkpoints.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/v1/threads/"+threadID, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.apiError(resp)
	}
	return nil
}

// CancelTurn requests cancellation of the thread's running turn.
func (c *Client) CancelTurn(ctx context.Context, threadID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/threads/"+threadID+"/cancel", nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return c.apiError(resp)
	}
	return nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// apiError turns a non-success response into an error, preferring the
// server's JSON error body over the bare status.
func (c *Client) apiError(resp *http.Response) error {
	var body datatypes.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server error: %s", resp.Status)
}
