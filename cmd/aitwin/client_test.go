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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
)

// chainEvents stamps ids, timestamps, and a valid hash chain onto the
// given events, mirroring what the server's stream writer does.
func chainEvents(evs []datatypes.StreamEvent) []datatypes.StreamEvent {
	prev := ""
	for i := range evs {
		evs[i].Id = fmt.Sprintf("ev-%d", i)
		evs[i].CreatedAt = int64(1000 + i)
		evs[i].PrevHash = prev
		evs[i].Hash = evs[i].ComputeHash()
		prev = evs[i].Hash
	}
	return evs
}

// serveSSE returns a handler that writes the events as an SSE response.
func serveSSE(t *testing.T, evs []datatypes.StreamEvent) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range evs {
			data, err := json.Marshal(ev)
			if err != nil {
				t.Errorf("marshal event: %v", err)
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		}
	}
}

func sampleTurn() []datatypes.StreamEvent {
	return chainEvents([]datatypes.StreamEvent{
		{Type: "status", ThreadId: "t1", Seq: 1, Stage: "RESPONDER"},
		{Type: "messageDelta", ThreadId: "t1", Seq: 2, MessageId: "m1", Content: "Hello"},
		{Type: "done", ThreadId: "t1", Seq: 3, FinalAnswer: "Hello"},
	})
}

func TestStreamChat_DeliversVerifiedEvents(t *testing.T) {
	server := httptest.NewServer(serveSSE(t, sampleTurn()))
	defer server.Close()

	client := NewClient(server.URL, "")
	var got []datatypes.StreamEvent
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(ev datatypes.StreamEvent) error {
			got = append(got, ev)
			return nil
		})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[1].Content != "Hello" {
		t.Errorf("delta content = %q", got[1].Content)
	}
	if got[2].Type != "done" {
		t.Errorf("last event type = %q", got[2].Type)
	}
}

func TestStreamChat_DetectsTamperedContent(t *testing.T) {
	evs := sampleTurn()
	evs[1].Content = "Goodbye" // altered after hashing

	server := httptest.NewServer(serveSSE(t, evs))
	defer server.Close()

	client := NewClient(server.URL, "")
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error { return nil })
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

func TestStreamChat_DetectsTamperedFinalAnswer(t *testing.T) {
	evs := sampleTurn()
	evs[2].FinalAnswer = "Goodbye" // altered after hashing

	server := httptest.NewServer(serveSSE(t, evs))
	defer server.Close()

	client := NewClient(server.URL, "")
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error { return nil })
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

func TestStreamChat_DetectsDroppedEvent(t *testing.T) {
	evs := sampleTurn()
	evs = append(evs[:1], evs[2:]...) // drop the middle event

	server := httptest.NewServer(serveSSE(t, evs))
	defer server.Close()

	client := NewClient(server.URL, "")
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error { return nil })
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("err = %v, want ErrChainBroken", err)
	}
}

func TestStreamChat_SkipsKeepAlives(t *testing.T) {
	evs := sampleTurn()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i, ev := range evs {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			if i == 0 {
				fmt.Fprint(w, ": ping\n\n")
			}
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	count := 0
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error {
			count++
			return nil
		})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if count != 3 {
		t.Errorf("got %d events, want 3", count)
	}
}

func TestStreamChat_SendsBearerToken(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		serveSSE(t, sampleTurn())(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret")
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error { return nil })
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer secret")
	}
}

func TestStreamChat_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": "unauthorized"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	err := client.StreamChat(t.Context(), datatypes.ChatRequest{ThreadId: "t1", Query: "hi"},
		func(datatypes.StreamEvent) error { return nil })
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if want := "unauthorized"; !strings.Contains(err.Error(), want) {
		t.Errorf("err = %v, want mention of %q", err, want)
	}
}

func TestListThreads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("limit") != "5" {
			t.Errorf("limit = %q, want 5", r.URL.Query().Get("limit"))
		}
		fmt.Fprint(w, `{"threads": [{"threadId": "t1", "messageCount": 4}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	threads, err := client.ListThreads(t.Context(), 5)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 || threads[0].ThreadID != "t1" {
		t.Errorf("threads = %+v", threads)
	}
}

func TestDeleteThread(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/threads/t1" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if err := client.DeleteThread(t.Context(), "t1"); err != nil {
		t.Fatalf("DeleteThread: %v", err)
	}
}
