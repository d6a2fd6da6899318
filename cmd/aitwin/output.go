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
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/aitwin-labs/aitwin/pkg/chatview"
	routerdatatypes "github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// Styles for terminal output. In plain mode (piped output, CI) every
// style renders as unstyled text.
var (
	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("4")).
			Bold(true)
)

// stageLabels maps pipeline stage names to human phrasing.
var stageLabels = map[string]string{
	"RELEVANCE_FILTER": "checking relevance",
	"GUARDRAIL_CHECK":  "running guardrails",
	"RESPONDER":        "composing answer",
	"MODERATOR":        "redirecting off-topic question",
	"SAFETY_RESPONDER": "declining safely",
}

// Renderer writes chat output to a terminal or a plain writer.
//
// Deltas are printed as they arrive so the answer streams in place; the
// stage line above it narrates pipeline progress. Plain mode drops the
// styling but keeps the same content, so transcripts pipe cleanly.
type Renderer struct {
	out   io.Writer
	plain bool

	// streaming tracks whether the current line holds partial answer text
	// and needs a trailing newline before other output.
	streaming bool
}

// NewRenderer creates a renderer for stdout, detecting whether it is a
// terminal.
func NewRenderer() *Renderer {
	plain := !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd())
	return &Renderer{out: os.Stdout, plain: plain}
}

// newPlainRenderer creates an unstyled renderer over the given writer.
func newPlainRenderer(out io.Writer) *Renderer {
	return &Renderer{out: out, plain: true}
}

func (r *Renderer) style(s lipgloss.Style, text string) string {
	if r.plain {
		return text
	}
	return s.Render(text)
}

// Stage prints a pipeline progress line.
func (r *Renderer) Stage(stage string) {
	label, ok := stageLabels[stage]
	if !ok {
		label = strings.ToLower(stage)
	}
	r.breakLine()
	fmt.Fprintln(r.out, r.style(stageStyle, "… "+label))
}

// Delta appends streamed answer text without a newline.
func (r *Renderer) Delta(text string) {
	fmt.Fprint(r.out, text)
	r.streaming = true
}

// ToolCall prints an announced tool invocation.
func (r *Renderer) ToolCall(name, args string) {
	r.breakLine()
	line := "» " + name
	if args != "" && args != "{}" {
		line += " " + args
	}
	fmt.Fprintln(r.out, r.style(toolStyle, line))
}

// ToolResult prints a tool outcome, truncated for display.
func (r *Renderer) ToolResult(result string) {
	r.breakLine()
	const maxLen = 200
	if len(result) > maxLen {
		result = result[:maxLen] + "…"
	}
	fmt.Fprintln(r.out, r.style(toolStyle, "  ← "+result))
}

// Error prints a turn failure.
func (r *Renderer) Error(msg string) {
	r.breakLine()
	fmt.Fprintln(r.out, r.style(errorStyle, "error: "+msg))
}

// Done terminates the streamed answer line.
func (r *Renderer) Done() {
	r.breakLine()
}

// UserLine echoes the user's question, used when replaying history.
func (r *Renderer) UserLine(text string) {
	r.breakLine()
	fmt.Fprintln(r.out, r.style(userStyle, "you: ")+text)
}

// Info prints an informational line.
func (r *Renderer) Info(text string) {
	r.breakLine()
	fmt.Fprintln(r.out, text)
}

// Blocks renders a reconstructed conversation, used for `threads show`
// and for replaying history on resume.
func (r *Renderer) Blocks(blocks []chatview.DisplayBlock, anomalies []chatview.Anomaly) {
	for _, block := range blocks {
		switch block.Kind {
		case chatview.BlockChat:
			if block.Role == routerdatatypes.RoleUser {
				r.UserLine(block.Text)
			} else {
				r.breakLine()
				fmt.Fprintln(r.out, block.Text)
			}
		case chatview.BlockToolGroup:
			for _, tool := range block.Tools {
				r.ToolCall(tool.Name, tool.RawArgs)
				if tool.Result != "" {
					r.ToolResult(tool.Result)
				}
			}
			if block.Text != "" {
				r.breakLine()
				fmt.Fprintln(r.out, block.Text)
			}
		case chatview.BlockOrphanResult:
			r.ToolResult(block.Text)
		}
	}
	for _, a := range anomalies {
		r.Info(r.style(stageStyle, "note: "+a.Reason))
	}
}

// breakLine closes a partially streamed answer line.
func (r *Renderer) breakLine() {
	if r.streaming {
		fmt.Fprintln(r.out)
		r.streaming = false
	}
}
