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
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"github.com/aitwin-labs/aitwin/pkg/chatview"
	"github.com/aitwin-labs/aitwin/services/orchestrator/datatypes"
)

// ChatService streams one turn's events. Implemented by Client; tests
// substitute a scripted service.
type ChatService interface {
	StreamChat(ctx context.Context, req datatypes.ChatRequest, onEvent EventHandler) error
}

// InputReader reads one line of user input. ReadLine returns io.EOF when
// input is exhausted (Ctrl+D, closed pipe).
type InputReader interface {
	ReadLine() (string, error)
}

// StdinReader is the plain line reader used for piped input and non-TTY
// environments.
type StdinReader struct {
	reader *bufio.Reader
}

// NewStdinReader creates a reader over os.Stdin.
func NewStdinReader() *StdinReader {
	return &StdinReader{reader: bufio.NewReader(os.Stdin)}
}

// ReadLine reads until newline and returns the trimmed line.
func (r *StdinReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveInputReader reads input with line editing and up-arrow
// history via bubbletea. Falls back to StdinReader when stdin is not a
// terminal.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
	prompt     string
}

// NewInteractiveInputReader creates an interactive reader keeping up to
// maxHistory entries, or a StdinReader for non-TTY stdin.
func NewInteractiveInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewStdinReader()
	}
	return &InteractiveInputReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "you: ",
	}
}

// ReadLine displays the prompt and reads one line. Up and down arrows
// navigate history; Ctrl+D returns io.EOF; Ctrl+C clears the line.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.PromptStyle = promptStyle
	ti.Focus()
	ti.CharLimit = 4096
	ti.Width = 80

	m := inputModel{textInput: ti, history: r.history, historyIndex: -1}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("unexpected model type from bubbletea: %T", finalModel)
	}

	if result.eof {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

// inputModel is the bubbletea model behind InteractiveInputReader.
type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int // -1 = editing new input
	currentInput string
	eof          bool
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyEnter:
			return m, tea.Quit

		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			return m, tea.Quit

		case tea.KeyCtrlD:
			m.eof = true
			m.textInput.SetValue("")
			return m, tea.Quit

		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil

		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	return m.textInput.View()
}

// MockInputReader returns predetermined inputs in order, then io.EOF.
type MockInputReader struct {
	inputs []string
	index  int
}

// NewMockInputReader creates a reader over the given inputs.
func NewMockInputReader(inputs []string) *MockInputReader {
	return &MockInputReader{inputs: inputs}
}

// ReadLine returns the next input, or io.EOF when exhausted.
func (m *MockInputReader) ReadLine() (string, error) {
	if m.index >= len(m.inputs) {
		return "", io.EOF
	}
	line := m.inputs[m.index]
	m.index++
	return line, nil
}

// isExitCommand reports whether the input ends the session.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// errTurnFailed marks a turn that ended with a server error event. The
// event itself was already rendered; callers must not print it again.
var errTurnFailed = errors.New("turn failed")

// ChatRunner drives an interactive session: read a question, stream the
// turn, render events, repeat.
type ChatRunner struct {
	service  ChatService
	input    InputReader
	renderer *Renderer
	threadID string
}

// NewChatRunner creates a runner. An empty threadID starts a new thread
// on the first turn and adopts the server-assigned id from the stream.
func NewChatRunner(service ChatService, input InputReader, renderer *Renderer, threadID string) *ChatRunner {
	return &ChatRunner{
		service:  service,
		input:    input,
		renderer: renderer,
		threadID: threadID,
	}
}

// ThreadID returns the current thread id; set after the first turn when
// the session started without one.
func (r *ChatRunner) ThreadID() string {
	return r.threadID
}

// Run executes the chat loop until exit, EOF, or context cancellation.
func (r *ChatRunner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.input.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if err := r.RunTurn(ctx, line); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			// Transport errors end the turn, not the session.
			if !errors.Is(err, errTurnFailed) {
				r.renderer.Error(err.Error())
			}
		}
	}
}

// RunTurn streams one question and renders the events.
func (r *ChatRunner) RunTurn(ctx context.Context, query string) error {
	folder := chatview.NewFolder()

	err := r.service.StreamChat(ctx, datatypes.ChatRequest{ThreadId: r.threadID, Query: query},
		func(ev datatypes.StreamEvent) error {
			if r.threadID == "" && ev.ThreadId != "" {
				r.threadID = ev.ThreadId
			}

			routerEv := ev.ToRouterEvent()
			folder.Apply(routerEv)

			switch ev.Type {
			case "status":
				r.renderer.Stage(ev.Stage)
			case "messageDelta":
				r.renderer.Delta(ev.Content)
			case "toolCallStart":
				if ev.ToolCall != nil {
					r.renderer.ToolCall(ev.ToolCall.Name, ev.ToolCall.Arguments)
				}
			case "toolCallResult":
				r.renderer.ToolResult(ev.Result)
			case "error":
				r.renderer.Error(ev.Error)
			case "done":
				r.renderer.Done()
			}
			return nil
		})
	if err != nil {
		return err
	}

	if folder.Err() != "" {
		return errTurnFailed
	}
	return nil
}
