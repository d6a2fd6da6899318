package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// ScriptedResponse is one queued reply for a ScriptedClient.
type ScriptedResponse struct {
	Content   string
	ToolCalls []datatypes.ToolCall
	Err       error

	// Deltas overrides how Stream chunks the content. When empty, the
	// whole Content is emitted as one delta.
	Deltas []string
}

// ScriptedClient is a Client for tests. Responses are consumed in order;
// every call is recorded.
type ScriptedClient struct {
	mu        sync.Mutex
	Responses []ScriptedResponse
	Calls     [][]datatypes.Message
	Systems   []string
}

// Script creates a client that replays the given responses.
func Script(responses ...ScriptedResponse) *ScriptedClient {
	return &ScriptedClient{Responses: responses}
}

func (s *ScriptedClient) next(messages []datatypes.Message, system string) (ScriptedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Calls = append(s.Calls, messages)
	s.Systems = append(s.Systems, system)
	if len(s.Responses) == 0 {
		return ScriptedResponse{}, fmt.Errorf("scripted client exhausted after %d calls", len(s.Calls))
	}
	resp := s.Responses[0]
	s.Responses = s.Responses[1:]
	return resp, nil
}

// Complete implements Client.
func (s *ScriptedClient) Complete(ctx context.Context, messages []datatypes.Message, params Params) (*Completion, error) {
	resp, err := s.next(messages, params.System)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &Completion{Content: resp.Content, ToolCalls: resp.ToolCalls}, nil
}

// Stream implements Client.
func (s *ScriptedClient) Stream(ctx context.Context, messages []datatypes.Message, params Params, onDelta StreamFunc) (*Completion, error) {
	resp, err := s.next(messages, params.System)
	if err != nil {
		return nil, err
	}
	if resp.Err != nil {
		return nil, resp.Err
	}

	deltas := resp.Deltas
	if len(deltas) == 0 && resp.Content != "" {
		deltas = []string{resp.Content}
	}
	content := ""
	for _, d := range deltas {
		if err := onDelta(d); err != nil {
			return nil, err
		}
		content += d
	}
	return &Completion{Content: content}, nil
}

// CompleteWithTools implements Client.
func (s *ScriptedClient) CompleteWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolSpec, params Params) (*Completion, error) {
	return s.Complete(ctx, messages, params)
}

// CallCount returns how many requests the client has served.
func (s *ScriptedClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Calls)
}

var _ Client = (*ScriptedClient)(nil)
