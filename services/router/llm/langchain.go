package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// LangChainClient implements Client over a langchaingo llms.Model. It exists
// for deployments that want langchaingo's provider matrix instead of the
// direct OpenAI client.
type LangChainClient struct {
	model llms.Model
}

// NewLangChainClient wraps an existing langchaingo model.
func NewLangChainClient(model llms.Model) *LangChainClient {
	return &LangChainClient{model: model}
}

// NewLangChainOpenAI builds a langchaingo OpenAI model from the same config
// the direct client uses.
func NewLangChainOpenAI(cfg OpenAIConfig) (*LangChainClient, error) {
	opts := []lcopenai.Option{}
	if cfg.APIKey != "" {
		opts = append(opts, lcopenai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, lcopenai.WithModel(cfg.Model))
	}

	model, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchaingo openai: %w", err)
	}
	slog.Info("Initializing langchaingo client", "model", cfg.Model)
	return &LangChainClient{model: model}, nil
}

// Complete implements Client.
func (l *LangChainClient) Complete(ctx context.Context, messages []datatypes.Message, params Params) (*Completion, error) {
	return l.generate(ctx, messages, nil, params, nil)
}

// Stream implements Client.
func (l *LangChainClient) Stream(ctx context.Context, messages []datatypes.Message, params Params, onDelta StreamFunc) (*Completion, error) {
	return l.generate(ctx, messages, nil, params, onDelta)
}

// CompleteWithTools implements Client.
func (l *LangChainClient) CompleteWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolSpec, params Params) (*Completion, error) {
	return l.generate(ctx, messages, tools, params, nil)
}

func (l *LangChainClient) generate(ctx context.Context, messages []datatypes.Message, tools []ToolSpec, params Params, onDelta StreamFunc) (*Completion, error) {
	content := toLangChainMessages(messages, params.System)

	opts := []llms.CallOption{}
	if params.Temperature != nil {
		opts = append(opts, llms.WithTemperature(float64(*params.Temperature)))
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	if params.JSONMode {
		opts = append(opts, llms.WithJSONMode())
	}
	if onDelta != nil {
		opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onDelta(string(chunk))
		}))
	}
	for _, tool := range tools {
		opts = append(opts, llms.WithTools([]llms.Tool{{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		}}))
	}

	resp, err := l.model.GenerateContent(ctx, content, opts...)
	if err != nil {
		return nil, fmt.Errorf("langchaingo generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	choice := resp.Choices[0]
	comp := &Completion{
		Content:      choice.Content,
		FinishReason: choice.StopReason,
	}
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall == nil {
			continue
		}
		comp.ToolCalls = append(comp.ToolCalls, datatypes.ToolCall{
			ID:        tc.ID,
			Name:      tc.FunctionCall.Name,
			Arguments: tc.FunctionCall.Arguments,
		})
	}
	return comp, nil
}

func toLangChainMessages(messages []datatypes.Message, system string) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages)+1)
	if system != "" {
		out = append(out, llms.TextParts(llms.ChatMessageTypeSystem, system))
	}
	for _, msg := range messages {
		switch msg.Role {
		case datatypes.RoleUser:
			out = append(out, llms.TextParts(llms.ChatMessageTypeHuman, msg.Content))
		case datatypes.RoleAssistant:
			mc := llms.MessageContent{Role: llms.ChatMessageTypeAI}
			if msg.Content != "" {
				mc.Parts = append(mc.Parts, llms.TextPart(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				mc.Parts = append(mc.Parts, llms.ToolCall{
					ID:   tc.ID,
					Type: "function",
					FunctionCall: &llms.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			out = append(out, mc)
		case datatypes.RoleTool:
			out = append(out, llms.MessageContent{
				Role: llms.ChatMessageTypeTool,
				Parts: []llms.ContentPart{llms.ToolCallResponse{
					ToolCallID: msg.ToolCallID,
					Content:    msg.Content,
				}},
			})
		}
	}
	return out
}

var _ Client = (*LangChainClient)(nil)
