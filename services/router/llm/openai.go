package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// OpenAIConfig configures the OpenAI-compatible client. BaseURL may point
// at any OpenAI-compatible gateway (llama.cpp, vLLM, LiteLLM).
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient implements Client over the OpenAI chat completions API.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient creates a client for the configured backend.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai client needs an API key or a base URL")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
		slog.Warn("LLM model not set, defaulting", "model", cfg.Model)
	}

	conf := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}

	slog.Info("Initializing OpenAI-compatible client", "model", cfg.Model, "base_url", conf.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(conf),
		model:  cfg.Model,
	}, nil
}

// Complete implements Client.
func (o *OpenAIClient) Complete(ctx context.Context, messages []datatypes.Message, params Params) (*Completion, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, nil, params))
	if err != nil {
		return nil, fmt.Errorf("openai completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return completionFromChoice(resp.Choices[0]), nil
}

// Stream implements Client.
func (o *OpenAIClient) Stream(ctx context.Context, messages []datatypes.Message, params Params, onDelta StreamFunc) (*Completion, error) {
	req := o.buildRequest(messages, nil, params)
	req.Stream = true

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	finish := ""
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			sb.WriteString(choice.Delta.Content)
			if err := onDelta(choice.Delta.Content); err != nil {
				return nil, err
			}
		}
		if choice.FinishReason != "" {
			finish = string(choice.FinishReason)
		}
	}

	return &Completion{Content: sb.String(), FinishReason: finish}, nil
}

// CompleteWithTools implements Client.
func (o *OpenAIClient) CompleteWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolSpec, params Params) (*Completion, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, tools, params))
	if err != nil {
		return nil, fmt.Errorf("openai tool completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrNoChoices
	}
	return completionFromChoice(resp.Choices[0]), nil
}

func (o *OpenAIClient) buildRequest(messages []datatypes.Message, tools []ToolSpec, params Params) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: toOpenAIMessages(messages, params.System),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	for _, tool := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return req
}

func toOpenAIMessages(messages []datatypes.Message, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		m := openai.ChatCompletionMessage{Content: msg.Content}
		switch msg.Role {
		case datatypes.RoleUser:
			m.Role = openai.ChatMessageRoleUser
		case datatypes.RoleAssistant:
			m.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case datatypes.RoleTool:
			m.Role = openai.ChatMessageRoleTool
			m.ToolCallID = msg.ToolCallID
		default:
			m.Role = openai.ChatMessageRoleUser
		}
		out = append(out, m)
	}
	return out
}

func completionFromChoice(choice openai.ChatCompletionChoice) *Completion {
	comp := &Completion{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		comp.ToolCalls = append(comp.ToolCalls, datatypes.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return comp
}

// transientAPIError classifies OpenAI API errors: rate limits and server
// errors retry, everything else fails fast.
func transientAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	return false
}

var _ Client = (*OpenAIClient)(nil)
