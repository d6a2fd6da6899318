package llm

import (
	"context"
	"errors"

	"github.com/aitwin-labs/aitwin/services/router/datatypes"
)

// Params tunes a single generation request.
type Params struct {
	// System is the system prompt for this request. Kept out of the
	// message log so stage agents can swap personas per call.
	System      string   `json:"system,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`

	// JSONMode asks the backend to emit a single JSON object.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Completion is the result of one generation request.
type Completion struct {
	Content      string
	ToolCalls    []datatypes.ToolCall
	FinishReason string
}

// StreamFunc receives incremental content fragments in order. Returning an
// error aborts the stream.
type StreamFunc func(delta string) error

// Client is the generation capability stage agents depend on.
//
// Implementations must be safe for concurrent use.
type Client interface {
	// Complete runs a non-streaming chat completion.
	Complete(ctx context.Context, messages []datatypes.Message, params Params) (*Completion, error)

	// Stream runs a streaming chat completion, invoking onDelta for each
	// content fragment, and returns the assembled completion.
	Stream(ctx context.Context, messages []datatypes.Message, params Params, onDelta StreamFunc) (*Completion, error)

	// CompleteWithTools runs a completion with tools offered. The model
	// may answer with content, tool calls, or both.
	CompleteWithTools(ctx context.Context, messages []datatypes.Message, tools []ToolSpec, params Params) (*Completion, error)
}

// ErrNoChoices is returned when the backend responds without any choice.
var ErrNoChoices = errors.New("llm returned no choices")

// Transient reports whether err is worth retrying: deadline expiry or a
// backend error that identifies itself as temporary. Context cancellation
// is never transient.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var tmp interface{ Temporary() bool }
	if errors.As(err, &tmp) {
		return tmp.Temporary()
	}
	return transientAPIError(err)
}
