package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoyhq/convoy/pkg/models"
)

// CompletionOutcome is a fully-drained LLM response: the assembled text and
// any tool calls the model requested.
type CompletionOutcome struct {
	Text      string
	ToolCalls []models.ToolCall
}

// Collect drains a provider's completion stream into a single outcome. A
// non-nil error means the stream ended in error with no usable text;
// partial text accompanied by a chunk error is still returned so a caller
// can decide whether to salvage it.
func Collect(ctx context.Context, provider LLMProvider, req *CompletionRequest) (*CompletionOutcome, error) {
	chunks, err := provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("start completion: %w", err)
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	var lastErr error

	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			lastErr = chunk.Error
			continue
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
		}
	}

	if lastErr != nil && text.Len() == 0 && len(toolCalls) == 0 {
		return nil, fmt.Errorf("completion stream: %w", lastErr)
	}

	return &CompletionOutcome{Text: text.String(), ToolCalls: toolCalls}, nil
}
