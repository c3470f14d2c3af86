package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/convoyhq/convoy/internal/agent"
	"github.com/convoyhq/convoy/internal/broker"
)

// ExecutionContext accumulates each step's raw result text over a tool-tier
// turn, keyed by both the originating tool call id and its ordinal step
// number, so later steps can reference either form of "$step_<id>" (§4.4).
type ExecutionContext struct {
	mu      sync.RWMutex
	results map[string]string
}

// NewExecutionContext returns an empty ExecutionContext.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{results: make(map[string]string)}
}

// Set records step's output under both key and, when step > 0, its numeric
// form.
func (ec *ExecutionContext) Set(key string, step int, value string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.results[key] = value
	if step > 0 {
		ec.results[fmt.Sprintf("%d", step)] = value
	}
}

// Get returns the recorded value for key, if any.
func (ec *ExecutionContext) Get(key string) (string, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	v, ok := ec.results[key]
	return v, ok
}

var stepRefPattern = regexp.MustCompile(`\$step_([A-Za-z0-9_-]+)`)

// substituteParams replaces every "$step_<id>" occurrence found in params'
// string values with the matching prior step's recorded output. A reference
// to a step not yet recorded is logged and left untouched (§4.4).
func substituteParams(params map[string]any, ec *ExecutionContext, logger *slog.Logger) map[string]any {
	if len(params) == 0 {
		return params
	}

	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = substituteValue(v, ec, logger)
	}
	return out
}

func substituteValue(v any, ec *ExecutionContext, logger *slog.Logger) any {
	switch val := v.(type) {
	case string:
		return stepRefPattern.ReplaceAllStringFunc(val, func(match string) string {
			id := stepRefPattern.FindStringSubmatch(match)[1]
			resolved, ok := ec.Get(id)
			if !ok {
				logger.Warn("unresolved step reference, leaving literal", "reference", match)
				return match
			}
			return resolved
		})
	case map[string]any:
		return substituteParams(val, ec, logger)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, ec, logger)
		}
		return out
	default:
		return v
	}
}

// brokerExecutor is the narrow slice of broker.Client the dispatcher needs
// to run a tool call.
type brokerExecutor interface {
	Execute(ctx context.Context, req broker.ExecuteRequest) (*broker.ExecuteResult, error)
}

// brokerTool adapts one broker.Tool descriptor, bound to a specific
// connected account, into an agent.Tool the tool-tier agentic loop can
// invoke through agent.ToolExecutor.
type brokerTool struct {
	descriptor broker.Tool
	executor   brokerExecutor
	accountID  string
	entityID   string
	execCtx    *ExecutionContext
	stepNumber int
	logger     *slog.Logger
}

func (t *brokerTool) Name() string           { return t.descriptor.Name }
func (t *brokerTool) Description() string    { return t.descriptor.Description }
func (t *brokerTool) Schema() json.RawMessage { return t.descriptor.Parameters }

func (t *brokerTool) Execute(ctx context.Context, rawParams json.RawMessage) (*agent.ToolResult, error) {
	var params map[string]any
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &agent.ToolResult{Content: fmt.Sprintf("invalid parameters: %v", err), IsError: true}, nil
		}
	}
	params = substituteParams(params, t.execCtx, t.logger)

	result, err := t.executor.Execute(ctx, broker.ExecuteRequest{
		Action:             t.descriptor.Name,
		Params:             params,
		ConnectedAccountID: t.accountID,
		EntityID:           t.entityID,
	})
	if err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("tool execution failed: %v", err), IsError: true}, nil
	}

	failed, reason := classifyResult(result)
	content := string(result.Data)
	if failed {
		content = reason
	}

	t.execCtx.Set(t.descriptor.Name, t.stepNumber, content)
	return &agent.ToolResult{Content: content, IsError: failed}, nil
}

// classifyResult applies §4.4's literal failure rule: a result is a failure
// if the broker envelope says so, or if its decoded Data payload itself
// carries an "error" field or "success": false.
func classifyResult(result *broker.ExecuteResult) (failed bool, reason string) {
	if !result.Successful {
		if result.Error != "" {
			return true, result.Error
		}
		return true, "tool reported failure"
	}
	if result.Error != "" {
		return true, result.Error
	}

	var decoded map[string]any
	if len(result.Data) > 0 && json.Unmarshal(result.Data, &decoded) == nil {
		if errVal, ok := decoded["error"]; ok {
			if msg, ok := errVal.(string); ok && msg != "" {
				return true, msg
			}
			return true, "tool result contained an error field"
		}
		if successVal, ok := decoded["success"].(bool); ok && !successVal {
			return true, "tool result reported success=false"
		}
	}

	return false, ""
}
