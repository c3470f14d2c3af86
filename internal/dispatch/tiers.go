package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/convoyhq/convoy/internal/agent"
	agentcontext "github.com/convoyhq/convoy/internal/agent/context"
	convoycontext "github.com/convoyhq/convoy/internal/context"
	"github.com/convoyhq/convoy/internal/router"
	"github.com/convoyhq/convoy/pkg/models"
)

// promptOverheadTokens is a rough per-turn allowance for the system prompt
// and role/formatting scaffolding that buildHistoryMessages reserves on top
// of a tier's completion budget before packing history (§4.4).
const promptOverheadTokens = 500

const defaultSuccessMessage = "Done."

// runToolTier drives the bounded multi-step agentic loop: call the chat
// model with the prepared tools, execute any requested tool calls
// concurrently, feed the results back, and repeat until the model stops
// requesting tools or maxAgentSteps is reached (§4.4).
func (d *Dispatcher) runToolTier(ctx context.Context, sessionID, conversationID, userID string, req *models.ChatRequest,
	history []*models.Message, a *models.ComprehensiveAnalysis, tools []router.PreparedTool) (*models.ChatResponse, error) {

	connByApp, err := d.resolveConnections(ctx, userID, tools)
	if err != nil {
		return nil, fmt.Errorf("resolve connections: %w", err)
	}

	execCtx := NewExecutionContext()
	registry := agent.NewToolRegistry()
	var agentTools []agent.Tool
	for i, descriptor := range tools {
		conn, ok := connByApp[descriptor.AppName]
		if !ok {
			continue
		}
		bt := &brokerTool{
			descriptor: descriptor,
			executor:   d.broker,
			accountID:  conn.ConnectedAccountID,
			entityID:   userID,
			execCtx:    execCtx,
			stepNumber: i + 1,
			logger:     d.logger,
		}
		registry.Register(bt)
		agentTools = append(agentTools, bt)
	}

	toolTimeout := d.toolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 30 * time.Second
	}
	executor := agent.NewToolExecutor(registry, agent.ToolExecConfig{
		Concurrency:    d.toolConcurrency,
		PerToolTimeout: toolTimeout,
		MaxAttempts:    1,
	})

	messages := buildHistoryMessages(history, d.chatModelName, toolMaxTokens)
	messages = append(messages, agent.CompletionMessage{Role: "user", Content: req.Query})

	maxSteps := d.maxAgentSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	var executed []models.ExecutedTool
	var finalText string
	var anyFailure bool

	for step := 0; step < maxSteps; step++ {
		completionReq := &agent.CompletionRequest{
			Model:       d.chatModelName,
			System:      toolSystemPrompt(a),
			Messages:    messages,
			Tools:       agentTools,
			MaxTokens:   toolMaxTokens,
			Temperature: toolTemperature,
		}

		outcome, err := agent.Collect(ctx, d.chatModel, completionReq)
		if err != nil {
			return nil, fmt.Errorf("tool tier completion: %w", err)
		}

		finalText = outcome.Text
		if len(outcome.ToolCalls) == 0 {
			break
		}

		messages = append(messages, agent.CompletionMessage{Role: "assistant", Content: outcome.Text, ToolCalls: outcome.ToolCalls})

		results := executor.ExecuteConcurrently(ctx, outcome.ToolCalls, nil)
		toolResults := make([]models.ToolResult, 0, len(results))
		for _, r := range results {
			toolResults = append(toolResults, r.Result)
			if r.Result.IsError {
				anyFailure = true
			}
			executed = append(executed, models.ExecutedTool{
				StepNumber: step + 1,
				ToolCallID: r.ToolCall.ID,
				Name:       r.ToolCall.Name,
				Args:       r.ToolCall.Input,
				Result:     json.RawMessage(jsonString(r.Result.Content)),
				IsError:    r.Result.IsError,
				Error:      r.Result.Error,
			})
		}
		messages = append(messages, agent.CompletionMessage{Role: "tool", ToolResults: toolResults})
	}

	return &models.ChatResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Tier:           models.TierTool,
		Message:        composeToolResponse(finalText, executed, anyFailure),
		ToolCalls:      executed,
	}, nil
}

// resolveConnections looks up the usable connection backing each distinct
// app among tools. A tool whose app has no usable connection is silently
// dropped from the tool-tier's offered set; the surrounding required-
// connections handling in Dispatch already covers the user-facing message
// for that case.
func (d *Dispatcher) resolveConnections(ctx context.Context, userID string, tools []router.PreparedTool) (map[string]*models.AppConnection, error) {
	out := make(map[string]*models.AppConnection)
	seen := make(map[string]bool)
	for _, t := range tools {
		if seen[t.AppName] {
			continue
		}
		seen[t.AppName] = true
		conn, err := d.connections.GetConnectionByApp(ctx, userID, t.AppName)
		if err != nil || conn == nil || !conn.Status.Usable() {
			continue
		}
		out[t.AppName] = conn
	}
	return out, nil
}

// composeToolResponse picks the user-facing text for a finished tool-tier
// turn: a failure listing when any step failed, else the model's own final
// text, else a default success sentence (§4.4).
func composeToolResponse(finalText string, executed []models.ExecutedTool, anyFailure bool) string {
	if anyFailure {
		var failures []string
		for _, e := range executed {
			if e.IsError {
				reason := e.Error
				if reason == "" {
					reason = "failed"
				}
				failures = append(failures, fmt.Sprintf("%s: %s", e.Name, reason))
			}
		}
		msg := "Some steps did not complete successfully:\n- " + strings.Join(failures, "\n- ")
		if finalText != "" {
			msg += "\n\n" + finalText
		}
		return msg
	}
	if strings.TrimSpace(finalText) != "" {
		return finalText
	}
	return defaultSuccessMessage
}

// runSingleShotTier drives the clarification and conversational tiers: one
// completion call, no tools offered (§4.4).
func (d *Dispatcher) runSingleShotTier(ctx context.Context, sessionID, conversationID string, req *models.ChatRequest,
	history []*models.Message, a *models.ComprehensiveAnalysis, tier models.DispatchTier, temperature float64, maxTokens int) (*models.ChatResponse, error) {

	messages := buildHistoryMessages(history, d.chatModelName, maxTokens)
	messages = append(messages, agent.CompletionMessage{Role: "user", Content: req.Query})

	completionReq := &agent.CompletionRequest{
		Model:       d.chatModelName,
		System:      tierSystemPrompt(tier, a),
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	outcome, err := agent.Collect(ctx, d.chatModel, completionReq)
	if err != nil {
		return nil, fmt.Errorf("%s tier completion: %w", tier, err)
	}

	return &models.ChatResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Tier:           tier,
		Message:        outcome.Text,
	}, nil
}

// buildHistoryMessages packs stored history into the completion request,
// capping it to what the chat model's context window can actually hold
// after reserving room for the tier's own completion and prompt overhead
// (§4.4). The char budget for agentcontext.Packer is derived from the
// model's token window via convoycontext.Window so a clarification-tier
// call against a small model trims history harder than a tool-tier call
// against a large one.
func buildHistoryMessages(history []*models.Message, modelName string, responseMaxTokens int) []agent.CompletionMessage {
	window := convoycontext.NewWindowForModel(modelName)
	window.Add(responseMaxTokens + promptOverheadTokens)
	budgetTokens := window.Remaining()
	if budgetTokens <= 0 {
		budgetTokens = convoycontext.MinContextWindow / 4
	}

	opts := agentcontext.DefaultPackOptions()
	opts.MaxChars = int(float64(budgetTokens) / convoycontext.TokensPerChar)
	opts.IncludeSummary = false

	pruned := agentcontext.PruneContextMessages(history, agentcontext.DefaultContextPruningSettings(), opts.MaxChars)

	packed, err := agentcontext.NewPacker(opts).Pack(pruned, nil, nil)
	if err != nil {
		packed = pruned
	}

	out := make([]agent.CompletionMessage, 0, len(packed))
	for _, m := range packed {
		if m == nil || m.Role == models.RoleTool {
			continue
		}
		out = append(out, agent.CompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func toolSystemPrompt(a *models.ComprehensiveAnalysis) string {
	return "You are Convoy, a tool-using assistant. Use the available tools to complete the user's " +
		"request. Query analysis: " + a.QueryAnalysis
}

func tierSystemPrompt(tier models.DispatchTier, a *models.ComprehensiveAnalysis) string {
	if tier == models.TierClarification {
		return "You are Convoy. The user's request is not yet clear enough to act on. Ask a focused " +
			"clarifying question. Query analysis: " + a.QueryAnalysis
	}
	return "You are Convoy, a helpful conversational assistant. Query analysis: " + a.QueryAnalysis
}

func jsonString(s string) string {
	encoded, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(encoded)
}
