// Package analysis implements the Analyzer (§4.2): a single structured-
// output model call that turns a query, recent history, and a prior
// conversation summary into a ComprehensiveAnalysis the rest of the
// pipeline routes and dispatches on.
package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/convoyhq/convoy/internal/agent"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/pkg/models"
)

const (
	maxHistoryForCacheKey = 3
	historyContentTrunc   = 50
	maxTokens             = 2000
	temperature           = 0.1
)

// HistoryItem is the subset of a prior message the Analyzer considers.
type HistoryItem struct {
	Role    string
	Content string
}

// Analyzer runs the analysis model and validates its structured output.
type Analyzer struct {
	model     agent.LLMProvider
	modelName string
	cache     *cache.Store
	logger    *slog.Logger
}

// New builds an Analyzer. modelName is the model identifier passed through
// to the provider on each call (e.g. "gemini-2.0-flash").
func New(model agent.LLMProvider, modelName string, cacheStore *cache.Store, logger *slog.Logger) *Analyzer {
	return &Analyzer{model: model, modelName: modelName, cache: cacheStore, logger: logger}
}

// Analyze produces a ComprehensiveAnalysis for query given recent history
// and the conversation's prior summary. On any failure it returns
// models.FallbackAnalysis() and a nil error: the fallback is always a
// valid, usable result, never a signal for the caller to retry.
func (a *Analyzer) Analyze(ctx context.Context, query string, history []HistoryItem, priorSummary *models.ConversationSummary) (models.ComprehensiveAnalysis, error) {
	cacheKey := cacheKeyFor(query, history)

	var cached models.ComprehensiveAnalysis
	if ok, err := a.cache.GetJSON(ctx, cache.DomainAnalysis, cacheKey, &cached); err == nil && ok {
		return cached, nil
	}

	result, err := a.analyzeViaModel(ctx, query, history, priorSummary)
	if err != nil {
		a.logger.Warn("analysis failed, returning fallback", "error", err)
		return models.FallbackAnalysis(), nil
	}

	if !result.Valid() {
		a.logger.Warn("analysis failed schema validation, returning fallback")
		return models.FallbackAnalysis(), nil
	}

	_ = a.cache.SetJSON(ctx, cache.DomainAnalysis, cacheKey, result)
	return result, nil
}

// cacheKeyFor builds the base64-friendly raw key the cache layer will hash:
// query plus the last three history contents, each truncated to 50 chars
// (§4.2's caching rule).
func cacheKeyFor(query string, history []HistoryItem) string {
	start := 0
	if len(history) > maxHistoryForCacheKey {
		start = len(history) - maxHistoryForCacheKey
	}
	key := query
	for _, h := range history[start:] {
		content := h.Content
		if len(content) > historyContentTrunc {
			content = content[:historyContentTrunc]
		}
		key += "|" + content
	}
	return key
}

func (a *Analyzer) analyzeViaModel(ctx context.Context, query string, history []HistoryItem, priorSummary *models.ConversationSummary) (models.ComprehensiveAnalysis, error) {
	priorSummaryJSON, err := json.Marshal(priorSummary)
	if err != nil {
		return models.ComprehensiveAnalysis{}, fmt.Errorf("marshal prior summary: %w", err)
	}

	historyText := ""
	for _, h := range history {
		historyText += fmt.Sprintf("%s: %s\n", h.Role, h.Content)
	}

	req := &agent.CompletionRequest{
		Model: a.modelName,
		System: "You analyze a user's chat query and produce a single JSON object matching the " +
			"comprehensive analysis schema: query_analysis, is_query_clear, confidence_score, " +
			"requires_tool_execution, execution_steps, estimated_complexity, " +
			"requires_sequential_execution, needs_info_gathering, missing_information, " +
			"search_queries, clarification_needed, can_proceed_with_defaults, " +
			"conversation_summary, recommended_apps, tool_priorities. Respond with only that object.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf("Prior summary: %s\n\nRecent history:\n%s\nQuery: %s",
				priorSummaryJSON, historyText, query)},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	outcome, err := agent.Collect(ctx, a.model, req)
	if err != nil {
		return models.ComprehensiveAnalysis{}, err
	}

	var generic any
	if err := json.Unmarshal([]byte(outcome.Text), &generic); err != nil {
		return models.ComprehensiveAnalysis{}, fmt.Errorf("parse analysis as JSON: %w", err)
	}
	if err := Validate(generic); err != nil {
		return models.ComprehensiveAnalysis{}, fmt.Errorf("analysis failed schema validation: %w", err)
	}

	var result models.ComprehensiveAnalysis
	if err := json.Unmarshal([]byte(outcome.Text), &result); err != nil {
		return models.ComprehensiveAnalysis{}, fmt.Errorf("decode analysis: %w", err)
	}
	return result, nil
}
