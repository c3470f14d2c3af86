// Package dispatch implements the Context Initializer (§4.1), the
// Dispatcher's confidence-tier classification and tool-execution loop
// (§4.4), and the Persistence & Summary Writer (§4.5): the pipeline stage
// that turns a ChatRequest, the Analyzer's ComprehensiveAnalysis and the
// Router's prepared tools into a single ChatResponse.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoyhq/convoy/internal/agent"
	"github.com/convoyhq/convoy/internal/analysis"
	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/router"
	"github.com/convoyhq/convoy/internal/sessionlock"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/pkg/models"
)

const (
	toolTemperature           = 0.3
	clarificationTemperature  = 0.4
	conversationalTemperature = 0.5

	toolMaxTokens           = 3000
	clarificationMaxTokens  = 1500
	conversationalMaxTokens = 1000
)

// Dispatcher wires the Context Initializer, Analyzer, Router and the
// confidence-tier dispatch loop into one Dispatch call per turn (§4.1-4.5).
type Dispatcher struct {
	store       store.Store
	cache       *cache.Store
	connections *cachedConnections
	analyzer    *analysis.Analyzer
	router      *router.Router
	broker      brokerExecutor
	locker      sessionlock.Locker

	chatModel     agent.LLMProvider
	chatModelName string

	maxAgentSteps          int
	maxConversationHistory int
	toolTierThreshold      float64
	clarificationThreshold float64
	toolConcurrency        int
	toolTimeout            time.Duration

	logger *slog.Logger
}

// Deps bundles the collaborators New assembles a Dispatcher from.
type Deps struct {
	Store         store.Store
	Cache         *cache.Store
	Analyzer      *analysis.Analyzer
	Router        *router.Router
	Broker        *broker.Client
	Locker        sessionlock.Locker
	ChatModel     agent.LLMProvider
	ChatModelName string
	Logger        *slog.Logger

	MaxAgentSteps          int
	MaxConversationHistory int
	ToolTierThreshold      float64
	ClarificationThreshold float64
	ToolConcurrency        int
	ToolTimeout            time.Duration
}

// New builds a Dispatcher from its collaborators.
func New(d Deps) *Dispatcher {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Dispatcher{
		store:                  d.Store,
		cache:                  d.Cache,
		connections:            newCachedConnections(d.Store, d.Cache, d.Logger),
		analyzer:               d.Analyzer,
		router:                 d.Router,
		broker:                 d.Broker,
		locker:                 d.Locker,
		chatModel:              d.ChatModel,
		chatModelName:          d.ChatModelName,
		maxAgentSteps:          d.MaxAgentSteps,
		maxConversationHistory: d.MaxConversationHistory,
		toolTierThreshold:      d.ToolTierThreshold,
		clarificationThreshold: d.ClarificationThreshold,
		toolConcurrency:        d.ToolConcurrency,
		toolTimeout:            d.ToolTimeout,
		logger:                 d.Logger,
	}
}

// Dispatch runs one full turn of the pipeline (§4.1-§4.5) and returns the
// consolidated response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *models.ChatRequest) (*models.ChatResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	userID, sessionID, conversationID, err := d.initContext(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.SessionID != "" {
		if err := d.locker.Lock(ctx, sessionID); err != nil {
			return nil, fmt.Errorf("acquire session lock: %w", err)
		}
		defer d.locker.Unlock(sessionID)
	}

	history, err := d.loadHistory(ctx, sessionID, conversationID, d.maxConversationHistory)
	if err != nil {
		d.logger.Warn("load history failed, proceeding with empty history", "error", err)
		history = nil
	}

	priorSummary, err := d.loadSummary(ctx, sessionID)
	if err != nil {
		d.logger.Warn("load summary failed, proceeding without it", "error", err)
	}

	analysisResult, err := d.analyzer.Analyze(ctx, req.Query, toHistoryItems(history), priorSummary)
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	route, requiredConns, err := d.router.Prepare(ctx, &analysisResult, req.Query, userID, nil)
	if err != nil {
		return nil, fmt.Errorf("prepare route: %w", err)
	}

	tier := classifyTier(&analysisResult, d.toolTierThreshold, d.clarificationThreshold)

	requiredAppNames := make([]string, 0, len(requiredConns))
	for _, rc := range requiredConns {
		requiredAppNames = append(requiredAppNames, rc.AppName)
	}

	var response *models.ChatResponse
	if len(requiredAppNames) > 0 && len(route) == 0 {
		response = d.composeRequiredConnectionsResponse(sessionID, conversationID, requiredAppNames)
	} else {
		switch tier {
		case models.TierTool:
			response, err = d.runToolTier(ctx, sessionID, conversationID, userID, req, history, &analysisResult, route)
		case models.TierClarification:
			if len(analysisResult.ClarificationNeeded) > 0 {
				response = d.composeClarificationNeededResponse(sessionID, conversationID, analysisResult.ClarificationNeeded)
			} else {
				response, err = d.runSingleShotTier(ctx, sessionID, conversationID, req, history, &analysisResult,
					models.TierClarification, clarificationTemperature, clarificationMaxTokens)
			}
		default:
			response, err = d.runSingleShotTier(ctx, sessionID, conversationID, req, history, &analysisResult,
				models.TierConversational, conversationalTemperature, conversationalMaxTokens)
		}
		if err != nil {
			return nil, err
		}
		if len(requiredAppNames) > 0 {
			response.RequiredConnections = requiredAppNames
			response.Message += "\n\n" + requiredConnectionsNote(requiredAppNames)
		}
	}

	response.Analysis = &analysisResult

	if warning := d.commit(ctx, conversationID, sessionID, req, response, &analysisResult); warning != "" {
		response.Warning = warning
	}

	return response, nil
}

// classifyTier applies §4.4's confidence-tier rule.
func classifyTier(a *models.ComprehensiveAnalysis, toolThreshold, clarificationThreshold float64) models.DispatchTier {
	switch {
	case a.ConfidenceScore >= toolThreshold && a.RequiresToolExecution:
		return models.TierTool
	case a.ConfidenceScore >= clarificationThreshold:
		return models.TierClarification
	default:
		return models.TierConversational
	}
}

func toHistoryItems(messages []*models.Message) []analysis.HistoryItem {
	out := make([]analysis.HistoryItem, 0, len(messages))
	for _, m := range messages {
		out = append(out, analysis.HistoryItem{Role: string(m.Role), Content: m.Content})
	}
	return out
}

func requiredConnectionsNote(apps []string) string {
	return "Before I can do that, please connect: " + strings.Join(apps, ", ") + "."
}

func (d *Dispatcher) composeRequiredConnectionsResponse(sessionID, conversationID string, apps []string) *models.ChatResponse {
	return &models.ChatResponse{
		SessionID:           sessionID,
		ConversationID:      conversationID,
		Tier:                models.TierClarification,
		Message:             requiredConnectionsNote(apps),
		RequiredConnections: apps,
	}
}

// composeClarificationNeededResponse implements S5: when the Analyzer has
// already identified specific missing pieces of information, the
// clarification tier lists them directly rather than spending a chat-model
// call composing a question around them.
func (d *Dispatcher) composeClarificationNeededResponse(sessionID, conversationID string, items []string) *models.ChatResponse {
	return &models.ChatResponse{
		SessionID:      sessionID,
		ConversationID: conversationID,
		Tier:           models.TierClarification,
		Message:        formatClarificationNeeded(items),
	}
}

func formatClarificationNeeded(items []string) string {
	var b strings.Builder
	b.WriteString("Before I can help with that, I need a bit more detail:\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s\n", i+1, item)
	}
	return strings.TrimRight(b.String(), "\n")
}

func newID() string {
	return uuid.NewString()
}
