package dispatch

import (
	"context"
	"time"

	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/pkg/models"
)

// commit appends the turn's user and assistant messages, overwrites the
// session's rolling ConversationSummary, and invalidates the caches that
// would otherwise serve stale reads (§4.5). A write failure is logged and
// returned as a non-fatal warning string; the response itself is still
// returned to the caller.
func (d *Dispatcher) commit(ctx context.Context, conversationID, sessionID string, req *models.ChatRequest,
	resp *models.ChatResponse, a *models.ComprehensiveAnalysis) string {

	now := time.Now()

	userMsg := &models.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        req.Query,
		CreatedAt:      now,
	}
	if err := d.store.AppendMessage(ctx, userMsg); err != nil {
		d.logger.Warn("persist user message failed", "error", err)
		return "your message may not have been saved"
	}

	assistantMsg := &models.Message{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        resp.Message,
		ToolCalls:      resp.ToolCalls,
		Analysis:       a,
		CreatedAt:      now,
	}
	if err := d.store.AppendMessage(ctx, assistantMsg); err != nil {
		d.logger.Warn("persist assistant message failed", "error", err)
		return "the response may not be saved in history"
	}

	summary := a.ConversationSummary
	if err := d.store.UpdateSessionSummary(ctx, sessionID, &summary); err != nil {
		d.logger.Warn("persist session summary failed", "error", err)
		return "the conversation summary may be out of date"
	}

	d.invalidateAfterCommit(ctx, sessionID)
	return ""
}

// invalidateAfterCommit drops the session, session-summary and message-
// history cache entries a fresh commit makes stale. Message history is
// keyed by (sessionID, limit); maxConversationHistory is the only limit the
// Context Initializer ever requests for a live dispatch turn, so that is
// the one entry worth proactively invalidating rather than scanning.
func (d *Dispatcher) invalidateAfterCommit(ctx context.Context, sessionID string) {
	_ = d.cache.Delete(ctx, cache.DomainSession, sessionID)
	_ = d.cache.Delete(ctx, cache.DomainSessionSummary, sessionID)
	_ = d.cache.Delete(ctx, cache.DomainMessageHistory, messageHistoryCacheKey(sessionID, d.maxConversationHistory))
}
