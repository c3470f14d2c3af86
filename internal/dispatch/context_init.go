package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/pkg/models"
)

// initContext resolves or creates the User, Session and current
// Conversation for a turn (§4.1).
func (d *Dispatcher) initContext(ctx context.Context, req *models.ChatRequest) (userID, sessionID, conversationID string, err error) {
	user, err := d.findOrCreateUser(ctx, req)
	if err != nil {
		return "", "", "", fmt.Errorf("resolve user: %w", err)
	}

	session, err := d.findOrCreateSession(ctx, user.ID, req.SessionID)
	if err != nil {
		return "", "", "", fmt.Errorf("resolve session: %w", err)
	}

	conv, err := d.currentConversation(ctx, session.ID)
	if err != nil {
		return "", "", "", fmt.Errorf("resolve conversation: %w", err)
	}

	return user.ID, session.ID, conv.ID, nil
}

func (d *Dispatcher) findOrCreateUser(ctx context.Context, req *models.ChatRequest) (*models.User, error) {
	if req.UserID == "" {
		return nil, errors.New("userId is required")
	}

	var cached models.User
	if ok, err := d.cache.GetJSON(ctx, cache.DomainUser, req.UserID, &cached); err == nil && ok {
		return &cached, nil
	}

	if u, err := d.store.GetUser(ctx, req.UserID); err == nil {
		_ = d.cache.SetJSON(ctx, cache.DomainUser, req.UserID, u)
		return u, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("get user failed, creating fresh", "error", err)
	}

	now := time.Now()
	user := &models.User{ID: req.UserID, Email: req.Email, Name: req.Name, CreatedAt: now, UpdatedAt: now}
	if err := d.store.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return nil, err
	}
	_ = d.cache.SetJSON(ctx, cache.DomainUser, user.ID, user)
	return user, nil
}

func (d *Dispatcher) findOrCreateSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	if sessionID != "" {
		session, err := d.getSession(ctx, sessionID)
		if err == nil {
			if session.UserID != userID {
				d.logger.Warn("session belongs to a different user, starting a new one",
					"session_id", sessionID, "requested_user", userID, "owning_user", session.UserID)
			} else {
				_ = d.store.TouchSession(ctx, session.ID)
				_ = d.cache.Delete(ctx, cache.DomainSession, session.ID)
				session.LastActivityAt = time.Now()
				return session, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("get session failed, creating fresh", "error", err)
		}
	}

	now := time.Now()
	session := &models.Session{ID: uuid.NewString(), UserID: userID, Active: true, StartedAt: now, LastActivityAt: now, UpdatedAt: now}
	if err := d.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	_ = d.cache.SetJSON(ctx, cache.DomainSession, session.ID, session)
	return session, nil
}

func (d *Dispatcher) getSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var cached models.Session
	if ok, err := d.cache.GetJSON(ctx, cache.DomainSession, sessionID, &cached); err == nil && ok {
		return &cached, nil
	}

	session, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	_ = d.cache.SetJSON(ctx, cache.DomainSession, sessionID, session)
	return session, nil
}

func (d *Dispatcher) currentConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	var cached models.Conversation
	if ok, err := d.cache.GetJSON(ctx, cache.DomainConversations, sessionID, &cached); err == nil && ok {
		return &cached, nil
	}

	if conv, err := d.store.GetCurrentConversation(ctx, sessionID); err == nil {
		_ = d.cache.SetJSON(ctx, cache.DomainConversations, sessionID, conv)
		return conv, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		d.logger.Warn("get current conversation failed, creating fresh", "error", err)
	}

	now := time.Now()
	conv := &models.Conversation{ID: uuid.NewString(), SessionID: sessionID, CreatedAt: now, UpdatedAt: now}
	if err := d.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	_ = d.cache.SetJSON(ctx, cache.DomainConversations, sessionID, conv)
	return conv, nil
}

// loadHistory returns the last limit messages for conversationID,
// oldest-first, read-through cached with a 5-minute TTL keyed by
// (sessionID, limit) (§4.1).
func (d *Dispatcher) loadHistory(ctx context.Context, sessionID, conversationID string, limit int) ([]*models.Message, error) {
	key := messageHistoryCacheKey(sessionID, limit)

	var cached []*models.Message
	if ok, err := d.cache.GetJSON(ctx, cache.DomainMessageHistory, key, &cached); err == nil && ok {
		return cached, nil
	}

	messages, err := d.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}

	_ = d.cache.SetJSON(ctx, cache.DomainMessageHistory, key, messages)
	return messages, nil
}

// loadSummary returns sessionID's prior ConversationSummary, if any (§4.1).
func (d *Dispatcher) loadSummary(ctx context.Context, sessionID string) (*models.ConversationSummary, error) {
	var cached models.ConversationSummary
	if ok, err := d.cache.GetJSON(ctx, cache.DomainSessionSummary, sessionID, &cached); err == nil && ok {
		return &cached, nil
	}

	session, err := d.getSession(ctx, sessionID)
	if err != nil || session.Summary == nil {
		return nil, nil
	}

	_ = d.cache.SetJSON(ctx, cache.DomainSessionSummary, sessionID, session.Summary)
	return session.Summary, nil
}

func messageHistoryCacheKey(sessionID string, limit int) string {
	return fmt.Sprintf("%s\x1f%d", sessionID, limit)
}
