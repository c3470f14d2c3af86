// Package httpapi exposes §6's external interfaces over HTTP: the chat
// endpoint, the connection initiate/callback endpoints, and the
// administrative tool-catalog ingest/search endpoints. Handler style
// (ServeMux-based routing, MaxBytesReader-guarded JSON decoding with
// DisallowUnknownFields, a uniform error envelope) is grounded on the
// teacher's internal/web/api.go.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/convoyhq/convoy/internal/auth"
	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/dispatch"
	"github.com/convoyhq/convoy/internal/reconcile"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/internal/vectorcatalog"
	"github.com/convoyhq/convoy/pkg/models"
)

// maxRequestBodyBytes bounds a single request body, mirroring the
// teacher's api.go guard against unbounded request payloads.
const maxRequestBodyBytes int64 = 1 << 20

// connectionBroker is the broker surface the connection endpoints need.
type connectionBroker interface {
	Initiate(ctx context.Context, appName, entityID string) (*broker.Connection, error)
	Get(ctx context.Context, connectedAccountID string) (*broker.Connection, error)
	GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error)
}

// Handler serves Convoy's HTTP surface.
type Handler struct {
	dispatcher *dispatch.Dispatcher
	store      store.Store
	broker     connectionBroker
	vectors    vectorcatalog.Catalog
	embedder   vectorcatalog.Embedder
	reconciler *reconcile.Job
	auth       *auth.Service
	logger     *slog.Logger
	embedDim   int

	mux *http.ServeMux
}

// Config bundles Handler's collaborators.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Store      store.Store
	Broker     connectionBroker
	Vectors    vectorcatalog.Catalog
	Embedder   vectorcatalog.Embedder
	Reconciler *reconcile.Job
	Auth       *auth.Service
	Logger     *slog.Logger
	// EmbeddingDimension is the vector width produced by Embedder; defaults
	// to 1536 (text-embedding-3-small) when zero.
	EmbeddingDimension int
}

// defaultEmbeddingDimension matches text-embedding-3-small, the
// OpenAIEmbedder's default model.
const defaultEmbeddingDimension = 1536

// New builds a Handler and registers its routes.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	dim := cfg.EmbeddingDimension
	if dim <= 0 {
		dim = defaultEmbeddingDimension
	}
	h := &Handler{
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		broker:     cfg.Broker,
		vectors:    cfg.Vectors,
		embedder:   cfg.Embedder,
		reconciler: cfg.Reconciler,
		auth:       cfg.Auth,
		logger:     cfg.Logger,
		embedDim:   dim,
		mux:        http.NewServeMux(),
	}
	h.routes()
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	h.mux.HandleFunc("POST /v1/chat", h.handleChat)
	h.mux.HandleFunc("POST /v1/connections/initiate", h.handleConnectionInitiate)
	h.mux.HandleFunc("POST /v1/connections/callback", h.handleConnectionCallback)
	h.mux.HandleFunc("GET /v1/connections", h.handleListConnections)
	h.mux.HandleFunc("POST /admin/catalog/ingest", h.requireAdmin(h.handleCatalogIngest))
	h.mux.HandleFunc("GET /admin/catalog/search", h.requireAdmin(h.handleCatalogSearch))
	h.mux.HandleFunc("POST /admin/reconcile/run", h.requireAdmin(h.handleReconcileRun))
	h.mux.HandleFunc("GET /healthz", h.handleHealth)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// requireAdmin wraps an administrative handler with the JWT/API-key check
// (§6 endpoints are "administrative"); when no auth.Service is configured
// at all, the check is a no-op, matching auth.Service.Enabled's own
// disabled-by-default behavior.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.auth == nil || !h.auth.Enabled() {
			next(w, r)
			return
		}
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := h.auth.ValidateJWT(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(auth.WithUser(r.Context(), user)))
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// chatRequest mirrors §6's chat endpoint contract.
type chatRequest struct {
	UserQuery string `json:"userQuery"`
	UserID    string `json:"userId"`
	SessionID string `json:"sessionId,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserQuery == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userQuery and userId are required")
		return
	}

	resp, err := h.dispatcher.Dispatch(r.Context(), &models.ChatRequest{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Email:     req.Email,
		Name:      req.Name,
		Query:     req.UserQuery,
	})
	if err != nil {
		h.logger.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type connectionInitiateRequest struct {
	AppName string `json:"appName"`
	UserID  string `json:"userId"`
}

type connectionInitiateResponse struct {
	RedirectURL        string `json:"redirectUrl,omitempty"`
	ConnectedAccountID string `json:"connectedAccountId"`
}

func (h *Handler) handleConnectionInitiate(w http.ResponseWriter, r *http.Request) {
	var req connectionInitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppName == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "appName and userId are required")
		return
	}

	conn, err := h.broker.Initiate(r.Context(), req.AppName, req.UserID)
	if err != nil {
		h.logger.Error("broker initiate failed", "app", req.AppName, "error", err)
		writeError(w, http.StatusInternalServerError, "connection initiate failed")
		return
	}

	record := &models.AppConnection{
		ID:                 uuid.NewString(),
		UserID:             req.UserID,
		AppName:            req.AppName,
		ConnectedAccountID: conn.ConnectedAccountID,
		Status:             models.ConnectionInitiated,
		CreatedAt:          time.Now(),
		UpdatedAt:          time.Now(),
	}
	if err := h.store.CreateConnection(r.Context(), record); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		h.logger.Error("persist connection failed", "app", req.AppName, "error", err)
		writeError(w, http.StatusInternalServerError, "connection initiate failed")
		return
	}

	writeJSON(w, http.StatusOK, connectionInitiateResponse{
		RedirectURL:        conn.AuthorizationURL,
		ConnectedAccountID: conn.ConnectedAccountID,
	})
}

type connectionCallbackRequest struct {
	ConnectedAccountID string `json:"connectedAccountId"`
	UserID             string `json:"userId"`
	AppName            string `json:"appName"`
}

type connectionCallbackResponse struct {
	ID     string                  `json:"id"`
	Status models.ConnectionStatus `json:"status"`
}

// handleConnectionCallback promotes an INITIATED connection to ACTIVE (or
// FAILED) per §4.8, re-checking the broker's own view of the account
// rather than trusting the status string in the callback body.
func (h *Handler) handleConnectionCallback(w http.ResponseWriter, r *http.Request) {
	var req connectionCallbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ConnectedAccountID == "" || req.UserID == "" || req.AppName == "" {
		writeError(w, http.StatusBadRequest, "connectedAccountId, userId and appName are required")
		return
	}

	existing, err := h.store.GetConnectionByApp(r.Context(), req.UserID, req.AppName)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no pending connection for this user and app")
		return
	}

	current, err := h.broker.Get(r.Context(), req.ConnectedAccountID)
	if err != nil {
		h.logger.Error("broker status check failed", "account", req.ConnectedAccountID, "error", err)
		writeError(w, http.StatusInternalServerError, "connection callback failed")
		return
	}

	next := models.ConnectionFailed
	if models.ConnectionStatus(current.Status) == models.ConnectionActive {
		next = models.ConnectionActive
	}
	if err := h.store.UpdateConnectionStatus(r.Context(), existing.ID, next); err != nil {
		h.logger.Error("update connection status failed", "connection_id", existing.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "connection callback failed")
		return
	}

	writeJSON(w, http.StatusOK, connectionCallbackResponse{ID: existing.ID, Status: next})
}

func (h *Handler) handleListConnections(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	conns, err := h.store.ListUserConnections(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list connections failed")
		return
	}
	writeJSON(w, http.StatusOK, conns)
}

type catalogIngestRequest struct {
	AppName string `json:"appName"`
}

// handleCatalogIngest implements §6's administrative ingest endpoint:
// pull tool descriptors from the broker and upsert them into the vector
// namespace named after the app.
func (h *Handler) handleCatalogIngest(w http.ResponseWriter, r *http.Request) {
	var req catalogIngestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AppName == "" {
		writeError(w, http.StatusBadRequest, "appName is required")
		return
	}

	tools, err := h.broker.GetTools(r.Context(), broker.ToolFilter{Apps: []string{req.AppName}})
	if err != nil {
		h.logger.Error("broker getTools failed", "app", req.AppName, "error", err)
		writeError(w, http.StatusInternalServerError, "catalog ingest failed")
		return
	}

	descriptions := make(map[string]string, len(tools))
	for _, t := range tools {
		descriptions[t.Name] = t.Description
	}

	if err := h.vectors.EnsureIndex(r.Context(), req.AppName, h.embedDim); err != nil {
		h.logger.Error("ensure index failed", "app", req.AppName, "error", err)
		writeError(w, http.StatusInternalServerError, "catalog ingest failed")
		return
	}
	if err := vectorcatalog.IndexTools(r.Context(), h.vectors, h.embedder, req.AppName, descriptions, 0); err != nil {
		h.logger.Error("index tools failed", "app", req.AppName, "error", err)
		writeError(w, http.StatusInternalServerError, "catalog ingest failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"ingested": len(descriptions)})
}

func (h *Handler) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	appName := r.URL.Query().Get("appName")
	query := r.URL.Query().Get("userQuery")
	if appName == "" || query == "" {
		writeError(w, http.StatusBadRequest, "appName and userQuery are required")
		return
	}
	topK := 5

	vectors, err := h.embedder.Embed(r.Context(), []string{query})
	if err != nil || len(vectors) == 0 {
		h.logger.Error("embed query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "catalog search failed")
		return
	}

	matches, err := h.vectors.Query(r.Context(), appName, vectors[0], topK, nil)
	if err != nil {
		h.logger.Error("catalog query failed", "app", appName, "error", err)
		writeError(w, http.StatusInternalServerError, "catalog search failed")
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

func (h *Handler) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	if h.reconciler == nil {
		writeError(w, http.StatusNotFound, "reconciliation job not configured")
		return
	}
	result := h.reconciler.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, result)
}
