// Package router implements §4.3's Router + Tool Preparer: route() picks
// candidate apps and tool names from a static catalog via a structured LLM
// call, prepare() resolves connections, performs per-app vector search,
// and fetches concrete tool descriptors from the broker.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/convoyhq/convoy/internal/agent"
	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/vectorcatalog"
	"github.com/convoyhq/convoy/pkg/models"
)

// ConnectionLookup is the narrow slice of store.ConnectionStore the router
// needs: whether a user has a usable connection for an app.
type ConnectionLookup interface {
	GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error)
}

// ToolFetcher is the narrow slice of broker.Client the router needs to turn
// candidate tool names into full descriptors.
type ToolFetcher interface {
	GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error)
}

const (
	topApps          = 3
	vectorTopK       = 5
	defaultToolPri   = 5
	routeTemperature = 0.1
)

// RouteResult is route()'s structured output: app names and tool names
// drawn from the catalog.
type RouteResult struct {
	AppNames  []string `json:"app_names"`
	ToolNames []string `json:"tool_names"`
}

// PreparedTool is a broker tool descriptor merged into the aggregate set
// a turn's dispatcher will offer the chat model.
type PreparedTool = broker.Tool

// Router is the Router + Tool Preparer collaborator.
type Router struct {
	catalog        Catalog
	routeModel     agent.LLMProvider
	routeModelName string
	cache          *cache.Store
	connections    ConnectionLookup
	vectors        vectorcatalog.Catalog
	embedder       vectorcatalog.Embedder
	broker         ToolFetcher
	concurrency    int
	logger         *slog.Logger
}

// New builds a Router. routeModelName is the model identifier passed
// through to routeModel on each routing call.
func New(catalog Catalog, routeModel agent.LLMProvider, routeModelName string, cacheStore *cache.Store, connections ConnectionLookup,
	vectors vectorcatalog.Catalog, embedder vectorcatalog.Embedder, brokerClient ToolFetcher, concurrency int, logger *slog.Logger) *Router {
	if concurrency <= 0 {
		concurrency = topApps
	}
	return &Router{
		catalog: catalog, routeModel: routeModel, routeModelName: routeModelName, cache: cacheStore, connections: connections,
		vectors: vectors, embedder: embedder, broker: brokerClient, concurrency: concurrency, logger: logger,
	}
}

// Route selects candidate app names and tool names for query via a
// structured-output LLM call over the static catalog (§4.3).
func (r *Router) Route(ctx context.Context, query string, recommendedApps []string) (RouteResult, error) {
	var cached RouteResult
	if ok, err := r.cache.GetJSON(ctx, cache.DomainAppRouting, query, &cached); err == nil && ok {
		return cached, nil
	}

	result, err := r.routeViaModel(ctx, query)
	if err != nil {
		r.logger.Warn("route model failed, falling back to recommended apps", "error", err)
		return RouteResult{AppNames: recommendedApps}, nil
	}

	result.AppNames = r.catalog.FilterApps(result.AppNames)
	result.ToolNames = r.catalog.FilterTools(result.ToolNames)

	_ = r.cache.SetJSON(ctx, cache.DomainAppRouting, query, result)
	return result, nil
}

func (r *Router) routeViaModel(ctx context.Context, query string) (RouteResult, error) {
	catalogJSON, err := json.Marshal(r.catalog)
	if err != nil {
		return RouteResult{}, fmt.Errorf("marshal catalog: %w", err)
	}

	req := &agent.CompletionRequest{
		Model: r.routeModelName,
		System: "You select candidate apps and tools from the given catalog for the user's query. " +
			"Respond with a single JSON object: {\"app_names\": [...], \"tool_names\": [...]}, using only " +
			"names present in the catalog.",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: fmt.Sprintf("Catalog: %s\n\nQuery: %s", catalogJSON, query)},
		},
		MaxTokens:   500,
		Temperature: routeTemperature,
	}

	outcome, err := agent.Collect(ctx, r.routeModel, req)
	if err != nil {
		return RouteResult{}, err
	}

	var result RouteResult
	if err := json.Unmarshal([]byte(outcome.Text), &result); err != nil {
		return RouteResult{}, fmt.Errorf("parse route result: %w", err)
	}
	return result, nil
}

// RequiredConnection is an app the caller must authorize before its tools
// can be used.
type RequiredConnection struct {
	AppName string
	Reason  string
}

// Prepare resolves the merged tool set and any required connections for a
// turn, per §4.3's numbered steps.
func (r *Router) Prepare(ctx context.Context, analysis *models.ComprehensiveAnalysis, query, userID string, initialToolNames []string) ([]PreparedTool, []RequiredConnection, error) {
	route, err := r.Route(ctx, query, analysis.RecommendedApps)
	if err != nil {
		return nil, nil, err
	}

	candidates := prioritize(route.AppNames, analysis.ToolPriorities, topApps)

	results := make([]appPrepareResult, len(candidates))
	sem := make(chan struct{}, r.concurrency)
	var wg sync.WaitGroup

	for i, appName := range candidates {
		wg.Add(1)
		go func(idx int, appName string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}
			results[idx] = r.prepareApp(ctx, appName, query, userID, initialToolNames)
		}(i, appName)
	}
	wg.Wait()

	var mergedTools []PreparedTool
	var required []RequiredConnection
	seen := map[string]bool{}
	for _, res := range results {
		if res.required != nil {
			required = append(required, *res.required)
			continue
		}
		for _, t := range res.tools {
			key := t.AppName + "/" + t.Name
			if seen[key] {
				continue
			}
			seen[key] = true
			mergedTools = append(mergedTools, t)
		}
	}

	return mergedTools, required, nil
}

// appPrepareResult is one candidate app's resolution outcome: either a set
// of ready-to-use tool descriptors, or a connection the caller must
// authorize before the app can be used.
type appPrepareResult struct {
	tools    []PreparedTool
	required *RequiredConnection
}

func (r *Router) prepareApp(ctx context.Context, appName, query, userID string, initialToolNames []string) appPrepareResult {
	conn, err := r.connections.GetConnectionByApp(ctx, userID, appName)
	if err != nil || conn == nil || !conn.Status.Usable() {
		return appPrepareResult{required: &RequiredConnection{AppName: appName, Reason: "no usable connection"}}
	}

	toolsForApp := toolsPrefixedFor(appName, initialToolNames)
	if len(toolsForApp) == 0 {
		toolsForApp = r.vectorSearchTools(ctx, appName, query)
	}

	descriptors, err := r.broker.GetTools(ctx, broker.ToolFilter{Apps: []string{appName}, Actions: toolsForApp})
	if err != nil {
		r.logger.Warn("broker tool fetch failed, skipping app", "app", appName, "error", err)
		return appPrepareResult{}
	}

	return appPrepareResult{tools: descriptors}
}

func toolsPrefixedFor(appName string, initialToolNames []string) []string {
	prefix := appName + "_"
	var out []string
	for _, name := range initialToolNames {
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	return out
}

func (r *Router) vectorSearchTools(ctx context.Context, appName, query string) []string {
	if r.vectors == nil || r.embedder == nil {
		return nil
	}
	cacheKey := appName + "\x1f" + query

	var cached []string
	if ok, err := r.cache.GetJSON(ctx, cache.DomainToolSearch, cacheKey, &cached); err == nil && ok {
		return cached
	}

	vectors, err := r.embedder.Embed(ctx, []string{query})
	if err != nil || len(vectors) == 0 {
		r.logger.Warn("embed query failed", "app", appName, "error", err)
		return nil
	}

	matches, err := r.vectors.Query(ctx, appName, vectors[0], vectorTopK, nil)
	if err != nil {
		r.logger.Warn("vector search failed", "app", appName, "error", err)
		return nil
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.ID)
	}
	_ = r.cache.SetJSON(ctx, cache.DomainToolSearch, cacheKey, names)
	return names
}

func prioritize(appNames []string, priorities []models.ToolPriority, limit int) []string {
	priorityFor := make(map[string]int, len(priorities))
	for _, p := range priorities {
		priorityFor[p.ToolName] = p.Priority
	}

	type scored struct {
		name     string
		priority int
	}
	scoredApps := make([]scored, len(appNames))
	for i, name := range appNames {
		p, ok := priorityFor[name]
		if !ok {
			p = defaultToolPri
		}
		scoredApps[i] = scored{name: name, priority: p}
	}

	sort.SliceStable(scoredApps, func(i, j int) bool {
		return scoredApps[i].priority > scoredApps[j].priority
	})

	if limit > len(scoredApps) {
		limit = len(scoredApps)
	}
	out := make([]string, limit)
	for i := 0; i < limit; i++ {
		out[i] = scoredApps[i].name
	}
	return out
}
