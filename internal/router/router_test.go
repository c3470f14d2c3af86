package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/convoyhq/convoy/internal/agent"
	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/pkg/models"
)

// fakeProvider returns a fixed route JSON response, or fails if failErr is set.
type fakeProvider struct {
	responseJSON string
	failErr      error
}

func (p *fakeProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	ch := make(chan *agent.CompletionChunk, 1)
	go func() {
		defer close(ch)
		if p.failErr != nil {
			ch <- &agent.CompletionChunk{Error: p.failErr}
			return
		}
		ch <- &agent.CompletionChunk{Text: p.responseJSON, Done: true}
	}()
	return ch, nil
}
func (p *fakeProvider) Name() string          { return "fake" }
func (p *fakeProvider) Models() []agent.Model { return nil }
func (p *fakeProvider) SupportsTools() bool   { return true }

// fakeConnections reports every app in active as usable.
type fakeConnections struct {
	active map[string]bool
}

func (f *fakeConnections) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	if f.active[appName] {
		return &models.AppConnection{AppName: appName, Status: models.ConnectionActive}, nil
	}
	return nil, errors.New("not found")
}

// fakeBroker returns one tool per requested app.
type fakeBroker struct {
	calls []broker.ToolFilter
}

func (f *fakeBroker) GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error) {
	f.calls = append(f.calls, filter)
	var out []broker.Tool
	for _, app := range filter.Apps {
		out = append(out, broker.Tool{Name: app + "_send", AppName: app})
	}
	return out, nil
}

func newTestRouter(t *testing.T, catalog Catalog, provider agent.LLMProvider, connections *fakeConnections) (*Router, *fakeBroker) {
	t.Helper()
	cacheStore := cache.NewStore(newMemCache(), cache.TTLs{})
	fb := &fakeBroker{}
	r := New(catalog, provider, "test-model", cacheStore, connections, nil, nil, fb, 2, slog.Default())
	return r, fb
}

func TestRouteFiltersAgainstCatalog(t *testing.T) {
	catalog := Catalog{"gmail": {"send_email": "send an email"}}
	provider := &fakeProvider{responseJSON: `{"app_names":["gmail","unknown_app"],"tool_names":["send_email","bogus_tool"]}`}
	r, _ := newTestRouter(t, catalog, provider, &fakeConnections{})

	result, err := r.Route(context.Background(), "send an email to bob", nil)
	if err != nil {
		t.Fatalf("Route() error = %v", err)
	}
	if len(result.AppNames) != 1 || result.AppNames[0] != "gmail" {
		t.Fatalf("AppNames = %v, want [gmail]", result.AppNames)
	}
	if len(result.ToolNames) != 1 || result.ToolNames[0] != "send_email" {
		t.Fatalf("ToolNames = %v, want [send_email]", result.ToolNames)
	}
}

func TestRouteFallsBackToRecommendedAppsOnModelFailure(t *testing.T) {
	catalog := Catalog{"gmail": {"send_email": "send an email"}}
	provider := &fakeProvider{failErr: errors.New("model unavailable")}
	r, _ := newTestRouter(t, catalog, provider, &fakeConnections{})

	result, err := r.Route(context.Background(), "send an email", []string{"gmail"})
	if err != nil {
		t.Fatalf("Route() error = %v, want nil (fallback path)", err)
	}
	if len(result.AppNames) != 1 || result.AppNames[0] != "gmail" {
		t.Fatalf("AppNames = %v, want fallback [gmail]", result.AppNames)
	}
}

func TestRouteCachesResult(t *testing.T) {
	catalog := Catalog{"gmail": {"send_email": "send an email"}}
	provider := &fakeProvider{responseJSON: `{"app_names":["gmail"],"tool_names":["send_email"]}`}
	r, _ := newTestRouter(t, catalog, provider, &fakeConnections{})

	ctx := context.Background()
	if _, err := r.Route(ctx, "send an email", nil); err != nil {
		t.Fatalf("first Route() error = %v", err)
	}

	provider.failErr = errors.New("should not be called again")
	result, err := r.Route(ctx, "send an email", nil)
	if err != nil {
		t.Fatalf("second Route() error = %v, want cached hit", err)
	}
	if len(result.AppNames) != 1 || result.AppNames[0] != "gmail" {
		t.Fatalf("cached AppNames = %v", result.AppNames)
	}
}

func TestPrepareResolvesConnectedAppsAndFlagsMissingOnes(t *testing.T) {
	catalog := Catalog{
		"gmail":   {"send_email": "send an email"},
		"calendar": {"create_event": "create a calendar event"},
	}
	provider := &fakeProvider{responseJSON: `{"app_names":["gmail","calendar"],"tool_names":["gmail_send_email"]}`}
	connections := &fakeConnections{active: map[string]bool{"gmail": true}}
	r, fb := newTestRouter(t, catalog, provider, connections)

	analysis := &models.ComprehensiveAnalysis{
		RecommendedApps: []string{"gmail", "calendar"},
		ToolPriorities: []models.ToolPriority{
			{ToolName: "gmail", Priority: 9},
			{ToolName: "calendar", Priority: 3},
		},
	}

	tools, required, err := r.Prepare(context.Background(), analysis, "schedule and email", "user-1", []string{"gmail_send_email"})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	if len(required) != 1 || required[0].AppName != "calendar" {
		t.Fatalf("required = %+v, want [calendar]", required)
	}
	if len(tools) != 1 || tools[0].AppName != "gmail" {
		t.Fatalf("tools = %+v, want one gmail tool", tools)
	}
	if len(fb.calls) != 1 {
		t.Fatalf("broker calls = %d, want 1 (only the connected app)", len(fb.calls))
	}
}

func TestPrioritizeOrdersByPriorityAndLimits(t *testing.T) {
	apps := []string{"a", "b", "c", "d"}
	priorities := []models.ToolPriority{
		{ToolName: "a", Priority: 1},
		{ToolName: "b", Priority: 9},
		{ToolName: "c", Priority: 5},
	}
	got := prioritize(apps, priorities, 3)
	want := []string{"b", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("prioritize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("prioritize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// memCache is a minimal in-process cache.Cache for tests, avoiding a Redis
// dependency.
type memCache struct {
	entries map[string][]byte
}

func newMemCache() *memCache { return &memCache{entries: map[string][]byte{}} }

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := c.entries[key]
	return v, ok, nil
}
func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.entries[key] = value
	return nil
}
func (c *memCache) Delete(ctx context.Context, key string) error {
	delete(c.entries, key)
	return nil
}

