// Package vectorcatalog is the tool catalog's vector index (§4.7): one
// namespace per app, cosine similarity over embeddings of
// "<toolName>: <description>", used by the router to narrow a large tool
// surface down to a handful of candidates per turn.
package vectorcatalog

import (
	"context"
	"fmt"
)

// Match is a single nearest-neighbor hit.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Item is one vector to upsert, keyed by tool name within its namespace.
type Item struct {
	ID       string
	Vector   []float32
	Metadata map[string]string
}

// Embedder turns a tool's catalog text into a vector. Swappable so the
// catalog never depends on a concrete embedding provider.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Catalog is the per-namespace (appName) vector index contract from §4.7.
type Catalog interface {
	// EnsureIndex creates the namespace's index if it doesn't already
	// exist, at the given dimension with cosine distance.
	EnsureIndex(ctx context.Context, namespace string, dim int) error
	Upsert(ctx context.Context, namespace string, items []Item) error
	Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]Match, error)
	Close() error
}

// UpsertBatchSize is the default cap on items sent per upsert request (§4.7).
const UpsertBatchSize = 100

// ToolText renders the embedding input string for a tool, per §4.7's
// ingestion contract.
func ToolText(toolName, description string) string {
	return fmt.Sprintf("%s: %s", toolName, description)
}

// IndexTools embeds and upserts a batch of (toolName, description) pairs
// into namespace, chunking at batchSize (UpsertBatchSize when <= 0).
func IndexTools(ctx context.Context, cat Catalog, embedder Embedder, namespace string, tools map[string]string, batchSize int) error {
	if batchSize <= 0 {
		batchSize = UpsertBatchSize
	}

	names := make([]string, 0, len(tools))
	texts := make([]string, 0, len(tools))
	for name, desc := range tools {
		names = append(names, name)
		texts = append(texts, ToolText(name, desc))
	}

	for start := 0; start < len(names); start += batchSize {
		end := start + batchSize
		if end > len(names) {
			end = len(names)
		}

		vectors, err := embedder.Embed(ctx, texts[start:end])
		if err != nil {
			return fmt.Errorf("embed tool batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != end-start {
			return fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), end-start)
		}

		items := make([]Item, end-start)
		for i := range items {
			items[i] = Item{
				ID:       names[start+i],
				Vector:   vectors[i],
				Metadata: map[string]string{"tool_name": names[start+i]},
			}
		}
		if err := cat.Upsert(ctx, namespace, items); err != nil {
			return fmt.Errorf("upsert tool batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}
