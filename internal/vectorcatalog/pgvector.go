package vectorcatalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVectorCatalog is the pgvector-backed Catalog implementation. Each
// namespace (appName) gets its own table, mirroring §4.7's "namespaces
// equal appName" index-per-app model.
type PGVectorCatalog struct {
	pool *pgxpool.Pool
}

// NewPGVectorCatalog opens a pgvector-backed catalog against dsn and
// ensures the pgvector extension is available.
func NewPGVectorCatalog(ctx context.Context, dsn string) (*PGVectorCatalog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgvector pool: %w", err)
	}
	if _, err := pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		pool.Close()
		return nil, fmt.Errorf("enable vector extension: %w", err)
	}
	return &PGVectorCatalog{pool: pool}, nil
}

func (c *PGVectorCatalog) tableName(namespace string) string {
	return fmt.Sprintf("tool_embeddings_%s", sanitizeIdentifier(namespace))
}

func sanitizeIdentifier(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (c *PGVectorCatalog) EnsureIndex(ctx context.Context, namespace string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id TEXT PRIMARY KEY,
	embedding vector(%d),
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb
)`, c.tableName(namespace), dim))
	if err != nil {
		return fmt.Errorf("ensure index %s: %w", namespace, err)
	}
	return nil
}

func (c *PGVectorCatalog) Upsert(ctx context.Context, namespace string, items []Item) error {
	table := c.tableName(namespace)
	for start := 0; start < len(items); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		tx, err := c.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin upsert batch: %w", err)
		}
		for _, item := range batch {
			_, err := tx.Exec(ctx, fmt.Sprintf(`
INSERT INTO %s (id, embedding, metadata) VALUES ($1, $2::vector, $3)
ON CONFLICT (id) DO UPDATE SET embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata`, table),
				item.ID, vectorLiteral(item.Vector), metadataJSON(item.Metadata))
			if err != nil {
				_ = tx.Rollback(ctx)
				return fmt.Errorf("upsert %s: %w", item.ID, err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit upsert batch: %w", err)
		}
	}
	return nil
}

func (c *PGVectorCatalog) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}
	table := c.tableName(namespace)
	vecLit := vectorLiteral(vector)

	query := fmt.Sprintf(`SELECT id, 1 - (embedding <=> $1::vector) AS score, metadata
		FROM %s %s ORDER BY embedding <=> $1::vector LIMIT $2`, table, whereClauseFor(filter))

	args := []any{vecLit, topK}
	if len(filter) > 0 {
		args = append(args, metadataJSON(filter))
	}

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", namespace, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var metadata map[string]string
		if err := rows.Scan(&m.ID, &m.Score, &metadata); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		m.Metadata = metadata
		out = append(out, m)
	}
	return out, rows.Err()
}

func whereClauseFor(filter map[string]string) string {
	if len(filter) == 0 {
		return ""
	}
	return "WHERE metadata @> $3"
}

func (c *PGVectorCatalog) Close() error {
	c.pool.Close()
	return nil
}

func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}

func metadataJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
