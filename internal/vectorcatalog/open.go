package vectorcatalog

import (
	"context"
	"fmt"

	"github.com/convoyhq/convoy/internal/config"
)

// Open constructs the configured Catalog backend ("pgvector" or "qdrant").
func Open(ctx context.Context, cfg config.VectorConfig, databaseURL string) (Catalog, error) {
	switch cfg.Backend {
	case "", "pgvector":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = databaseURL
		}
		return NewPGVectorCatalog(ctx, dsn)
	case "qdrant":
		return NewQdrantCatalog(cfg.QdrantURL)
	default:
		return nil, fmt.Errorf("unknown vector catalog backend %q", cfg.Backend)
	}
}
