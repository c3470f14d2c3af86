package vectorcatalog

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// qdrantOriginalIDField stores a tool name alongside its point when the
// name isn't itself a valid Qdrant point ID (UUID or uint64).
const qdrantOriginalIDField = "_original_id"

// QdrantCatalog is the Qdrant-backed Catalog implementation. Each
// namespace (appName) maps to one collection.
type QdrantCatalog struct {
	client *qdrant.Client
}

// NewQdrantCatalog dials the Qdrant gRPC endpoint described by dsn, e.g.
// "http://localhost:6334?api_key=...".
func NewQdrantCatalog(dsn string) (*QdrantCatalog, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse qdrant dsn: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	cfg := &qdrant.Config{Host: host, Port: port}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}

	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create qdrant client: %w", err)
	}
	return &QdrantCatalog{client: client}, nil
}

func (q *QdrantCatalog) EnsureIndex(ctx context.Context, namespace string, dim int) error {
	exists, err := q.client.CollectionExists(ctx, namespace)
	if err != nil {
		return fmt.Errorf("check collection %s: %w", namespace, err)
	}
	if exists {
		return nil
	}
	if dim <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: namespace,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dim),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", namespace, err)
	}
	return nil
}

func qdrantPointID(id string) (pointUUID string, original string) {
	if _, err := uuid.Parse(id); err == nil {
		return id, ""
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), id
}

func (q *QdrantCatalog) Upsert(ctx context.Context, namespace string, items []Item) error {
	for start := 0; start < len(items); start += UpsertBatchSize {
		end := start + UpsertBatchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[start:end]

		points := make([]*qdrant.PointStruct, len(batch))
		for i, item := range batch {
			pointUUID, original := qdrantPointID(item.ID)
			payload := make(map[string]any, len(item.Metadata)+1)
			for k, v := range item.Metadata {
				payload[k] = v
			}
			if original != "" {
				payload[qdrantOriginalIDField] = original
			}
			points[i] = &qdrant.PointStruct{
				Id:      qdrant.NewIDUUID(pointUUID),
				Vectors: qdrant.NewVectorsDense(item.Vector),
				Payload: qdrant.NewValueMap(payload),
			}
		}

		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: namespace,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("upsert batch into %s: %w", namespace, err)
		}
	}
	return nil
}

func (q *QdrantCatalog) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]Match, error) {
	if topK <= 0 {
		topK = 10
	}

	var queryFilter *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		queryFilter = &qdrant.Filter{Must: must}
	}

	limit := uint64(topK)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: namespace,
		Query:          qdrant.NewQueryDense(vector),
		Limit:          &limit,
		Filter:         queryFilter,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", namespace, err)
	}

	out := make([]Match, 0, len(hits))
	for _, hit := range hits {
		id := hit.Id.GetUuid()
		metadata := make(map[string]string, len(hit.Payload))
		for k, v := range hit.Payload {
			if k == qdrantOriginalIDField {
				id = v.GetStringValue()
				continue
			}
			metadata[k] = v.GetStringValue()
		}
		out = append(out, Match{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	return out, nil
}

func (q *QdrantCatalog) Close() error {
	return q.client.Close()
}
