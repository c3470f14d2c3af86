package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/internal/vectorcatalog"
	"github.com/convoyhq/convoy/pkg/models"
)

type fakeStore struct {
	store.Store
	conns      map[string]*models.AppConnection
	byApp      map[string]*models.AppConnection
	statusSet  map[string]models.ConnectionStatus
	createErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		conns:     map[string]*models.AppConnection{},
		byApp:     map[string]*models.AppConnection{},
		statusSet: map[string]models.ConnectionStatus{},
	}
}

func (s *fakeStore) CreateConnection(ctx context.Context, conn *models.AppConnection) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.conns[conn.ID] = conn
	s.byApp[conn.UserID+"\x1f"+conn.AppName] = conn
	return nil
}

func (s *fakeStore) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	conn, ok := s.byApp[userID+"\x1f"+appName]
	if !ok {
		return nil, store.ErrNotFound
	}
	return conn, nil
}

func (s *fakeStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	s.statusSet[id] = status
	return nil
}

func (s *fakeStore) ListUserConnections(ctx context.Context, userID string) ([]*models.AppConnection, error) {
	var out []*models.AppConnection
	for _, c := range s.conns {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeBroker struct {
	conn *broker.Connection
	err  error
}

func (b *fakeBroker) Initiate(ctx context.Context, appName, entityID string) (*broker.Connection, error) {
	return b.conn, b.err
}

func (b *fakeBroker) Get(ctx context.Context, connectedAccountID string) (*broker.Connection, error) {
	return b.conn, b.err
}

func (b *fakeBroker) GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error) {
	return nil, nil
}

type fakeCatalog struct {
	upserted  []vectorcatalog.Item
	ensureDim int
	matches   []vectorcatalog.Match
}

func (c *fakeCatalog) EnsureIndex(ctx context.Context, namespace string, dim int) error {
	c.ensureDim = dim
	return nil
}

func (c *fakeCatalog) Upsert(ctx context.Context, namespace string, items []vectorcatalog.Item) error {
	c.upserted = append(c.upserted, items...)
	return nil
}

func (c *fakeCatalog) Query(ctx context.Context, namespace string, vector []float32, topK int, filter map[string]string) ([]vectorcatalog.Match, error) {
	return c.matches, nil
}

func (c *fakeCatalog) Close() error { return nil }

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2}
	}
	return out, nil
}

func TestHandleChatRejectsMissingFields(t *testing.T) {
	h := New(Config{Store: newFakeStore()})
	body, _ := json.Marshal(map[string]string{"userId": "u1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleConnectionInitiateCreatesRecord(t *testing.T) {
	st := newFakeStore()
	br := &fakeBroker{conn: &broker.Connection{ConnectedAccountID: "acc-1", AuthorizationURL: "https://example.test/auth"}}
	h := New(Config{Store: st, Broker: br})

	body, _ := json.Marshal(connectionInitiateRequest{AppName: "gmail", UserID: "u1"})
	req := httptest.NewRequest(http.MethodPost, "/v1/connections/initiate", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	var resp connectionInitiateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ConnectedAccountID != "acc-1" {
		t.Errorf("ConnectedAccountID = %q, want acc-1", resp.ConnectedAccountID)
	}
	if len(st.conns) != 1 {
		t.Errorf("expected 1 persisted connection, got %d", len(st.conns))
	}
}

func TestHandleConnectionCallbackPromotesToActive(t *testing.T) {
	st := newFakeStore()
	_ = st.CreateConnection(context.Background(), &models.AppConnection{
		ID: "conn-1", UserID: "u1", AppName: "gmail",
		ConnectedAccountID: "acc-1", Status: models.ConnectionInitiated,
	})
	br := &fakeBroker{conn: &broker.Connection{ConnectedAccountID: "acc-1", Status: "ACTIVE"}}
	h := New(Config{Store: st, Broker: br})

	body, _ := json.Marshal(connectionCallbackRequest{ConnectedAccountID: "acc-1", UserID: "u1", AppName: "gmail"})
	req := httptest.NewRequest(http.MethodPost, "/v1/connections/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if st.statusSet["conn-1"] != models.ConnectionActive {
		t.Errorf("status set = %v, want ACTIVE", st.statusSet["conn-1"])
	}
}

func TestHandleConnectionCallbackFailsWithoutPendingConnection(t *testing.T) {
	st := newFakeStore()
	br := &fakeBroker{conn: &broker.Connection{ConnectedAccountID: "acc-1", Status: "ACTIVE"}}
	h := New(Config{Store: st, Broker: br})

	body, _ := json.Marshal(connectionCallbackRequest{ConnectedAccountID: "acc-1", UserID: "u1", AppName: "gmail"})
	req := httptest.NewRequest(http.MethodPost, "/v1/connections/callback", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleCatalogIngestUsesEmbeddingDimension(t *testing.T) {
	cat := &fakeCatalog{}
	h := New(Config{
		Store:              newFakeStore(),
		Broker:             &fakeBroker{},
		Vectors:            cat,
		Embedder:           fakeEmbedder{},
		EmbeddingDimension: 1536,
	})

	body, _ := json.Marshal(catalogIngestRequest{AppName: "gmail"})
	req := httptest.NewRequest(http.MethodPost, "/admin/catalog/ingest", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if cat.ensureDim != 1536 {
		t.Errorf("ensureDim = %d, want 1536", cat.ensureDim)
	}
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", bytes.NewReader([]byte(`{"unknown":"x"}`)))
	rec := httptest.NewRecorder()
	var dst chatRequest
	if err := decodeJSON(rec, req, &dst); err == nil {
		t.Fatal("expected error decoding unknown field")
	}
}
