package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/convoyhq/convoy/pkg/models"
)

// PostgresConfig tunes the connection pool backing a PostgresStore.
type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns sane pool defaults.
func DefaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

// PostgresStore is the primary relational store (§3, §6).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens and pings a Postgres connection at dsn.
func NewPostgresStore(dsn string, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, postgresSchema)
	if err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE,
	name TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	token TEXT,
	active BOOLEAN NOT NULL DEFAULT true,
	summary JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	title TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls JSONB,
	analysis JSONB,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conversation_id_created_at_idx ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS app_connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	app_name TEXT NOT NULL,
	connected_account_id TEXT,
	status TEXT NOT NULL,
	metadata JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (user_id, app_name)
);
CREATE INDEX IF NOT EXISTS app_connections_status_updated_at_idx ON app_connections (status, updated_at);

CREATE TABLE IF NOT EXISTS session_locks (
	session_id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool. It exists so a multi-replica
// deployment can back a sessionlock.DBLocker with the same database the
// store already uses, instead of opening a second pool.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate")
}

// --- users ---

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// --- sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, session *models.Session) error {
	var summaryJSON []byte
	var err error
	if session.Summary != nil {
		summaryJSON, err = json.Marshal(session.Summary)
		if err != nil {
			return fmt.Errorf("marshal session summary: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, token, active, summary, started_at, last_activity_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		session.ID, session.UserID, session.Token, session.Active, summaryJSON,
		session.StartedAt, session.LastActivityAt, session.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, active, summary, started_at, last_activity_at, updated_at
		 FROM sessions WHERE id = $1`, id)

	var sess models.Session
	var summaryJSON []byte
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.Active, &summaryJSON,
		&sess.StartedAt, &sess.LastActivityAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(summaryJSON) > 0 {
		var summary models.ConversationSummary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return nil, fmt.Errorf("unmarshal session summary: %w", err)
		}
		sess.Summary = &summary
	}
	return &sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = now(), updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) UpdateSessionSummary(ctx context.Context, id string, summary *models.ConversationSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = $2, updated_at = now() WHERE id = $1`, id, summaryJSON)
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	return checkAffected(res)
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- conversations ---

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, title, created_at, updated_at) VALUES ($1,$2,$3,$4,$5)`,
		conv.ID, conv.SessionID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations WHERE id = $1`, id)
	return scanConversation(row)
}

func (s *PostgresStore) GetCurrentConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConversations(ctx context.Context, sessionID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations
		 WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- messages ---

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	var analysisJSON []byte
	if msg.Analysis != nil {
		analysisJSON, err = json.Marshal(msg.Analysis)
		if err != nil {
			return fmt.Errorf("marshal analysis: %w", err)
		}
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tool_calls, analysis, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, toolCallsJSON, analysisJSON, metadataJSON, msg.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, analysis, metadata, created_at
		 FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var toolCallsJSON, analysisJSON, metadataJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &toolCallsJSON, &analysisJSON, &metadataJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(analysisJSON) > 0 {
			var analysis models.ComprehensiveAnalysis
			if err := json.Unmarshal(analysisJSON, &analysis); err != nil {
				return nil, fmt.Errorf("unmarshal analysis: %w", err)
			}
			m.Analysis = &analysis
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// --- app connections ---

func (s *PostgresStore) CreateConnection(ctx context.Context, conn *models.AppConnection) error {
	metadataJSON, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_connections (id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		conn.ID, conn.UserID, conn.AppName, conn.ConnectedAccountID, string(conn.Status), metadataJSON, conn.CreatedAt, conn.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConnection(ctx context.Context, id string) (*models.AppConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (s *PostgresStore) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE user_id = $1 AND app_name = $2
		 ORDER BY created_at DESC LIMIT 1`, userID, appName)
	return scanConnection(row)
}

func scanConnection(row *sql.Row) (*models.AppConnection, error) {
	var c models.AppConnection
	var status string
	var metadataJSON []byte
	if err := row.Scan(&c.ID, &c.UserID, &c.AppName, &c.ConnectedAccountID, &status, &metadataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.Status = models.ConnectionStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal connection metadata: %w", err)
		}
	}
	return &c, nil
}

func (s *PostgresStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE app_connections SET status = $2, updated_at = now() WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return checkAffected(res)
}

func (s *PostgresStore) ListUserConnections(ctx context.Context, userID string) ([]*models.AppConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user connections: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (s *PostgresStore) ListActiveOlderThanSeconds(ctx context.Context, maxAgeSeconds int64) ([]*models.AppConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE status = $1 AND updated_at < now() - ($2 * interval '1 second')`,
		string(models.ConnectionActive), maxAgeSeconds)
	if err != nil {
		return nil, fmt.Errorf("list stale active connections: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func scanConnections(rows *sql.Rows) ([]*models.AppConnection, error) {
	var out []*models.AppConnection
	for rows.Next() {
		var c models.AppConnection
		var status string
		var metadataJSON []byte
		if err := rows.Scan(&c.ID, &c.UserID, &c.AppName, &c.ConnectedAccountID, &status, &metadataJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.Status = models.ConnectionStatus(status)
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &c.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal connection metadata: %w", err)
			}
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
