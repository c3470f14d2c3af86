package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/convoyhq/convoy/pkg/models"
)

// SQLiteStore is the degraded-mode fallback store (config.DatabaseConfig's
// FallbackPath): same Store contract as PostgresStore, backed by a local
// file so a single-node deployment keeps working through a Postgres outage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and creates, if missing) a SQLite database at path
// and applies the relational schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid lock contention

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	if err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT UNIQUE,
	name TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	token TEXT,
	active BOOLEAN NOT NULL DEFAULT 1,
	summary TEXT,
	started_at TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	title TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	tool_calls TEXT,
	analysis TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS app_connections (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	app_name TEXT NOT NULL,
	connected_account_id TEXT,
	status TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(user_id, app_name)
);
`

func sqliteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at, updated_at) VALUES (?,?,?,?,?)`,
		user.ID, user.Email, user.Name, user.CreatedAt, user.UpdatedAt)
	if sqliteUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE id = ?`, id)
	return sqliteScanUser(row)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at, updated_at FROM users WHERE email = ?`, email)
	return sqliteScanUser(row)
}

func sqliteScanUser(row *sql.Row) (*models.User, error) {
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

func (s *SQLiteStore) CreateSession(ctx context.Context, session *models.Session) error {
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
		 VALUES (?,?,?,?,?,?,?,?)`,
		session.ID, session.UserID, session.Token, session.Active, summaryJSON,
		session.StartedAt, session.LastActivityAt, session.UpdatedAt)
	if sqliteUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token, active, summary, started_at, last_activity_at, updated_at
		 FROM sessions WHERE id = ?`, id)

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

func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ?, updated_at = ? WHERE id = ?`, time.Now(), time.Now(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return sqliteCheckAffected(res)
}

func (s *SQLiteStore) UpdateSessionSummary(ctx context.Context, id string, summary *models.ConversationSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?`, summaryJSON, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	return sqliteCheckAffected(res)
}

func sqliteCheckAffected(res sql.Result) error {
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

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, title, created_at, updated_at) VALUES (?,?,?,?,?)`,
		conv.ID, conv.SessionID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
	if sqliteUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations WHERE id = ?`, id)
	return sqliteScanConversation(row)
}

func (s *SQLiteStore) GetCurrentConversation(ctx context.Context, sessionID string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return sqliteScanConversation(row)
}

func sqliteScanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	if err := row.Scan(&c.ID, &c.SessionID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, sessionID string, limit int) ([]*models.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, title, created_at, updated_at FROM conversations
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
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

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
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
		 VALUES (?,?,?,?,?,?,?,?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, toolCallsJSON, analysisJSON, metadataJSON, msg.CreatedAt)
	if sqliteUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, tool_calls, analysis, metadata, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC LIMIT ?`, conversationID, limit)
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

func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *models.AppConnection) error {
	metadataJSON, err := json.Marshal(conn.Metadata)
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO app_connections (id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at)
		 VALUES (?,?,?,?,?,?,?,?)`,
		conn.ID, conn.UserID, conn.AppName, conn.ConnectedAccountID, string(conn.Status), metadataJSON, conn.CreatedAt, conn.UpdatedAt)
	if sqliteUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*models.AppConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE id = ?`, id)
	return sqliteScanConnection(row)
}

func (s *SQLiteStore) GetConnectionByApp(ctx context.Context, userID, appName string) (*models.AppConnection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE user_id = ? AND app_name = ?
		 ORDER BY created_at DESC LIMIT 1`, userID, appName)
	return sqliteScanConnection(row)
}

func sqliteScanConnection(row *sql.Row) (*models.AppConnection, error) {
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

func (s *SQLiteStore) UpdateConnectionStatus(ctx context.Context, id string, status models.ConnectionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE app_connections SET status = ?, updated_at = ? WHERE id = ?`, string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	return sqliteCheckAffected(res)
}

func (s *SQLiteStore) ListUserConnections(ctx context.Context, userID string) ([]*models.AppConnection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user connections: %w", err)
	}
	defer rows.Close()
	return sqliteScanConnections(rows)
}

func (s *SQLiteStore) ListActiveOlderThanSeconds(ctx context.Context, maxAgeSeconds int64) ([]*models.AppConnection, error) {
	cutoff := time.Now().Add(-time.Duration(maxAgeSeconds) * time.Second)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, app_name, connected_account_id, status, metadata, created_at, updated_at
		 FROM app_connections WHERE status = ? AND updated_at < ?`,
		string(models.ConnectionActive), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale active connections: %w", err)
	}
	defer rows.Close()
	return sqliteScanConnections(rows)
}

func sqliteScanConnections(rows *sql.Rows) ([]*models.AppConnection, error) {
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
