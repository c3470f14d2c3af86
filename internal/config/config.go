// Package config loads and validates Convoy's runtime configuration: the
// server, database, cache, vector catalog, broker and LLM settings every
// pipeline stage (§4.1-4.5) reads at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration structure for Convoy.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Cache        CacheConfig        `yaml:"cache"`
	Vector       VectorConfig       `yaml:"vector"`
	Broker       BrokerConfig       `yaml:"broker"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Auth         AuthConfig         `yaml:"auth"`
	Logging      LoggingConfig      `yaml:"logging"`
	Reconcile    ReconcileConfig    `yaml:"reconcile"`
}

// ServerConfig configures the HTTP and metrics listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig configures the relational store (§4.1, §6).
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// FallbackPath, when set, switches the store to an embedded SQLite
	// database at this path if URL cannot be reached at startup. This is
	// Convoy's degraded-mode store, not part of the primary contract.
	FallbackPath string `yaml:"fallback_path"`
}

// CacheConfig configures the read-through/write-through cache (§4.6).
type CacheConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// TTLs overrides the per-domain defaults enumerated in §4.6. Keys are
	// domain names: user, session, session_summary, message_history,
	// analysis, tool_search, app_routing, connection_status, conversations,
	// user_connections.
	TTLs map[string]time.Duration `yaml:"ttls"`
}

// VectorConfig configures the tool catalog's vector store (§4.7).
type VectorConfig struct {
	// Backend selects the vector store implementation: "pgvector" or "qdrant".
	Backend string `yaml:"backend"`

	// DSN is the PostgreSQL connection string when Backend is "pgvector".
	// If empty, the vector catalog shares Database.URL.
	DSN string `yaml:"dsn"`

	// QdrantURL is the Qdrant gRPC/HTTP endpoint when Backend is "qdrant".
	QdrantURL string `yaml:"qdrant_url"`
	QdrantAPIKey string `yaml:"qdrant_api_key"`

	// Dimension is the embedding vector dimension. Default: 1536.
	Dimension int `yaml:"dimension"`

	// UpsertBatchSize caps tools embedded per upsert request. Default: 100.
	UpsertBatchSize int `yaml:"upsert_batch_size"`
}

// BrokerConfig configures the connection broker client (§6).
type BrokerConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`

	// OAuth configures the broker-driven connection OAuth dance for apps
	// that need interactive authorization during AppConnection.INITIATED.
	OAuth OAuthConfig `yaml:"oauth"`
}

// OAuthConfig holds the client credentials used to complete a broker's
// authorization_url round trip (§4.8).
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
}

// LLMConfig selects the chat and analysis models and holds provider
// credentials (§6).
type LLMConfig struct {
	// ChatModel is the model used by the Dispatcher for tool-tier and
	// conversational-tier responses. Default: "openai:gpt-4o-mini".
	ChatModel string `yaml:"chat_model"`

	// AnalysisModel is the model used by the Analyzer to produce a
	// ComprehensiveAnalysis. Default: "google:gemini-2.0-flash".
	AnalysisModel string `yaml:"analysis_model"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig holds one provider's credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// OrchestratorConfig tunes the pipeline's bounds and thresholds (§4.2-§4.4).
type OrchestratorConfig struct {
	// MaxAgentSteps bounds the Dispatcher's tool-execution DAG. Default: 8.
	MaxAgentSteps int `yaml:"max_agent_steps"`

	// MaxConversationHistory is how many prior messages the Context
	// Initializer loads for packing. Default: 10.
	MaxConversationHistory int `yaml:"max_conversation_history"`

	// ToolTierThreshold is the minimum confidence for the tool-execution
	// tier when requiresToolExecution is true. Default: 0.8.
	ToolTierThreshold float64 `yaml:"tool_tier_threshold"`

	// ClarificationTierThreshold is the minimum confidence for the
	// clarification/simple tier. Default: 0.4.
	ClarificationTierThreshold float64 `yaml:"clarification_tier_threshold"`

	// ToolConcurrency bounds the Dispatcher's fan-out when executing
	// independent steps of the execution DAG concurrently.
	ToolConcurrency int `yaml:"tool_concurrency"`

	// ToolTimeout bounds a single tool invocation via the broker.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	SessionLockTimeout time.Duration `yaml:"session_lock_timeout"`

	// DistributedSessionLock selects the Postgres-backed lease lock
	// (sessionlock.DBLocker) instead of the process-local mutex, for
	// deployments running more than one replica of the core against the
	// same database.
	DistributedSessionLock bool `yaml:"distributed_session_lock"`
}

// AuthConfig configures the admin JWT surface used by connection and
// tool-catalog admin endpoints (a supplemented feature; see SPEC_FULL.md).
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconcileConfig configures the scheduled connection-status reconciliation
// job (a supplemented feature; see SPEC_FULL.md).
type ReconcileConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
}

// Load reads, merges (resolving $include directives) and validates the
// configuration at path, applying environment overrides and defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}

	if cfg.Cache.Host == "" {
		cfg.Cache.Host = "localhost"
	}
	if cfg.Cache.Port == 0 {
		cfg.Cache.Port = 6379
	}
	applyCacheTTLDefaults(&cfg.Cache)

	if cfg.Vector.Backend == "" {
		cfg.Vector.Backend = "pgvector"
	}
	if cfg.Vector.Dimension == 0 {
		cfg.Vector.Dimension = 1536
	}
	if cfg.Vector.UpsertBatchSize == 0 {
		cfg.Vector.UpsertBatchSize = 100
	}

	if cfg.Broker.Timeout == 0 {
		cfg.Broker.Timeout = 30 * time.Second
	}

	if cfg.LLM.ChatModel == "" {
		cfg.LLM.ChatModel = "openai:gpt-4o-mini"
	}
	if cfg.LLM.AnalysisModel == "" {
		cfg.LLM.AnalysisModel = "google:gemini-2.0-flash"
	}

	if cfg.Orchestrator.MaxAgentSteps == 0 {
		cfg.Orchestrator.MaxAgentSteps = 8
	}
	if cfg.Orchestrator.MaxConversationHistory == 0 {
		cfg.Orchestrator.MaxConversationHistory = 10
	}
	if cfg.Orchestrator.ToolTierThreshold == 0 {
		cfg.Orchestrator.ToolTierThreshold = 0.8
	}
	if cfg.Orchestrator.ClarificationTierThreshold == 0 {
		cfg.Orchestrator.ClarificationTierThreshold = 0.4
	}
	if cfg.Orchestrator.ToolConcurrency == 0 {
		cfg.Orchestrator.ToolConcurrency = 4
	}
	if cfg.Orchestrator.ToolTimeout == 0 {
		cfg.Orchestrator.ToolTimeout = 30 * time.Second
	}
	if cfg.Orchestrator.SessionLockTimeout == 0 {
		cfg.Orchestrator.SessionLockTimeout = 30 * time.Second
	}

	if cfg.Auth.TokenExpiry == 0 {
		cfg.Auth.TokenExpiry = 24 * time.Hour
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Reconcile.Schedule == "" {
		cfg.Reconcile.Schedule = "@every 5m"
	}
}

// defaultCacheTTLs mirrors the per-domain TTLs enumerated in §4.6.
func defaultCacheTTLs() map[string]time.Duration {
	return map[string]time.Duration{
		"user":              3600 * time.Second,
		"session":           1800 * time.Second,
		"session_summary":   900 * time.Second,
		"message_history":   300 * time.Second,
		"analysis":          300 * time.Second,
		"tool_search":       300 * time.Second,
		"app_routing":       300 * time.Second,
		"connection_status": 300 * time.Second,
		"conversations":     600 * time.Second,
		"user_connections":  600 * time.Second,
	}
}

func applyCacheTTLDefaults(cfg *CacheConfig) {
	defaults := defaultCacheTTLs()
	if cfg.TTLs == nil {
		cfg.TTLs = defaults
		return
	}
	for domain, ttl := range defaults {
		if _, ok := cfg.TTLs[domain]; !ok {
			cfg.TTLs[domain] = ttl
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := strings.TrimSpace(os.Getenv("CONVOY_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("CONVOY_HTTP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_HOST")); v != "" {
		cfg.Cache.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_PASSWORD")); v != "" {
		cfg.Cache.Password = v
	}
	if v := strings.TrimSpace(os.Getenv("CHAT_MODEL")); v != "" {
		cfg.LLM.ChatModel = v
	}
	if v := strings.TrimSpace(os.Getenv("ANALYSIS_MODEL")); v != "" {
		cfg.LLM.AnalysisModel = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_AGENT_STEPS")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxAgentSteps = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONVERSATION_HISTORY")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxConversationHistory = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("CACHE_TTL")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			d := time.Duration(parsed) * time.Second
			for domain := range defaultCacheTTLs() {
				cfg.Cache.TTLs[domain] = d
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("BROKER_API_KEY")); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

// ConfigValidationError collects every validation failure found in a single
// pass so operators fix configuration in one cycle instead of one error at a
// time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	var issues []string

	if strings.TrimSpace(cfg.Database.URL) == "" && strings.TrimSpace(cfg.Database.FallbackPath) == "" {
		issues = append(issues, "database.url or database.fallback_path must be set")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Vector.Backend)) {
	case "pgvector", "qdrant":
	default:
		issues = append(issues, "vector.backend must be \"pgvector\" or \"qdrant\"")
	}
	if cfg.Vector.Dimension <= 0 {
		issues = append(issues, "vector.dimension must be > 0")
	}

	if cfg.Orchestrator.MaxAgentSteps <= 0 {
		issues = append(issues, "orchestrator.max_agent_steps must be > 0")
	}
	if cfg.Orchestrator.MaxConversationHistory <= 0 {
		issues = append(issues, "orchestrator.max_conversation_history must be > 0")
	}
	if cfg.Orchestrator.ToolTierThreshold <= cfg.Orchestrator.ClarificationTierThreshold {
		issues = append(issues, "orchestrator.tool_tier_threshold must be greater than orchestrator.clarification_tier_threshold")
	}
	if cfg.Orchestrator.ToolTierThreshold < 0 || cfg.Orchestrator.ToolTierThreshold > 1 {
		issues = append(issues, "orchestrator.tool_tier_threshold must be between 0 and 1")
	}
	if cfg.Orchestrator.ClarificationTierThreshold < 0 || cfg.Orchestrator.ClarificationTierThreshold > 1 {
		issues = append(issues, "orchestrator.clarification_tier_threshold must be between 0 and 1")
	}

	if jwtSecret := strings.TrimSpace(cfg.Auth.JWTSecret); jwtSecret != "" && len(jwtSecret) < 32 {
		issues = append(issues, "auth.jwt_secret must be at least 32 characters for security")
	}

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
