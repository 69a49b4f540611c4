// Package config provides configuration management for the matrix fabric.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the fabric processes.
type Config struct {
	Hub       HubConfig       `mapstructure:"hub"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Store     StoreConfig     `mapstructure:"store"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	LLM       LLMConfig       `mapstructure:"llm"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HubConfig holds the hub server configuration.
type HubConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	PIN              string `mapstructure:"pin"`              // empty = random, "disabled" = no PIN gate
	Secret           string `mapstructure:"secret"`           // token signing secret, required for production
	TokenExpiryHours int    `mapstructure:"tokenExpiryHours"` // token lifetime
	TLSCert          string `mapstructure:"tlsCert"`
	TLSKey           string `mapstructure:"tlsKey"`
	TLSPassphrase    string `mapstructure:"tlsPassphrase"`
}

// DaemonConfig holds the per-workspace daemon configuration.
type DaemonConfig struct {
	Port        int    `mapstructure:"port"`
	MatrixID    string `mapstructure:"matrixId"`
	DisplayName string `mapstructure:"displayName"`
	HubURL      string `mapstructure:"hubUrl"` // overrides hub.host/hub.port when set
	PIN         string `mapstructure:"pin"`    // PIN presented to the hub on /register
	MaxRetries  int    `mapstructure:"maxRetries"`
	Voice       bool   `mapstructure:"voice"` // speak inbound messages aloud
}

// IndexerConfig holds the vector indexer daemon configuration.
type IndexerConfig struct {
	Port int `mapstructure:"port"`
}

// StoreConfig holds the embedded store configuration.
type StoreConfig struct {
	Dir           string `mapstructure:"dir"` // workspace data directory
	BusyTimeoutMs int    `mapstructure:"busyTimeoutMs"`
}

// EmbeddingConfig holds the embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"` // openai, local
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"baseUrl"`
	APIKey    string `mapstructure:"apiKey"`
	BatchSize int    `mapstructure:"batchSize"`
}

// RetrievalConfig holds hybrid search tuning.
type RetrievalConfig struct {
	VectorWeight     float64 `mapstructure:"vectorWeight"`
	KeywordWeight    float64 `mapstructure:"keywordWeight"`
	ExpansionEnabled bool    `mapstructure:"expansionEnabled"`
	MaxVariants      int     `mapstructure:"maxVariants"`
	CacheSize        int     `mapstructure:"cacheSize"`
	CacheTTLSeconds  int     `mapstructure:"cacheTtlSeconds"`
}

// MemoryConfig identifies the calling workspace context.
type MemoryConfig struct {
	AgentID     int64  `mapstructure:"agentId"` // 0 = orchestrator
	ProjectPath string `mapstructure:"projectPath"`
}

// LLMConfig holds the summarization pass-through configuration. An empty
// base URL disables the remote path; summaries then degrade to extractive.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	BaseURL  string `mapstructure:"baseUrl"`
	APIKey   string `mapstructure:"apiKey"`
}

// GitHubConfig holds the issue sync configuration. An empty repo disables
// the sync sweeps for tasks that carry no repo of their own.
type GitHubConfig struct {
	Repo string `mapstructure:"repo"` // owner/name
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TokenExpiry returns the token lifetime as a time.Duration.
func (h *HubConfig) TokenExpiry() time.Duration {
	return time.Duration(h.TokenExpiryHours) * time.Hour
}

// TLSEnabled reports whether the hub should serve wss://.
func (h *HubConfig) TLSEnabled() bool {
	return h.TLSCert != "" && h.TLSKey != ""
}

// URL returns the base ws:// or wss:// URL of the hub.
func (h *HubConfig) URL() string {
	scheme := "ws"
	if h.TLSEnabled() {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, h.Host, h.Port)
}

// ResolveDir returns the workspace data directory, expanding ~ and
// resolving relative paths against the project path.
func (s *StoreConfig) ResolveDir(projectPath string) string {
	dir := s.Dir
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, dir[2:])
		}
	}
	if !filepath.IsAbs(dir) && projectPath != "" {
		dir = filepath.Join(projectPath, dir)
	}
	return dir
}

// DatabasePath returns the store file path under the data directory.
func (s *StoreConfig) DatabasePath(projectPath string) string {
	return filepath.Join(s.ResolveDir(projectPath), "fabric.db")
}

// BusyTimeout returns the busy timeout as a time.Duration.
func (s *StoreConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMs) * time.Millisecond
}

// CacheTTL returns the retrieval cache TTL as a time.Duration.
func (r *RetrievalConfig) CacheTTL() time.Duration {
	return time.Duration(r.CacheTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("MATRIX_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Hub defaults
	v.SetDefault("hub.host", "localhost")
	v.SetDefault("hub.port", 8081)
	v.SetDefault("hub.pin", "") // empty = generate a random PIN at startup
	v.SetDefault("hub.secret", "")
	v.SetDefault("hub.tokenExpiryHours", 2)
	v.SetDefault("hub.tlsCert", "")
	v.SetDefault("hub.tlsKey", "")
	v.SetDefault("hub.tlsPassphrase", "")

	// Daemon defaults
	v.SetDefault("daemon.port", 37888)
	v.SetDefault("daemon.matrixId", "")
	v.SetDefault("daemon.displayName", "")
	v.SetDefault("daemon.hubUrl", "")
	v.SetDefault("daemon.pin", "")
	v.SetDefault("daemon.maxRetries", 5)
	v.SetDefault("daemon.voice", false)

	// Indexer defaults
	v.SetDefault("indexer.port", 37889)

	// Store defaults - project-local data directory
	v.SetDefault("store.dir", ".matrixfabric")
	v.SetDefault("store.busyTimeoutMs", 5000)

	// Embedding defaults
	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.baseUrl", "")
	v.SetDefault("embedding.apiKey", "")
	v.SetDefault("embedding.batchSize", 32)

	// Retrieval defaults
	v.SetDefault("retrieval.vectorWeight", 0.36)
	v.SetDefault("retrieval.keywordWeight", 0.64)
	v.SetDefault("retrieval.expansionEnabled", false)
	v.SetDefault("retrieval.maxVariants", 4)
	v.SetDefault("retrieval.cacheSize", 100)
	v.SetDefault("retrieval.cacheTtlSeconds", 300)

	// Memory defaults - agent 0 is the orchestrator
	v.SetDefault("memory.agentId", 0)
	v.SetDefault("memory.projectPath", "")

	// LLM defaults - empty base URL degrades summaries to extractive
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.apiKey", "")

	// GitHub defaults
	v.SetDefault("github.repo", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "matrixfabric")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MATRIX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/matrixfabric/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("MATRIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from the derived
	// MATRIX_<SECTION>_<KEY> form. AutomaticEnv does not handle camelCase
	// config keys or the historical unprefixed names, so bind them here.
	_ = v.BindEnv("hub.tokenExpiryHours", "MATRIX_TOKEN_EXPIRY_HOURS")
	_ = v.BindEnv("hub.tlsCert", "MATRIX_HUB_TLS_CERT")
	_ = v.BindEnv("hub.tlsKey", "MATRIX_HUB_TLS_KEY")
	_ = v.BindEnv("hub.tlsPassphrase", "MATRIX_HUB_TLS_PASSPHRASE")
	_ = v.BindEnv("daemon.matrixId", "MATRIX_ID", "MATRIX_DAEMON_MATRIX_ID")
	_ = v.BindEnv("daemon.displayName", "MATRIX_DISPLAY_NAME", "MATRIX_DAEMON_DISPLAY_NAME")
	_ = v.BindEnv("daemon.hubUrl", "MATRIX_DAEMON_HUB_URL")
	_ = v.BindEnv("daemon.maxRetries", "MATRIX_DAEMON_MAX_RETRIES")
	_ = v.BindEnv("daemon.voice", "MATRIX_DAEMON_VOICE")
	_ = v.BindEnv("indexer.port", "INDEXER_DAEMON_PORT", "MATRIX_INDEXER_PORT")
	_ = v.BindEnv("store.busyTimeoutMs", "MATRIX_STORE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("embedding.provider", "EMBEDDING_PROVIDER")
	_ = v.BindEnv("embedding.model", "EMBEDDING_MODEL")
	_ = v.BindEnv("embedding.baseUrl", "EMBEDDING_BASE_URL")
	_ = v.BindEnv("embedding.apiKey", "EMBEDDING_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("embedding.batchSize", "EMBEDDING_BATCH_SIZE")
	_ = v.BindEnv("retrieval.vectorWeight", "VECTOR_WEIGHT", "MATRIX_RETRIEVAL_VECTOR_WEIGHT")
	_ = v.BindEnv("retrieval.keywordWeight", "KEYWORD_WEIGHT", "MATRIX_RETRIEVAL_KEYWORD_WEIGHT")
	_ = v.BindEnv("retrieval.expansionEnabled", "MATRIX_RETRIEVAL_EXPANSION_ENABLED")
	_ = v.BindEnv("llm.provider", "LLM_PROVIDER")
	_ = v.BindEnv("llm.model", "LLM_MODEL")
	_ = v.BindEnv("llm.baseUrl", "LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "LLM_API_KEY")
	_ = v.BindEnv("github.repo", "GITHUB_REPO", "MATRIX_GITHUB_REPO")
	_ = v.BindEnv("memory.agentId", "MEMORY_AGENT_ID")
	_ = v.BindEnv("memory.projectPath", "MEMORY_PROJECT_PATH")
	_ = v.BindEnv("logging.level", "MATRIX_LOG_LEVEL", "MATRIX_LOGGING_LEVEL")
	_ = v.BindEnv("logging.format", "MATRIX_LOG_FORMAT", "MATRIX_LOGGING_FORMAT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/matrixfabric/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Hub.Port <= 0 || cfg.Hub.Port > 65535 {
		errs = append(errs, "hub.port must be between 1 and 65535")
	}
	if cfg.Daemon.Port <= 0 || cfg.Daemon.Port > 65535 {
		errs = append(errs, "daemon.port must be between 1 and 65535")
	}
	if cfg.Indexer.Port <= 0 || cfg.Indexer.Port > 65535 {
		errs = append(errs, "indexer.port must be between 1 and 65535")
	}
	if cfg.Hub.TokenExpiryHours <= 0 {
		errs = append(errs, "hub.tokenExpiryHours must be positive")
	}

	// TLS requires both halves of the key pair
	if (cfg.Hub.TLSCert == "") != (cfg.Hub.TLSKey == "") {
		errs = append(errs, "hub.tlsCert and hub.tlsKey must be set together")
	}

	// Hub secret is generated in dev mode; production must set it explicitly
	if cfg.Hub.Secret == "" {
		cfg.Hub.Secret = generateDevSecret()
	}

	if cfg.Retrieval.VectorWeight < 0 || cfg.Retrieval.VectorWeight > 1 {
		errs = append(errs, "retrieval.vectorWeight must be in [0, 1]")
	}
	if cfg.Retrieval.KeywordWeight < 0 || cfg.Retrieval.KeywordWeight > 1 {
		errs = append(errs, "retrieval.keywordWeight must be in [0, 1]")
	}
	if cfg.Retrieval.CacheSize <= 0 {
		errs = append(errs, "retrieval.cacheSize must be positive")
	}
	if cfg.Embedding.BatchSize <= 0 {
		errs = append(errs, "embedding.batchSize must be positive")
	}
	if cfg.Store.BusyTimeoutMs < 5000 {
		errs = append(errs, "store.busyTimeoutMs must be at least 5000")
	}
	if cfg.Daemon.MaxRetries <= 0 {
		errs = append(errs, "daemon.maxRetries must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, operators must set MATRIX_HUB_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
