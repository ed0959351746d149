// Package config loads engine configuration from defaults, an optional YAML
// file, and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Generator GeneratorConfig `yaml:"generator"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Cache     CacheConfig     `yaml:"cache"`
	Session   SessionConfig   `yaml:"session"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
}

// QdrantConfig holds vector index settings
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"-"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// EmbeddingConfig holds embedding producer settings
type EmbeddingConfig struct {
	Model          string `yaml:"model"`
	Dimensions     int    `yaml:"dimensions"`
	MaxBatchSize   int    `yaml:"max_batch_size"`
	RequestTimeout int    `yaml:"request_timeout_seconds"`
}

// GeneratorConfig selects and configures the LLM backend. Exactly one of
// OpenAIAPIKey or OllamaBaseURL must be set.
type GeneratorConfig struct {
	OpenAIAPIKey      string  `yaml:"-"`
	OpenAIModel       string  `yaml:"openai_model"`
	OllamaBaseURL     string  `yaml:"ollama_base_url"`
	OllamaModel       string  `yaml:"ollama_model"`
	RequestTimeout    int     `yaml:"request_timeout_seconds"`
	ExtractionTokens  int     `yaml:"extraction_max_tokens"`
	SummaryTokens     int     `yaml:"summary_max_tokens"`
	ExtractionTemp    float64 `yaml:"extraction_temperature"`
	SummarizationTemp float64 `yaml:"summarization_temperature"`
}

// Backend names for the generator
const (
	BackendOpenAI = "openai"
	BackendOllama = "ollama"
)

// Backend returns the active generator backend name
func (g *GeneratorConfig) Backend() string {
	if g.OpenAIAPIKey != "" {
		return BackendOpenAI
	}
	if g.OllamaBaseURL != "" {
		return BackendOllama
	}
	return ""
}

// PipelineConfig bounds the orchestrator
type PipelineConfig struct {
	TimeoutMS int `yaml:"timeout_ms"`
}

// Timeout returns the pipeline deadline as a duration
func (p *PipelineConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// RetrievalConfig carries the tunable retrieval pipeline flags
type RetrievalConfig struct {
	K                     int     `yaml:"k"`
	RerankTopK            int     `yaml:"rerank_top_k"`
	EnableReranking       bool    `yaml:"enable_reranking"`
	EnableDiversification bool    `yaml:"enable_diversification"`
	EnableTimeDecay       bool    `yaml:"enable_time_decay"`
	HybridAlpha           float64 `yaml:"hybrid_alpha"`
	DiversityThreshold    float64 `yaml:"diversity_threshold"`
	TimeDecayRate         float64 `yaml:"time_decay_rate"`
	MaxParallel           int     `yaml:"max_parallel"`
}

// CacheConfig bounds the embedding and retrieval caches
type CacheConfig struct {
	RetrievalTTLSeconds int `yaml:"retrieval_ttl_seconds"`
	EmbeddingTTLHours   int `yaml:"embedding_ttl_hours"`
	EmbeddingMaxEntries int `yaml:"embedding_max_entries"`
}

// SessionConfig bounds the conversation manager
type SessionConfig struct {
	WindowTurns int `yaml:"window_turns"`
	ExpiryMS    int `yaml:"expiry_ms"`
}

// Expiry returns the session lifetime as a duration
func (s *SessionConfig) Expiry() time.Duration {
	return time.Duration(s.ExpiryMS) * time.Millisecond
}

// RateLimitConfig bounds the per-client request rate
type RateLimitConfig struct {
	WindowMS    int `yaml:"window_ms"`
	MaxRequests int `yaml:"max_requests"`
}

// Window returns the rate-limit window as a duration
func (r *RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowMS) * time.Millisecond
}

// PostgresConfig holds the metadata-store DSN. Empty disables persistence.
type PostgresConfig struct {
	DSN string `yaml:"-"`
}

// RedisConfig holds the rate-limiter backend address. Empty falls back to
// the in-memory limiter.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
}

// AuditConfig holds audit-trail settings
type AuditConfig struct {
	Dir     string `yaml:"dir"`
	Enabled bool   `yaml:"enabled"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "emr_chunks",
		},
		Embedding: EmbeddingConfig{
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			MaxBatchSize:   64,
			RequestTimeout: 30,
		},
		Generator: GeneratorConfig{
			OpenAIModel:       "gpt-4o-mini",
			OllamaModel:       "llama3.1",
			RequestTimeout:    60,
			ExtractionTokens:  2048,
			SummaryTokens:     768,
			ExtractionTemp:    0.0,
			SummarizationTemp: 0.3,
		},
		Pipeline: PipelineConfig{
			TimeoutMS: 6000,
		},
		Retrieval: RetrievalConfig{
			K:                     10,
			RerankTopK:            20,
			EnableReranking:       true,
			EnableDiversification: true,
			EnableTimeDecay:       true,
			HybridAlpha:           0.7,
			DiversityThreshold:    0.85,
			TimeDecayRate:         0.01,
			MaxParallel:           10,
		},
		Cache: CacheConfig{
			RetrievalTTLSeconds: 300,
			EmbeddingTTLHours:   24,
			EmbeddingMaxEntries: 1000,
		},
		Session: SessionConfig{
			WindowTurns: 5,
			ExpiryMS:    1_800_000,
		},
		RateLimit: RateLimitConfig{
			WindowMS:    60_000,
			MaxRequests: 60,
		},
		Audit: AuditConfig{
			Dir:     "./data/audit",
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// EMR_QUERY_CONFIG_FILE, and environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	cfg := DefaultConfig()

	if path := os.Getenv("EMR_QUERY_CONFIG_FILE"); path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")

	setString(&cfg.Qdrant.Host, "QDRANT_HOST")
	setInt(&cfg.Qdrant.Port, "QDRANT_PORT")
	setString(&cfg.Qdrant.APIKey, "QDRANT_API_KEY")
	setBool(&cfg.Qdrant.UseTLS, "QDRANT_USE_TLS")
	setString(&cfg.Qdrant.Collection, "QDRANT_COLLECTION")

	setString(&cfg.Embedding.Model, "EMBEDDING_MODEL")
	setInt(&cfg.Embedding.Dimensions, "EMBEDDING_DIMENSIONS")
	setInt(&cfg.Embedding.MaxBatchSize, "MAX_EMBEDDING_BATCH_SIZE")

	setString(&cfg.Generator.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&cfg.Generator.OpenAIModel, "OPENAI_MODEL")
	setString(&cfg.Generator.OllamaBaseURL, "OLLAMA_BASE_URL")
	setString(&cfg.Generator.OllamaModel, "OLLAMA_MODEL")

	setInt(&cfg.Pipeline.TimeoutMS, "PIPELINE_TIMEOUT_MS")

	setInt(&cfg.Cache.RetrievalTTLSeconds, "CACHE_TTL_SECONDS")

	setInt(&cfg.Session.WindowTurns, "CONTEXT_WINDOW_TURNS")
	setInt(&cfg.Session.ExpiryMS, "SESSION_EXPIRY_MS")

	setInt(&cfg.RateLimit.WindowMS, "RATE_LIMIT_WINDOW_MS")
	setInt(&cfg.RateLimit.MaxRequests, "RATE_LIMIT_MAX_REQUESTS")

	setString(&cfg.Postgres.DSN, "POSTGRES_DSN")

	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")

	setString(&cfg.Audit.Dir, "AUDIT_DIR")
	setBool(&cfg.Audit.Enabled, "AUDIT_ENABLED")

	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

// Validate checks the configuration, failing fast on a missing generator
// backend.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Qdrant.Host == "" {
		return fmt.Errorf("qdrant host cannot be empty")
	}
	if c.Qdrant.Collection == "" {
		return fmt.Errorf("qdrant collection cannot be empty")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.Embedding.MaxBatchSize <= 0 {
		return fmt.Errorf("embedding batch size must be positive")
	}
	if c.Generator.Backend() == "" {
		return fmt.Errorf("no generator backend configured: set OPENAI_API_KEY or OLLAMA_BASE_URL")
	}
	if c.Generator.OpenAIAPIKey != "" && c.Generator.OllamaBaseURL != "" {
		return fmt.Errorf("only one generator backend may be active: unset OPENAI_API_KEY or OLLAMA_BASE_URL")
	}
	if c.Pipeline.TimeoutMS <= 0 {
		return fmt.Errorf("pipeline timeout must be positive")
	}
	if c.Retrieval.K <= 0 {
		return fmt.Errorf("retrieval k must be positive")
	}
	if c.Retrieval.HybridAlpha < 0 || c.Retrieval.HybridAlpha > 1 {
		return fmt.Errorf("hybrid alpha must be in [0,1]")
	}
	if c.Retrieval.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be at least 1")
	}
	if c.Session.WindowTurns <= 0 {
		return fmt.Errorf("session window turns must be positive")
	}
	if c.Session.ExpiryMS <= 0 {
		return fmt.Errorf("session expiry must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
