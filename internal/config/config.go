package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port        int                       `json:"port"`
	MCPAddr     string                    `json:"mcp_addr"`
	LogConfig   logger.LogConfig          `json:"log_config"`
	Database    DatabaseConfig            `json:"database"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	Chat        ChatConfig                `json:"chat"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Retry       RetryConfig               `json:"retry"`
	Chunking    ChunkingConfig            `json:"chunking"`
	VectorIndex VectorIndexConfig         `json:"vector_index"`
	Ingest      IngestConfig              `json:"ingest"`
	Events      EventsConfig              `json:"events"`
	Jobs        JobsConfig                `json:"jobs"`
	CORSOrigins []string                  `json:"cors_origins"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c DatabaseConfig) Enabled() bool {
	return c.DSN != "" || c.Host != ""
}

// BuildDSN returns the lib/pq connection string.
func (c DatabaseConfig) BuildDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	port := c.Port
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, port, c.User, c.Password, c.DBName, sslmode)
}

type EmbeddingConfig struct {
	// Providers are tried in order. Cached vectors are keyed by the provider that served them.
	Providers       []string `json:"providers"`
	Model           string   `json:"model"`
	TaskType        string   `json:"task_type"`
	BatchSize       int      `json:"batch_size"`
	MaxBatchSize    int      `json:"max_batch_size"`
	BatchParallel   int      `json:"batch_parallel"`
	CacheSize       int      `json:"cache_size"`
	CacheTTLSeconds int64    `json:"cache_ttl_seconds"`
}

type ChatConfig struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	MaxInputChars  int    `json:"max_input_chars"`
}

type ProviderConfig struct {
	APIKey            string  `json:"api_key"`
	BaseURL           string  `json:"base_url"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	HTTPReferer       string  `json:"http_referer"`
	XTitle            string  `json:"x_title"`
	TimeoutSeconds    int     `json:"timeout_seconds"`
}

type RetryConfig struct {
	MaxAttempts int `json:"max_attempts"`
	BaseDelayMs int `json:"base_delay_ms"`
}

type ChunkingConfig struct {
	Size          int    `json:"size"`
	Overlap       int    `json:"overlap"`
	Tokenizer     string `json:"tokenizer"`
	CharsPerToken int    `json:"chars_per_token"`
}

type VectorIndexConfig struct {
	Type                string      `json:"type"`
	Collection          string      `json:"collection"`
	ConnectAttempts     int         `json:"connect_attempts"`
	ConnectBaseDelayMs  int         `json:"connect_base_delay_ms"`
	ReadyTimeoutMs      int         `json:"ready_timeout_ms"`
	ReadyPollIntervalMs int         `json:"ready_poll_interval_ms"`
	Data                interface{} `json:"data"`
}

type IngestConfig struct {
	Concurrency int             `json:"concurrency"`
	Extractor   ExtractorConfig `json:"extractor"`
	// ClientRequestsPerSecond throttles each http route per client ip, 0
	// disables it.
	ClientRequestsPerSecond float64 `json:"client_requests_per_second"`
	ClientBurst             int     `json:"client_burst"`
}

type ExtractorConfig struct {
	UserAgent       string `json:"user_agent"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	MaxContentBytes int64  `json:"max_content_bytes"`
}

type EventsConfig struct {
	NATSURL       string `json:"nats_url"`
	SubjectPrefix string `json:"subject_prefix"`
}

type JobsConfig struct {
	CacheCleanupSpec      string `json:"cache_cleanup_spec"`
	CacheMaxAgeDays       int    `json:"cache_max_age_days"`
	ReconcileSpec         string `json:"reconcile_spec"`
	ReconcileStaleMinutes int    `json:"reconcile_stale_minutes"`
	ReconcileDeleteVector bool   `json:"reconcile_delete_vectors"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default filled and the memory index
// selected, useful for tests and one-shot commands.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.normalize()
	return cfg
}

func (cfg *Config) normalize() error {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	lowered := make(map[string]ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		lowered[strings.ToLower(strings.TrimSpace(name))] = p
	}
	cfg.Providers = lowered

	if len(cfg.Embedding.Providers) == 0 {
		cfg.Embedding.Providers = []string{"openai"}
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Embedding.MaxBatchSize == 0 {
		cfg.Embedding.MaxBatchSize = 64
	}
	if cfg.Embedding.BatchParallel == 0 {
		cfg.Embedding.BatchParallel = 2
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 100000
	}
	if cfg.Embedding.CacheTTLSeconds == 0 {
		cfg.Embedding.CacheTTLSeconds = 7 * 24 * 3600
	}
	if cfg.Embedding.BatchSize < 0 || cfg.Embedding.MaxBatchSize < 0 {
		return fmt.Errorf("embedding.batch_size and embedding.max_batch_size must be positive")
	}

	if cfg.Chat.Provider == "" {
		cfg.Chat.Provider = "openai"
	}
	if cfg.Chat.TimeoutSeconds == 0 {
		cfg.Chat.TimeoutSeconds = 60
	}
	if cfg.Chat.MaxInputChars == 0 {
		cfg.Chat.MaxInputChars = 20000
	}

	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 5
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = 500
	}

	if cfg.Chunking.Size == 0 {
		cfg.Chunking.Size = 512
		if cfg.Chunking.Overlap == 0 {
			cfg.Chunking.Overlap = 128
		}
	}
	if cfg.Chunking.CharsPerToken == 0 {
		cfg.Chunking.CharsPerToken = 4
	}
	if cfg.Chunking.Size <= 0 || cfg.Chunking.Overlap < 0 || cfg.Chunking.Overlap >= cfg.Chunking.Size {
		return fmt.Errorf("chunking.overlap (%d) must be less than chunking.size (%d)", cfg.Chunking.Overlap, cfg.Chunking.Size)
	}

	if cfg.VectorIndex.Type == "" {
		cfg.VectorIndex.Type = "memory"
	}
	cfg.VectorIndex.Type = strings.ToLower(strings.TrimSpace(cfg.VectorIndex.Type))
	if cfg.VectorIndex.Collection == "" {
		cfg.VectorIndex.Collection = "job_embeddings"
	}
	if cfg.VectorIndex.ConnectAttempts == 0 {
		cfg.VectorIndex.ConnectAttempts = 8
	}
	if cfg.VectorIndex.ConnectBaseDelayMs == 0 {
		cfg.VectorIndex.ConnectBaseDelayMs = 500
	}
	if cfg.VectorIndex.ReadyTimeoutMs == 0 {
		cfg.VectorIndex.ReadyTimeoutMs = 30000
	}
	if cfg.VectorIndex.ReadyPollIntervalMs == 0 {
		cfg.VectorIndex.ReadyPollIntervalMs = 300
	}
	switch cfg.VectorIndex.Type {
	case "memory", "qdrant", "pinecone":
	case "pgvector":
		if !cfg.Database.Enabled() {
			return fmt.Errorf("vector_index.type pgvector requires database config")
		}
	default:
		return fmt.Errorf("vector_index.type must be memory, qdrant, pinecone or pgvector")
	}

	if cfg.Ingest.Concurrency == 0 {
		cfg.Ingest.Concurrency = 3
	}
	if cfg.Ingest.Extractor.UserAgent == "" {
		cfg.Ingest.Extractor.UserAgent = "scrapeindex/1.0"
	}
	if cfg.Ingest.Extractor.TimeoutSeconds == 0 {
		cfg.Ingest.Extractor.TimeoutSeconds = 30
	}
	if cfg.Ingest.Extractor.MaxContentBytes == 0 {
		cfg.Ingest.Extractor.MaxContentBytes = 10 << 20
	}

	if cfg.Events.SubjectPrefix == "" {
		cfg.Events.SubjectPrefix = "scrapeindex"
	}

	if cfg.Jobs.CacheCleanupSpec == "" {
		cfg.Jobs.CacheCleanupSpec = "30 3 * * *"
	}
	if cfg.Jobs.CacheMaxAgeDays == 0 {
		cfg.Jobs.CacheMaxAgeDays = 30
	}
	if cfg.Jobs.ReconcileStaleMinutes == 0 {
		cfg.Jobs.ReconcileStaleMinutes = 60
	}
	return nil
}
