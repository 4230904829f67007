package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port     int    `yaml:"port"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	APIKey   string `yaml:"api_key"`
	// Embedding
	EmbeddingProvider string        `yaml:"embedding_provider"`
	OllamaBaseURL     string        `yaml:"ollama_base_url"`
	EmbeddingModel    string        `yaml:"embedding_model"`
	EmbeddingDim      int           `yaml:"embedding_dim"`
	EmbeddingTimeout  time.Duration `yaml:"embedding_timeout"`
	EmbeddingCacheLen int           `yaml:"embedding_cache_len"`
	// Indexes
	VectorEngine      string `yaml:"vector_engine"`
	QdrantURL         string `yaml:"qdrant_url"`
	FTSEnabled        bool   `yaml:"fts_enabled"`
	VectorScanWindow  int    `yaml:"vector_scan_window"`
	LexicalScanWindow int    `yaml:"lexical_scan_window"`
	// Write pipeline
	WriteQueueDepth  int           `yaml:"write_queue_depth"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	RetryBatchSize   int           `yaml:"retry_batch_size"`
	RetryBackoffCap  time.Duration `yaml:"retry_backoff_cap"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	// Stream
	StreamCapacity int           `yaml:"stream_capacity"`
	HealthInterval time.Duration `yaml:"health_interval"`
	// Search tuning
	HalfLifeHours float64 `yaml:"half_life_hours"`
	LexicalWeight float64 `yaml:"lexical_weight"`
	VectorWeight  float64 `yaml:"vector_weight"`
	RecencyWeight float64 `yaml:"recency_weight"`
	TagWeight     float64 `yaml:"tag_weight"`
	// HTTP
	RateLimitRPM int `yaml:"rate_limit_rpm"`
	// Session summarization
	SummaryModel   string `yaml:"summary_model"`
	SummaryEnabled bool   `yaml:"summary_enabled"`
	// MCP adapter
	MemoryServerURL string `yaml:"memory_server_url"`
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		Port:              37888,
		DBPath:            defaultDBPath(),
		LogLevel:          "info",
		EmbeddingProvider: "hash",
		OllamaBaseURL:     "http://localhost:11434",
		EmbeddingModel:    "nomic-embed-text",
		EmbeddingDim:      256,
		EmbeddingTimeout:  3 * time.Second,
		EmbeddingCacheLen: 4096,
		VectorEngine:      "auto",
		QdrantURL:         "http://localhost:6333",
		FTSEnabled:        true,
		VectorScanWindow:  2000,
		LexicalScanWindow: 2000,
		WriteQueueDepth:   100,
		RetryInterval:     15 * time.Second,
		RetryBatchSize:    50,
		RetryBackoffCap:   120 * time.Second,
		RetryMaxAttempts:  10,
		StreamCapacity:    600,
		HealthInterval:    10 * time.Second,
		HalfLifeHours:     168,
		LexicalWeight:     0.35,
		VectorWeight:      0.45,
		RecencyWeight:     0.15,
		TagWeight:         0.05,
		SummaryModel:      "qwen2.5:1.5b",
		SummaryEnabled:    false,
		MemoryServerURL:   "http://localhost:37888",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order of precedence (env wins). An empty path
// falls back to $HARNESS_MEM_CONFIG.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv("HARNESS_MEM_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = envInt("PORT", c.Port)
	c.DBPath = envStr("HARNESS_MEM_DB", c.DBPath)
	c.LogLevel = envStr("LOG_LEVEL", c.LogLevel)
	c.APIKey = envStr("API_KEY", c.APIKey)
	c.EmbeddingProvider = envStr("EMBEDDING_PROVIDER", c.EmbeddingProvider)
	c.OllamaBaseURL = envStr("OLLAMA_BASE_URL", c.OllamaBaseURL)
	c.EmbeddingModel = envStr("EMBEDDING_MODEL", c.EmbeddingModel)
	c.EmbeddingDim = envInt("EMBEDDING_DIM", c.EmbeddingDim)
	c.EmbeddingTimeout = envDuration("EMBEDDING_TIMEOUT", c.EmbeddingTimeout)
	c.EmbeddingCacheLen = envInt("EMBEDDING_CACHE_LEN", c.EmbeddingCacheLen)
	c.VectorEngine = envStr("VECTOR_ENGINE", c.VectorEngine)
	c.QdrantURL = envStr("QDRANT_URL", c.QdrantURL)
	c.FTSEnabled = envBool("FTS_ENABLED", c.FTSEnabled)
	c.VectorScanWindow = envInt("VECTOR_SCAN_WINDOW", c.VectorScanWindow)
	c.LexicalScanWindow = envInt("LEXICAL_SCAN_WINDOW", c.LexicalScanWindow)
	c.WriteQueueDepth = envInt("WRITE_QUEUE_DEPTH", c.WriteQueueDepth)
	c.RetryInterval = envDuration("RETRY_INTERVAL", c.RetryInterval)
	c.RetryBatchSize = envInt("RETRY_BATCH_SIZE", c.RetryBatchSize)
	c.RetryBackoffCap = envDuration("RETRY_BACKOFF_CAP", c.RetryBackoffCap)
	c.RetryMaxAttempts = envInt("RETRY_MAX_ATTEMPTS", c.RetryMaxAttempts)
	c.StreamCapacity = envInt("STREAM_CAPACITY", c.StreamCapacity)
	c.HealthInterval = envDuration("HEALTH_INTERVAL", c.HealthInterval)
	c.HalfLifeHours = envFloat("HALF_LIFE_HOURS", c.HalfLifeHours)
	c.LexicalWeight = envFloat("LEXICAL_WEIGHT", c.LexicalWeight)
	c.VectorWeight = envFloat("VECTOR_WEIGHT", c.VectorWeight)
	c.RecencyWeight = envFloat("RECENCY_WEIGHT", c.RecencyWeight)
	c.TagWeight = envFloat("TAG_WEIGHT", c.TagWeight)
	c.RateLimitRPM = envInt("RATE_LIMIT_RPM", c.RateLimitRPM)
	c.SummaryModel = envStr("SUMMARY_MODEL", c.SummaryModel)
	c.SummaryEnabled = envBool("SUMMARY_ENABLED", c.SummaryEnabled)
	c.MemoryServerURL = envStr("MEMORY_SERVER_URL", c.MemoryServerURL)
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("HARNESS_MEM_DB must not be empty")
	}
	if c.EmbeddingDim < 1 {
		return fmt.Errorf("EMBEDDING_DIM must be positive, got %d", c.EmbeddingDim)
	}
	switch c.EmbeddingProvider {
	case "hash", "ollama":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER must be hash or ollama, got %q", c.EmbeddingProvider)
	}
	switch c.VectorEngine {
	case "auto", "chromem", "qdrant", "sqlite":
	default:
		return fmt.Errorf("VECTOR_ENGINE must be auto, chromem, qdrant or sqlite, got %q", c.VectorEngine)
	}
	if c.WriteQueueDepth < 1 {
		return fmt.Errorf("WRITE_QUEUE_DEPTH must be positive, got %d", c.WriteQueueDepth)
	}
	if c.RetryInterval <= 0 || c.RetryBackoffCap <= 0 {
		return fmt.Errorf("RETRY_INTERVAL and RETRY_BACKOFF_CAP must be positive")
	}
	if c.RetryBatchSize < 1 || c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_BATCH_SIZE and RETRY_MAX_ATTEMPTS must be positive")
	}
	if c.StreamCapacity < 1 {
		return fmt.Errorf("STREAM_CAPACITY must be positive, got %d", c.StreamCapacity)
	}
	if c.HalfLifeHours <= 0 {
		return fmt.Errorf("HALF_LIFE_HOURS must be positive, got %f", c.HalfLifeHours)
	}
	for _, w := range []float64{c.LexicalWeight, c.VectorWeight, c.RecencyWeight, c.TagWeight} {
		if w < 0 {
			return fmt.Errorf("search weights must be non-negative")
		}
	}
	sum := c.LexicalWeight + c.VectorWeight + c.RecencyWeight + c.TagWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("LEXICAL_WEIGHT + VECTOR_WEIGHT + RECENCY_WEIGHT + TAG_WEIGHT must equal 1.0, got %f", sum)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".harness-mem", "harness-mem.db")
	}
	return filepath.Join(home, ".harness-mem", "harness-mem.db")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
