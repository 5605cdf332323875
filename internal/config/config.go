package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	AI        AIConfig        `yaml:"ai"`
	Memory    MemoryConfig    `yaml:"memory"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
}

type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	PoolSize        int           `yaml:"pool_size"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

type QdrantConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	APIKey     string        `yaml:"api_key"`
	UseTLS     bool          `yaml:"use_tls"`
	Collection string        `yaml:"collection"`
	Timeout    time.Duration `yaml:"timeout"`
}

type AIConfig struct {
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
}

type EmbeddingConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	Dimension int           `yaml:"dimension"`
	BatchSize int           `yaml:"batch_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	Timeout   time.Duration `yaml:"timeout"`
}

type SummarizerConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

type MemoryConfig struct {
	InlineThreshold int           `yaml:"inline_threshold"` // bytes; larger content goes to the blob store
	FingerprintSalt string        `yaml:"fingerprint_salt"`
	HealthWindow    time.Duration `yaml:"health_window"` // freshness window for backend health probes
	SearchLimit     int           `yaml:"search_limit"`
}

type LifecycleConfig struct {
	AgeThresholdDays int    `yaml:"age_threshold_days"`
	MinBatch         int    `yaml:"min_batch"`
	MaxBatch         int    `yaml:"max_batch"`
	MaxSummaryLength int    `yaml:"max_summary_length"`
	RetentionDays    int    `yaml:"retention_days"`
	SummarizeCron    string `yaml:"summarize_cron"`
	PurgeCron        string `yaml:"purge_cron"`
	SweepCron        string `yaml:"sweep_cron"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply environment variable overrides
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if cfg.AI.Embedding.APIKey == "" {
			cfg.AI.Embedding.APIKey = apiKey
		}
		if cfg.AI.Summarizer.APIKey == "" {
			cfg.AI.Summarizer.APIKey = apiKey
		}
	}
	if apiKey := os.Getenv("QDRANT_API_KEY"); apiKey != "" {
		cfg.Database.Qdrant.APIKey = apiKey
	}
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Database.Postgres.Password = pw
	}
	if salt := os.Getenv("ECHOVAULT_FINGERPRINT_SALT"); salt != "" {
		cfg.Memory.FingerprintSalt = salt
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields with sane defaults
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Postgres.Port == 0 {
		c.Database.Postgres.Port = 5432
	}
	if c.Database.Postgres.SSLMode == "" {
		c.Database.Postgres.SSLMode = "disable"
	}
	if c.Database.Postgres.PoolSize == 0 {
		c.Database.Postgres.PoolSize = 10
	}
	if c.Database.Postgres.MaxIdleConns == 0 {
		c.Database.Postgres.MaxIdleConns = 5
	}
	if c.Database.Redis.Port == 0 {
		c.Database.Redis.Port = 6379
	}
	if c.Database.Redis.PoolSize == 0 {
		c.Database.Redis.PoolSize = 10
	}
	if c.Database.Redis.Timeout == 0 {
		c.Database.Redis.Timeout = 5 * time.Second
	}
	if c.Database.Qdrant.Port == 0 {
		c.Database.Qdrant.Port = 6334
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
	if c.Database.Qdrant.Timeout == 0 {
		c.Database.Qdrant.Timeout = 10 * time.Second
	}
	if c.AI.Embedding.Model == "" {
		c.AI.Embedding.Model = "text-embedding-3-small"
	}
	if c.AI.Embedding.Dimension == 0 {
		c.AI.Embedding.Dimension = 1536
	}
	if c.AI.Embedding.BatchSize == 0 {
		c.AI.Embedding.BatchSize = 100
	}
	if c.AI.Embedding.CacheTTL == 0 {
		c.AI.Embedding.CacheTTL = 24 * time.Hour
	}
	if c.AI.Embedding.Timeout == 0 {
		c.AI.Embedding.Timeout = 30 * time.Second
	}
	if c.AI.Summarizer.Model == "" {
		c.AI.Summarizer.Model = "gpt-4o-mini"
	}
	if c.Memory.InlineThreshold == 0 {
		c.Memory.InlineThreshold = 4096
	}
	if c.Memory.HealthWindow == 0 {
		c.Memory.HealthWindow = 30 * time.Second
	}
	if c.Memory.SearchLimit == 0 {
		c.Memory.SearchLimit = 10
	}
	if c.Lifecycle.AgeThresholdDays == 0 {
		c.Lifecycle.AgeThresholdDays = 30
	}
	if c.Lifecycle.MinBatch == 0 {
		c.Lifecycle.MinBatch = 5
	}
	if c.Lifecycle.MaxBatch == 0 {
		c.Lifecycle.MaxBatch = 20
	}
	if c.Lifecycle.MaxSummaryLength == 0 {
		c.Lifecycle.MaxSummaryLength = 1000
	}
	if c.Lifecycle.RetentionDays == 0 {
		c.Lifecycle.RetentionDays = 365
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks configuration consistency
func (c *Config) Validate() error {
	if c.AI.Embedding.Dimension < 1 {
		return fmt.Errorf("embedding dimension must be positive, got %d", c.AI.Embedding.Dimension)
	}
	if c.Memory.InlineThreshold < 0 {
		return fmt.Errorf("inline threshold must not be negative, got %d", c.Memory.InlineThreshold)
	}
	if c.Lifecycle.MinBatch < 1 {
		return fmt.Errorf("lifecycle min_batch must be at least 1, got %d", c.Lifecycle.MinBatch)
	}
	if c.Lifecycle.MinBatch > c.Lifecycle.MaxBatch {
		return fmt.Errorf("lifecycle min_batch %d exceeds max_batch %d", c.Lifecycle.MinBatch, c.Lifecycle.MaxBatch)
	}
	return nil
}
