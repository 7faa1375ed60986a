package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "SMARTIES"

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Mongo     MongoConfig     `mapstructure:"mongo"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Resolver  ResolverConfig  `mapstructure:"resolver"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Ranker    RankerConfig    `mapstructure:"ranker"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Environment     string        `mapstructure:"environment"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MongoConfig holds product store configuration
type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout   time.Duration `mapstructure:"query_timeout"`
	MaxPoolSize    uint64        `mapstructure:"max_pool_size"`
}

// EmbeddingConfig holds embedding service configuration
type EmbeddingConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Dimension         int           `mapstructure:"dimension"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// ProviderConfig holds one dietary-analysis provider endpoint
type ProviderConfig struct {
	Name              string        `mapstructure:"name"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
}

// Enabled reports whether the provider has an endpoint
func (p ProviderConfig) Enabled() bool {
	return p.BaseURL != ""
}

// ProvidersConfig holds the AI fallback chain configuration
type ProvidersConfig struct {
	Primary    ProviderConfig `mapstructure:"primary"`
	Secondary  ProviderConfig `mapstructure:"secondary"`
	MaxRetries int            `mapstructure:"max_retries"`
	BaseDelay  time.Duration  `mapstructure:"base_delay"`
	RateWindow time.Duration  `mapstructure:"rate_window"`
}

// CacheConfig holds cache-related configuration
type CacheConfig struct {
	Type      string        `mapstructure:"type"` // "memory" or "redis"
	RedisURL  string        `mapstructure:"redis_url"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// ResolverConfig holds product resolution configuration
type ResolverConfig struct {
	DefaultLimit    int     `mapstructure:"default_limit"`
	MaxCandidates   int     `mapstructure:"max_candidates"`
	DefaultMinScore float64 `mapstructure:"default_min_score"`
}

// AnalysisConfig toggles the vector-backed analysis layers
type AnalysisConfig struct {
	EnableVectorLayer   bool `mapstructure:"enable_vector_layer"`
	EnableCulturalCheck bool `mapstructure:"enable_cultural_check"`
	VectorLimit         int  `mapstructure:"vector_limit"`
}

// RankerConfig holds recommendation configuration
type RankerConfig struct {
	DefaultLimit   int `mapstructure:"default_limit"`
	CandidateLimit int `mapstructure:"candidate_limit"`
	HistorySeeds   int `mapstructure:"history_seeds"`
	Workers        int `mapstructure:"workers"`
}

// MonitorConfig holds performance monitor configuration
type MonitorConfig struct {
	MaxSamples  int                      `mapstructure:"max_samples"`
	MaxAlerts   int                      `mapstructure:"max_alerts"`
	StatsWindow time.Duration            `mapstructure:"stats_window"`
	Thresholds  map[string]time.Duration `mapstructure:"thresholds"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads configuration from a .env file, environment variables and config files
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/smarties/")

	// SMARTIES_MONGO_URI -> mongo.uri
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile copies KEY=value pairs from ./.env into the environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile() error {
	if _, err := os.Stat(".env"); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); exists {
			continue
		}
		if err := os.Setenv(name, v.GetString(key)); err != nil {
			return err
		}
	}
	return nil
}

// setDefaults sets default configuration values. Every key that may come from the
// environment needs a default so Unmarshal sees it.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.environment", "development")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("server.request_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")

	// Mongo defaults
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "smarties")
	v.SetDefault("mongo.collection", "products")
	v.SetDefault("mongo.connect_timeout", "10s")
	v.SetDefault("mongo.query_timeout", "5s")
	v.SetDefault("mongo.max_pool_size", 50)

	// Embedding defaults
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.model", "sentence-transformers/all-MiniLM-L6-v2")
	v.SetDefault("embedding.dimension", 384)
	v.SetDefault("embedding.timeout", "10s")
	v.SetDefault("embedding.max_retries", 3)
	v.SetDefault("embedding.retry_delay", "500ms")
	v.SetDefault("embedding.requests_per_second", 20)

	// Provider defaults
	v.SetDefault("providers.primary.name", "primary")
	v.SetDefault("providers.primary.base_url", "")
	v.SetDefault("providers.primary.api_key", "")
	v.SetDefault("providers.primary.timeout", "15s")
	v.SetDefault("providers.primary.requests_per_second", 5)
	v.SetDefault("providers.secondary.name", "secondary")
	v.SetDefault("providers.secondary.base_url", "")
	v.SetDefault("providers.secondary.api_key", "")
	v.SetDefault("providers.secondary.timeout", "15s")
	v.SetDefault("providers.secondary.requests_per_second", 5)
	v.SetDefault("providers.max_retries", 3)
	v.SetDefault("providers.base_delay", "500ms")
	v.SetDefault("providers.rate_window", "60s")

	// Cache defaults
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.key_prefix", "smarties:")
	v.SetDefault("cache.ttl", "24h")

	// Resolver defaults
	v.SetDefault("resolver.default_limit", 10)
	v.SetDefault("resolver.max_candidates", 1000)
	v.SetDefault("resolver.default_min_score", 0.0)

	// Analysis defaults
	v.SetDefault("analysis.enable_vector_layer", true)
	v.SetDefault("analysis.enable_cultural_check", true)
	v.SetDefault("analysis.vector_limit", 20)

	// Ranker defaults
	v.SetDefault("ranker.default_limit", 10)
	v.SetDefault("ranker.candidate_limit", 50)
	v.SetDefault("ranker.history_seeds", 5)
	v.SetDefault("ranker.workers", 32)

	// Monitor defaults
	v.SetDefault("monitor.max_samples", 1000)
	v.SetDefault("monitor.max_alerts", 100)
	v.SetDefault("monitor.stats_window", "5m")

	// Log defaults
	v.SetDefault("log.level", "info")
}

// validate validates the configuration
func validate(config *Config) error {
	if config.Mongo.URI == "" {
		return fmt.Errorf("MongoDB URI is required (set SMARTIES_MONGO_URI)")
	}

	if config.Cache.Type != "memory" && config.Cache.Type != "redis" {
		return fmt.Errorf("cache type must be 'memory' or 'redis', got: %s", config.Cache.Type)
	}

	if config.Cache.Type == "redis" && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required when cache type is 'redis'")
	}

	if config.Embedding.Dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got: %d", config.Embedding.Dimension)
	}

	if config.Providers.MaxRetries < 0 {
		return fmt.Errorf("provider max retries must not be negative, got: %d", config.Providers.MaxRetries)
	}

	if config.Providers.RateWindow <= 0 {
		return fmt.Errorf("provider rate window must be positive, got: %s", config.Providers.RateWindow)
	}

	primary, secondary := config.Providers.Primary, config.Providers.Secondary
	if primary.Enabled() && secondary.Enabled() &&
		strings.EqualFold(strings.TrimSpace(primary.Name), strings.TrimSpace(secondary.Name)) {
		return fmt.Errorf("provider names must be distinct, both are %q", primary.Name)
	}

	if config.Resolver.DefaultLimit < 1 || config.Resolver.DefaultLimit > 100 {
		return fmt.Errorf("resolver default limit must be between 1 and 100, got: %d", config.Resolver.DefaultLimit)
	}

	if config.Resolver.DefaultMinScore < 0 || config.Resolver.DefaultMinScore > 1 {
		return fmt.Errorf("resolver default min score must be in [0,1], got: %v", config.Resolver.DefaultMinScore)
	}

	return nil
}
