package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Triage    TriageConfig    `yaml:"triage" mapstructure:"triage"`
	Classify  ClassifyConfig  `yaml:"classify" mapstructure:"classify"`
	Cache     CacheConfig     `yaml:"cache" mapstructure:"cache"`
	Match     MatchConfig     `yaml:"match" mapstructure:"match"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // postgres | sqlite | memory
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the LLM backend.
type AnthropicConfig struct {
	Key               string  `yaml:"key" mapstructure:"key"`
	Model             string  `yaml:"model" mapstructure:"model"`
	MaxTokens         int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
}

// TriageConfig configures the rule-based filter.
type TriageConfig struct {
	RulesFile string `yaml:"rules_file" mapstructure:"rules_file"`
}

// ClassifyConfig configures the two-stage classifier. The thresholds are
// deployment-tunable, not constants.
type ClassifyConfig struct {
	Backend             string  `yaml:"backend" mapstructure:"backend"` // llm | keyword
	RelevanceThreshold  float64 `yaml:"relevance_threshold" mapstructure:"relevance_threshold"`
	BackendTimeoutSecs  int     `yaml:"backend_timeout_secs" mapstructure:"backend_timeout_secs"`
	ExtractionPasses    int     `yaml:"extraction_passes" mapstructure:"extraction_passes"`
	SelectionMethod     string  `yaml:"selection_method" mapstructure:"selection_method"`
	FailureThreshold    int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	CooldownSecs        int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// BackendTimeout returns the per-invocation timeout as a duration.
func (c ClassifyConfig) BackendTimeout() time.Duration {
	return time.Duration(c.BackendTimeoutSecs) * time.Second
}

// CacheConfig configures the classification cache.
type CacheConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"` // store | redis | memory
	TTLHours int    `yaml:"ttl_hours" mapstructure:"ttl_hours"`
	RedisURL string `yaml:"redis_url" mapstructure:"redis_url"`
}

// TTL returns the cache time-to-live as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}

// MatchConfig configures the matching and merge engine.
type MatchConfig struct {
	TitleSimilarityThreshold float64 `yaml:"title_similarity_threshold" mapstructure:"title_similarity_threshold"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentMessages int `yaml:"max_concurrent_messages" mapstructure:"max_concurrent_messages"`
	MessageLimit          int `yaml:"message_limit" mapstructure:"message_limit"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("JOBTRACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 256)
	v.SetDefault("anthropic.requests_per_second", 2.0)
	v.SetDefault("classify.backend", "llm")
	v.SetDefault("classify.relevance_threshold", 0.7)
	v.SetDefault("classify.backend_timeout_secs", 30)
	v.SetDefault("classify.extraction_passes", 1)
	v.SetDefault("classify.selection_method", "auto_best")
	v.SetDefault("classify.failure_threshold", 5)
	v.SetDefault("classify.cooldown_secs", 60)
	v.SetDefault("cache.backend", "store")
	v.SetDefault("cache.ttl_hours", 168)
	v.SetDefault("match.title_similarity_threshold", 0.7)
	v.SetDefault("batch.max_concurrent_messages", 5)
	v.SetDefault("batch.message_limit", 500)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
