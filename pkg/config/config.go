package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Warehouse WarehouseConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	Session   SessionConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        int
	WriteTimeout       int
	BodyLimit          int
	Env                string
	AllowedOrigins     []string
	RateLimitPerMinute int
}

type WarehouseConfig struct {
	Path           string
	ExecTimeoutSec int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTLSec   int
}

type LLMConfig struct {
	Enabled     bool
	Model       string
	APIKey      string
	Temperature float32
	MaxTokens   int
	TimeoutSec  int
}

type PipelineConfig struct {
	SynthesisRetryLimit int
	ExecutionRetryLimit int
	DefaultRowLimit     int
	RowLimitCeiling     int
	ConfidenceThreshold float64
	MaskingPolicy       map[string]string
}

type SessionConfig struct {
	TTLMinutes      int
	HistoryDepth    int
	CleanupInterval int
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/dora-agent")

	viper.SetEnvPrefix("DORA_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 1048576)
	viper.SetDefault("server.env", "production")
	viper.SetDefault("server.allowedOrigins", []string{})
	viper.SetDefault("server.rateLimitPerMinute", 60)

	viper.SetDefault("warehouse.path", "./data/delivery.db")
	viper.SetDefault("warehouse.execTimeoutSec", 10)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.ttlSec", 300)

	viper.SetDefault("llm.enabled", false)
	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 512)
	viper.SetDefault("llm.timeoutSec", 30)

	viper.SetDefault("pipeline.synthesisRetryLimit", 3)
	viper.SetDefault("pipeline.executionRetryLimit", 2)
	viper.SetDefault("pipeline.defaultRowLimit", 500)
	viper.SetDefault("pipeline.rowLimitCeiling", 1000)
	viper.SetDefault("pipeline.confidenceThreshold", 0.55)
	viper.SetDefault("pipeline.maskingPolicy", map[string]string{
		"deployments.deployed_by": "hash",
		"incidents.reported_by":   "redact",
	})

	viper.SetDefault("session.ttlMinutes", 30)
	viper.SetDefault("session.historyDepth", 10)
	viper.SetDefault("session.cleanupInterval", 5)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
