// Package config provides configuration management for flowcore.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for flowcore.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Bus          BusConfig          `mapstructure:"bus"`
	Broker       BrokerConfig       `mapstructure:"broker"`
	Transport    TransportConfig    `mapstructure:"transport"`
	ToolServer   ToolServerConfig   `mapstructure:"toolServer"`
	AgentCatalog AgentCatalogConfig `mapstructure:"agentCatalog"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds process-identity configuration (no HTTP server is run by the core).
type ServerConfig struct {
	InstanceID string `mapstructure:"instanceId"`
}

// BusConfig configures the message bus (C4/C5).
type BusConfig struct {
	// Provider selects the backend: "memory" or "broker". Empty means memory.
	Provider           string `mapstructure:"provider"`
	EventTopic         string `mapstructure:"eventTopic"`
	ResponseTopic      string `mapstructure:"responseTopic"`
	AuditTopic         string `mapstructure:"auditTopic"`
	QueueCapacity      int    `mapstructure:"queueCapacity"`
	ConsumerThreads    int    `mapstructure:"consumerThreads"`
	RetryAttempts      int    `mapstructure:"retryAttempts"`
	RetryDelayMs       int    `mapstructure:"retryDelayMs"`
	MaxRetryDelayMs    int    `mapstructure:"maxRetryDelayMs"`
	PollTimeoutSeconds int    `mapstructure:"pollTimeoutSeconds"`
	ExponentialBackoff bool   `mapstructure:"exponentialBackoff"`
	DLQSuffix          string `mapstructure:"dlqSuffix"`
}

// BrokerConfig configures the external broker backend (C6, NATS JetStream).
type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	StreamName    string `mapstructure:"streamName"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	AckWaitSec    int    `mapstructure:"ackWaitSec"`
}

// TransportConfig configures the session transport (C8).
type TransportConfig struct {
	ServerURL               string `mapstructure:"serverUrl"`
	AuthToken               string `mapstructure:"authToken"`
	InitialReconnectDelayMs int    `mapstructure:"initialReconnectDelayMs"`
	MaxReconnectDelayMs     int    `mapstructure:"maxReconnectDelayMs"`
	MaxReconnectAttempts    int    `mapstructure:"maxReconnectAttempts"`
	ReadyTimeoutSec         int    `mapstructure:"readyTimeoutSec"`
	PingIntervalSec         int    `mapstructure:"pingIntervalSec"`
	PongTimeoutSec          int    `mapstructure:"pongTimeoutSec"`
	CircuitOpenDurationSec  int    `mapstructure:"circuitOpenDurationSec"`
}

// ToolServerConfig configures the tool-server registry (C2).
type ToolServerConfig struct {
	RequestTimeoutSec int `mapstructure:"requestTimeoutSec"`
	SpawnTimeoutSec   int `mapstructure:"spawnTimeoutSec"`
}

// AgentCatalogConfig configures the command catalog loader (C3).
type AgentCatalogConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadyTimeout returns the ready-gate timeout as a time.Duration.
func (t *TransportConfig) ReadyTimeout() time.Duration {
	return time.Duration(t.ReadyTimeoutSec) * time.Second
}

// RequestTimeout returns the tool-call request timeout as a time.Duration.
func (t *ToolServerConfig) RequestTimeout() time.Duration {
	return time.Duration(t.RequestTimeoutSec) * time.Second
}

// detectDefaultLogFormat mirrors the runtime-detection logic of internal/common/logger.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("FLOWCORE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.instanceId", "flowcore-0")

	v.SetDefault("bus.provider", "memory")
	v.SetDefault("bus.eventTopic", "event")
	v.SetDefault("bus.responseTopic", "response")
	v.SetDefault("bus.auditTopic", "audit")
	v.SetDefault("bus.queueCapacity", 1000)
	v.SetDefault("bus.consumerThreads", 1)
	v.SetDefault("bus.retryAttempts", 3)
	v.SetDefault("bus.retryDelayMs", 1000)
	v.SetDefault("bus.maxRetryDelayMs", 30000)
	v.SetDefault("bus.pollTimeoutSeconds", 5)
	v.SetDefault("bus.exponentialBackoff", true)
	v.SetDefault("bus.dlqSuffix", ".DLQ")

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.clientId", "flowcore-client")
	v.SetDefault("broker.streamName", "FLOWCORE")
	v.SetDefault("broker.maxReconnects", 10)
	v.SetDefault("broker.ackWaitSec", 30)

	v.SetDefault("transport.serverUrl", "ws://localhost:8080/agent/connect")
	v.SetDefault("transport.authToken", "")
	v.SetDefault("transport.initialReconnectDelayMs", 200)
	v.SetDefault("transport.maxReconnectDelayMs", 30000)
	v.SetDefault("transport.maxReconnectAttempts", 10)
	v.SetDefault("transport.readyTimeoutSec", 30)
	v.SetDefault("transport.pingIntervalSec", 20)
	v.SetDefault("transport.pongTimeoutSec", 10)
	v.SetDefault("transport.circuitOpenDurationSec", 30)

	v.SetDefault("toolServer.requestTimeoutSec", 30)
	v.SetDefault("toolServer.spawnTimeoutSec", 10)

	v.SetDefault("agentCatalog.path", "./commands.yaml")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
// Environment variables use the prefix FLOWCORE_ with snake_case naming.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("FLOWCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("bus.provider", "FLOWCORE_BUS_PROVIDER")
	_ = v.BindEnv("broker.url", "FLOWCORE_BROKER_URL")
	_ = v.BindEnv("logging.level", "FLOWCORE_LOG_LEVEL")
	_ = v.BindEnv("agentCatalog.path", "FLOWCORE_AGENT_CATALOG_PATH")
	_ = v.BindEnv("transport.serverUrl", "FLOWCORE_TRANSPORT_SERVER_URL")
	_ = v.BindEnv("transport.authToken", "FLOWCORE_TRANSPORT_AUTH_TOKEN")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/flowcore/")

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

// validate checks that configuration fields are within sane ranges.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Bus.Provider != "memory" && cfg.Bus.Provider != "broker" {
		errs = append(errs, "bus.provider must be one of: memory, broker")
	}
	if cfg.Bus.Provider == "broker" && cfg.Broker.URL == "" {
		errs = append(errs, "broker.url is required when bus.provider=broker")
	}
	if cfg.Bus.QueueCapacity <= 0 {
		errs = append(errs, "bus.queueCapacity must be positive")
	}
	if cfg.Bus.RetryAttempts < 0 {
		errs = append(errs, "bus.retryAttempts must not be negative")
	}

	if cfg.Transport.MaxReconnectAttempts <= 0 {
		errs = append(errs, "transport.maxReconnectAttempts must be positive")
	}
	if cfg.Transport.ReadyTimeoutSec <= 0 {
		errs = append(errs, "transport.readyTimeoutSec must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
