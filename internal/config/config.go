package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Database      DatabaseConfig      `json:"database"`
	Orchestration OrchestrationConfig `json:"orchestration"`
	Reflection    ReflectionConfig    `json:"reflection"`
	Collaboration CollaborationConfig `json:"collaboration"`
	Tools         ToolsConfig         `json:"tools"`
	Notify        NotifyConfig        `json:"notify"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// OrchestrationConfig tunes the workflow engine.
type OrchestrationConfig struct {
	MaxConcurrency   int           `json:"max_concurrency"`
	MaxIterations    int           `json:"max_iterations"`
	NetworkRetries   int           `json:"network_retries"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	ResourceWait     time.Duration `json:"resource_wait"`
	StepTimeoutFloor time.Duration `json:"step_timeout_floor"`
}

// ReflectionConfig tunes the reflection engine. The iterate threshold is
// deliberately configurable: the original 0.7 cutoff was never validated.
type ReflectionConfig struct {
	IterateThreshold   float64 `json:"iterate_threshold"`
	DimensionThreshold float64 `json:"dimension_threshold"`
	MaxNextActions     int     `json:"max_next_actions"`
}

// CollaborationConfig tunes team formation scoring. Weights should sum to 1.
type CollaborationConfig struct {
	CapabilityWeight   float64       `json:"capability_weight"`
	LoadWeight         float64       `json:"load_weight"`
	ResponseTimeWeight float64       `json:"response_time_weight"`
	ErrorRateWeight    float64       `json:"error_rate_weight"`
	ResponseCeiling    time.Duration `json:"response_ceiling"`
	MinProficiency     float64       `json:"min_proficiency"`
}

// ToolsConfig tunes tool selection scoring and chain retry behavior.
type ToolsConfig struct {
	CapabilityWeight  float64       `json:"capability_weight"`
	CostWeight        float64       `json:"cost_weight"`
	SpeedWeight       float64       `json:"speed_weight"`
	ReliabilityWeight float64       `json:"reliability_weight"`
	MinPerformance    float64       `json:"min_performance"`
	MaxAttempts       int           `json:"max_attempts"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffCap        time.Duration `json:"backoff_cap"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

// Default returns a Config with workable defaults for every tunable.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 3210, LogLevel: "info"},
		Orchestration: OrchestrationConfig{
			MaxConcurrency:   4,
			MaxIterations:    2,
			NetworkRetries:   3,
			RetryBackoff:     500 * time.Millisecond,
			ResourceWait:     2 * time.Second,
			StepTimeoutFloor: 5 * time.Second,
		},
		Reflection: ReflectionConfig{
			IterateThreshold:   0.7,
			DimensionThreshold: 0.7,
			MaxNextActions:     5,
		},
		Collaboration: CollaborationConfig{
			CapabilityWeight:   0.4,
			LoadWeight:         0.3,
			ResponseTimeWeight: 0.2,
			ErrorRateWeight:    0.1,
			ResponseCeiling:    10 * time.Second,
			MinProficiency:     0.5,
		},
		Tools: ToolsConfig{
			CapabilityWeight:  0.4,
			CostWeight:        0.2,
			SpeedWeight:       0.2,
			ReliabilityWeight: 0.2,
			MinPerformance:    0.3,
			MaxAttempts:       3,
			BackoffBase:       200 * time.Millisecond,
			BackoffCap:        5 * time.Second,
		},
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable
// references. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
