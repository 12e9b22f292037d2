package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Registry backends
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// ServerConfig represents the signaling server configuration
type ServerConfig struct {
	HTTP      HTTPConfig      `yaml:"http"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	GRPC      GRPCConfig      `yaml:"grpc"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WebSocketConfig represents the signaling websocket configuration
type WebSocketConfig struct {
	Path              string   `yaml:"path"`
	MaxMessageSize    int64    `yaml:"max_message_size"`
	SendBuffer        int      `yaml:"send_buffer"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	MessagesPerSecond float64  `yaml:"messages_per_second"`
	MessageBurst      int      `yaml:"message_burst"`
}

// GRPCConfig represents the optional gRPC health endpoint; empty address
// disables it
type GRPCConfig struct {
	Address string `yaml:"address"`
}

// RegistryConfig selects where room membership is kept
type RegistryConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig represents the Redis registry connection
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultServerConfig returns the configuration used when no file is given
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Path:              "/ws",
			MaxMessageSize:    64 * 1024, // enough for SDP with embedded candidates
			SendBuffer:        256,
			MessagesPerSecond: 50,
			MessageBurst:      100,
		},
		Registry: RegistryConfig{
			Backend: RegistryMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "warpmeet",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadServer loads the server configuration. An empty path uses defaults;
// environment variables override both.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnvironmentOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(cfg *ServerConfig) error {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		cfg.HTTP.Address = addr
	}
	if addr := os.Getenv("GRPC_ADDRESS"); addr != "" {
		cfg.GRPC.Address = addr
	}
	if backend := os.Getenv("REGISTRY_BACKEND"); backend != "" {
		cfg.Registry.Backend = backend
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Registry.Redis.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Registry.Redis.Password = pass
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.Registry.Redis.DB = n
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	return nil
}

// Validate checks the values that would otherwise fail at runtime
func (c *ServerConfig) Validate() error {
	switch c.Registry.Backend {
	case RegistryMemory:
	case RegistryRedis:
		if c.Registry.Redis.Addr == "" {
			return fmt.Errorf("registry.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown registry backend %q", c.Registry.Backend)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket.max_message_size must be positive")
	}
	if c.WebSocket.MessagesPerSecond > 0 && c.WebSocket.MessageBurst < 1 {
		return fmt.Errorf("websocket.message_burst must be at least 1 when messages_per_second is set")
	}
	return nil
}
