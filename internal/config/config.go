package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Origin        OriginConfig        `mapstructure:"origin"`
	Router        RouterConfig        `mapstructure:"router"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Functions     []FunctionConfig    `mapstructure:"functions"`
}

type ServerConfig struct {
	Host            string         `mapstructure:"host"`
	Port            int            `mapstructure:"port"`
	NodeID          string         `mapstructure:"node_id"`
	Location        LocationConfig `mapstructure:"location"`
	ReadTimeout     time.Duration  `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration  `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration  `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration  `mapstructure:"shutdown_timeout"`
	BodyLimit       int            `mapstructure:"body_limit"`
	MaxConcurrency  int            `mapstructure:"max_concurrency"`
	BandwidthMbps   float64        `mapstructure:"bandwidth_mbps"`
}

type LocationConfig struct {
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
	Country   string  `mapstructure:"country"`
	Region    string  `mapstructure:"region"`
	City      string  `mapstructure:"city"`
}

type CacheConfig struct {
	CapacityBytes int64         `mapstructure:"capacity_bytes"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	ServeStale    bool          `mapstructure:"serve_stale"`
	StaticTypes   []string      `mapstructure:"static_types"`
}

type OriginConfig struct {
	Addresses      []string             `mapstructure:"addresses"`
	Timeout        time.Duration        `mapstructure:"timeout"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RouterConfig struct {
	Strategy        string        `mapstructure:"strategy"`
	Weights         WeightsConfig `mapstructure:"weights"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type WeightsConfig struct {
	Distance    float64 `mapstructure:"distance"`
	Performance float64 `mapstructure:"performance"`
	Load        float64 `mapstructure:"load"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// FunctionConfig describes one edge-function pipeline step. Records are
// replaced wholesale on reload; there is no partial update.
type FunctionConfig struct {
	Name          string            `mapstructure:"name"`
	Category      string            `mapstructure:"category"`
	Enabled       bool              `mapstructure:"enabled"`
	Priority      int               `mapstructure:"priority"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MemoryLimitMB int               `mapstructure:"memory_limit_mb"`
	CPULimit      float64           `mapstructure:"cpu_limit"`
	Environment   map[string]string `mapstructure:"environment"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("EDGE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideWithEnv(&config)

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.node_id", "edge-local")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "30s")
	viper.SetDefault("server.body_limit", 4194304) // 4MB
	viper.SetDefault("server.max_concurrency", 1024)
	viper.SetDefault("server.bandwidth_mbps", 1000)

	// Cache defaults
	viper.SetDefault("cache.capacity_bytes", 104857600) // 100MB
	viper.SetDefault("cache.default_ttl", "1h")
	viper.SetDefault("cache.serve_stale", true)
	viper.SetDefault("cache.static_types", []string{
		"image/", "text/css", "application/javascript", "text/javascript", "font/",
	})

	// Origin defaults
	viper.SetDefault("origin.addresses", []string{"http://localhost:9000"})
	viper.SetDefault("origin.timeout", "10s")
	viper.SetDefault("origin.circuit_breaker.enabled", true)
	viper.SetDefault("origin.circuit_breaker.max_requests", 3)
	viper.SetDefault("origin.circuit_breaker.interval", "10s")
	viper.SetDefault("origin.circuit_breaker.timeout", "60s")

	// Router defaults
	viper.SetDefault("router.strategy", "hybrid")
	viper.SetDefault("router.weights.distance", 0.3)
	viper.SetDefault("router.weights.performance", 0.4)
	viper.SetDefault("router.weights.load", 0.3)
	viper.SetDefault("router.refresh_interval", "10s")

	// Redis defaults (empty addr means in-memory rate-limit state)
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.db", 0)

	// Observability defaults
	viper.SetDefault("observability.metrics.enabled", true)
	viper.SetDefault("observability.metrics.path", "/metrics")
	viper.SetDefault("observability.logging.level", "info")
	viper.SetDefault("observability.logging.format", "json")
}

func overrideWithEnv(config *Config) {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		config.Server.NodeID = nodeID
	}

	if origins := os.Getenv("ORIGIN_ADDRESSES"); origins != "" {
		config.Origin.Addresses = strings.Split(origins, ",")
	}

	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		config.Redis.Addr = redisAddr
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.Observability.Logging.Level = logLevel
	}
}
