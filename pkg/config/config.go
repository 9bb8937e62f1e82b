package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"telemed-backend/pkg/constants"
	"telemed-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	MinIO     MinIOConfig     `mapstructure:"minio"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
	Signaling SignalingConfig `mapstructure:"signaling"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	Environment string `mapstructure:"env"` // development, staging, production
	ServiceName string `mapstructure:"service_name"`
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	PoolSize int           `mapstructure:"pool_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MinIOConfig holds MinIO configuration
type MinIOConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string        `mapstructure:"secret"`
	AccessTokenExpiry time.Duration `mapstructure:"access_expiry"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string `mapstructure:"level"`  // debug, info, warn, error
	Format   string `mapstructure:"format"` // json, text
	Output   string `mapstructure:"output"` // stdout, file
	FilePath string `mapstructure:"file_path"`
}

// SignalingConfig holds WebSocket signaling configuration
type SignalingConfig struct {
	MaxConnections int           `mapstructure:"max_connections"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	// RefreshRate and RefreshBurst bound the global "calls-updated" fan-out.
	RefreshRate  float64 `mapstructure:"refresh_rate"`
	RefreshBurst int     `mapstructure:"refresh_burst"`
}

// IsProduction reports whether the service runs in production mode
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// Load loads configuration from defaults, an optional YAML file named by
// CONFIG_FILE, and environment variables (db.host -> DB_HOST).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := env.GetString("CONFIG_FILE", ""); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Secrets may be mounted as files.
	cfg.JWT.Secret = env.GetStringFromFile("JWT_SECRET", cfg.JWT.Secret)
	cfg.Database.Password = env.GetStringFromFile("DB_PASSWORD", cfg.Database.Password)
	cfg.Redis.Password = env.GetStringFromFile("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.MinIO.SecretKey = env.GetStringFromFile("MINIO_SECRET_KEY", cfg.MinIO.SecretKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.env", "development")
	v.SetDefault("server.service_name", "consult-service")

	v.SetDefault("db.enabled", true)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 26257)
	v.SetDefault("db.user", "root")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "telemed")
	v.SetDefault("db.ssl_mode", "disable")
	v.SetDefault("db.max_conns", 25)
	v.SetDefault("db.min_conns", 5)

	v.SetDefault("redis.enabled", true)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.timeout", "5s")

	v.SetDefault("minio.enabled", false)
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "minioadmin")
	v.SetDefault("minio.secret_key", "minioadmin")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("minio.bucket", "telemed-reports")

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.access_expiry", constants.AccessTokenExpiry.String())

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.file_path", "/logs/app.log")

	v.SetDefault("signaling.max_connections", constants.DefaultMaxSignalingConnections)
	v.SetDefault("signaling.send_buffer", constants.WebSocketSendBuffer)
	v.SetDefault("signaling.ping_interval", constants.WebSocketPingInterval.String())
	v.SetDefault("signaling.pong_wait", constants.WebSocketPongWait.String())
	v.SetDefault("signaling.write_wait", constants.WebSocketWriteWait.String())
	v.SetDefault("signaling.read_limit", constants.WebSocketReadLimit)
	v.SetDefault("signaling.allowed_origins", []string{"http://localhost:3000", "http://127.0.0.1:3000"})
	v.SetDefault("signaling.refresh_rate", 2.0)
	v.SetDefault("signaling.refresh_burst", 4)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}
	if c.Signaling.PingInterval >= c.Signaling.PongWait {
		return fmt.Errorf("signaling ping interval (%s) must be shorter than pong wait (%s)",
			c.Signaling.PingInterval, c.Signaling.PongWait)
	}
	if c.Signaling.MaxConnections <= 0 {
		return fmt.Errorf("signaling max connections must be positive")
	}

	return nil
}
