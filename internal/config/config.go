// Package config holds the service's configuration surface: a YAML file
// merged with environment variable overrides (gopkg.in/yaml.v2 +
// ${VAR:-default} expansion + optional .env loading), scoped to exactly the
// fields this notification service needs.
package config

import "time"

// Config is the root configuration object.
type Config struct {
	AppName     string           `yaml:"app_name"`
	Environment string           `yaml:"environment"`
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	SMTP        SMTPConfig       `yaml:"smtp"`
	Auth        AuthConfig       `yaml:"auth"`
	Queue       QueueConfig      `yaml:"queue"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Cache       CacheConfig      `yaml:"cache"`
	Logger      LoggerConfig     `yaml:"logger"`
}

type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
}

// DatabaseConfig selects the persistence driver by DSN scheme: a DSN
// beginning with "sqlite:" opens mattn/go-sqlite3, anything else is handed
// to go-sql-driver/mysql, matching DESIGN.md's dual-driver C1 store.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	Debug    bool   `yaml:"debug"`
}

type AuthConfig struct {
	JWTSecret string            `yaml:"jwt_secret"`
	JWTIssuer string            `yaml:"jwt_issuer"`
	APIKeys   map[string]string `yaml:"api_keys"` // service name -> key
}

type QueueConfig struct {
	MessageTTL  time.Duration `yaml:"message_ttl"`
	DLQTTL      time.Duration `yaml:"dlq_ttl"`
	MaxRetries  int           `yaml:"max_retries"`
	MaxPriority int           `yaml:"max_priority"`
}

type RateLimitConfig struct {
	RequestsPerMinute map[string]int `yaml:"requests_per_minute"` // operation class -> rate
	BurstSize         int            `yaml:"burst_size"`
}

type CacheConfig struct {
	CompiledTemplateTTL time.Duration `yaml:"compiled_template_ttl"`
	RenderedOutputTTL   time.Duration `yaml:"rendered_output_ttl"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration used when no config file is present
// and no environment overrides apply — a deployment may run entirely
// env-var-driven.
func Default() *Config {
	return &Config{
		AppName:     "notifyhub",
		Environment: "development",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 15,
		},
		Database: DatabaseConfig{
			DSN:          "sqlite:notifyhub.db",
			MaxOpenConns: 25,
			MaxIdleConns: 10,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		SMTP: SMTPConfig{
			Host: "localhost",
			Port: 587,
			From: "notifications@example.com",
		},
		Auth: AuthConfig{
			JWTIssuer: "notifyhub",
			APIKeys:   map[string]string{},
		},
		Queue: QueueConfig{
			MessageTTL:  time.Hour,
			DLQTTL:      2 * time.Hour,
			MaxRetries:  3,
			MaxPriority: 10,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: map[string]int{
				"READ": 300, "WRITE": 60, "ADMIN": 30, "PUBLIC": 120,
			},
			BurstSize: 10,
		},
		Cache: CacheConfig{
			CompiledTemplateTTL: 24 * time.Hour,
			RenderedOutputTTL:   1 * time.Hour,
		},
		Logger: LoggerConfig{Level: "info"},
	}
}
