// Package config carries process configuration: defaults, overridden by
// environment variables, overridden by an optional JSON file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration.
type Config struct {
	HTTP      *HTTPConfig      `json:"http"`
	WebSocket *WebSocketConfig `json:"websocket"`
	Typing    *TypingConfig    `json:"typing"`
	Media     *MediaConfig     `json:"media"`
	Audit     *AuditConfig     `json:"audit"`
	Admin     *AdminConfig     `json:"admin"`
	StaticDir string           `json:"static_dir"`
}

type HTTPConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `json:"ping_interval"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	SendBufferSize int           `json:"send_buffer_size"`
	MaxMessageSize int64         `json:"max_message_size"`
}

type TypingConfig struct {
	QuietPeriod time.Duration `json:"quiet_period"`
}

type MediaConfig struct {
	Dir      string `json:"dir"`
	MaxBytes int64  `json:"max_bytes"`
}

type AuditConfig struct {
	Path string `json:"path"`
}

// AdminConfig gates the log view. PasswordHash is a bcrypt hash; when empty
// the admin endpoint is disabled entirely.
type AdminConfig struct {
	PasswordHash string `json:"password_hash"`
}

// DefaultConfig returns the defaults used when nothing is configured: the
// relay on port 3000, 1.5s typing quiet period, 5MB media cap, local SQLite
// audit log, admin view disabled.
func DefaultConfig() *Config {
	return &Config{
		HTTP: &HTTPConfig{
			Host:         "0.0.0.0",
			Port:         3000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBufferSize: 256,
			MaxMessageSize: 8 << 20,
		},
		Typing: &TypingConfig{
			QuietPeriod: 1500 * time.Millisecond,
		},
		Media: &MediaConfig{
			Dir:      "./media",
			MaxBytes: 5 << 20,
		},
		Audit: &AuditConfig{
			Path: "./chatrelay.db",
		},
		Admin:     &AdminConfig{},
		StaticDir: "./public",
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.HTTP == nil {
		return fmt.Errorf("http configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("http host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("http timeouts must be positive")
	}
	if c.WebSocket == nil {
		return fmt.Errorf("websocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.ReadTimeout <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("websocket timeouts must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("websocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.SendBufferSize <= 0 {
		return fmt.Errorf("websocket send buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return fmt.Errorf("websocket max message size must be positive")
	}
	if c.Typing == nil || c.Typing.QuietPeriod <= 0 {
		return fmt.Errorf("typing quiet period must be positive")
	}
	if c.Media == nil || c.Media.Dir == "" {
		return fmt.Errorf("media directory cannot be empty")
	}
	if c.Media.MaxBytes <= 0 {
		return fmt.Errorf("media max bytes must be positive")
	}
	if c.Audit == nil || c.Audit.Path == "" {
		return fmt.Errorf("audit database path cannot be empty")
	}
	if c.Admin == nil {
		return fmt.Errorf("admin configuration is required")
	}
	return nil
}

// LoadFromEnv returns the defaults overridden by CHATRELAY_* environment
// variables. Unparseable values fall back silently to the default.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	if v := os.Getenv("CHATRELAY_HTTP_HOST"); v != "" {
		cfg.HTTP.Host = v
	}
	if v := os.Getenv("CHATRELAY_HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTP.Port = p
		}
	}
	envDuration("CHATRELAY_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout)
	envDuration("CHATRELAY_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout)
	envDuration("CHATRELAY_WEBSOCKET_PING_INTERVAL", &cfg.WebSocket.PingInterval)
	envDuration("CHATRELAY_WEBSOCKET_READ_TIMEOUT", &cfg.WebSocket.ReadTimeout)
	envDuration("CHATRELAY_WEBSOCKET_WRITE_TIMEOUT", &cfg.WebSocket.WriteTimeout)
	if v := os.Getenv("CHATRELAY_WEBSOCKET_SEND_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WebSocket.SendBufferSize = n
		}
	}
	if v := os.Getenv("CHATRELAY_WEBSOCKET_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.WebSocket.MaxMessageSize = n
		}
	}
	envDuration("CHATRELAY_TYPING_QUIET_PERIOD", &cfg.Typing.QuietPeriod)
	if v := os.Getenv("CHATRELAY_MEDIA_DIR"); v != "" {
		cfg.Media.Dir = v
	}
	if v := os.Getenv("CHATRELAY_MEDIA_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Media.MaxBytes = n
		}
	}
	if v := os.Getenv("CHATRELAY_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("CHATRELAY_ADMIN_PASSWORD_HASH"); v != "" {
		cfg.Admin.PasswordHash = v
	}
	if v := os.Getenv("CHATRELAY_STATIC_DIR"); v != "" {
		cfg.StaticDir = v
	}

	return cfg
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// configFile mirrors Config with string durations for JSON readability.
type configFile struct {
	HTTP *struct {
		Host         string `json:"host"`
		Port         int    `json:"port"`
		ReadTimeout  string `json:"read_timeout"`
		WriteTimeout string `json:"write_timeout"`
	} `json:"http"`
	WebSocket *struct {
		PingInterval   string `json:"ping_interval"`
		ReadTimeout    string `json:"read_timeout"`
		WriteTimeout   string `json:"write_timeout"`
		SendBufferSize int    `json:"send_buffer_size"`
		MaxMessageSize int64  `json:"max_message_size"`
	} `json:"websocket"`
	Typing *struct {
		QuietPeriod string `json:"quiet_period"`
	} `json:"typing"`
	Media     *MediaConfig `json:"media"`
	Audit     *AuditConfig `json:"audit"`
	Admin     *AdminConfig `json:"admin"`
	StaticDir string       `json:"static_dir"`
}

// LoadFromFile applies a JSON file on top of base and validates the result.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var file configFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if file.HTTP != nil {
		if file.HTTP.Host != "" {
			cfg.HTTP.Host = file.HTTP.Host
		}
		if file.HTTP.Port > 0 {
			cfg.HTTP.Port = file.HTTP.Port
		}
		fileDuration(file.HTTP.ReadTimeout, &cfg.HTTP.ReadTimeout)
		fileDuration(file.HTTP.WriteTimeout, &cfg.HTTP.WriteTimeout)
	}
	if file.WebSocket != nil {
		fileDuration(file.WebSocket.PingInterval, &cfg.WebSocket.PingInterval)
		fileDuration(file.WebSocket.ReadTimeout, &cfg.WebSocket.ReadTimeout)
		fileDuration(file.WebSocket.WriteTimeout, &cfg.WebSocket.WriteTimeout)
		if file.WebSocket.SendBufferSize > 0 {
			cfg.WebSocket.SendBufferSize = file.WebSocket.SendBufferSize
		}
		if file.WebSocket.MaxMessageSize > 0 {
			cfg.WebSocket.MaxMessageSize = file.WebSocket.MaxMessageSize
		}
	}
	if file.Typing != nil {
		fileDuration(file.Typing.QuietPeriod, &cfg.Typing.QuietPeriod)
	}
	if file.Media != nil {
		if file.Media.Dir != "" {
			cfg.Media.Dir = file.Media.Dir
		}
		if file.Media.MaxBytes > 0 {
			cfg.Media.MaxBytes = file.Media.MaxBytes
		}
	}
	if file.Audit != nil && file.Audit.Path != "" {
		cfg.Audit.Path = file.Audit.Path
	}
	if file.Admin != nil && file.Admin.PasswordHash != "" {
		cfg.Admin.PasswordHash = file.Admin.PasswordHash
	}
	if file.StaticDir != "" {
		cfg.StaticDir = file.StaticDir
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func fileDuration(value string, dst *time.Duration) {
	if value == "" {
		return
	}
	if d, err := time.ParseDuration(value); err == nil {
		*dst = d
	}
}

// Load resolves configuration with precedence file > environment > defaults.
// A missing or broken file is ignored; environment and defaults still apply.
func Load(path string) *Config {
	cfg := LoadFromEnv()
	if path != "" {
		if fileCfg, err := LoadFromFile(path, cfg); err == nil {
			cfg = fileCfg
		}
	}
	return cfg
}
