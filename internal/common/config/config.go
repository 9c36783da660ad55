// Package config provides configuration management for codeplane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for codeplane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Store     StoreConfig     `mapstructure:"store"`
	Streaming StreamingConfig `mapstructure:"streaming"`
	Auth      AuthConfig      `mapstructure:"auth"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// AgentConfig holds the upstream app-server subprocess configuration.
type AgentConfig struct {
	// Command is the app-server executable (required).
	Command string `mapstructure:"command"`
	// Args are passed verbatim to the subprocess.
	Args []string `mapstructure:"args"`
	// Cwd is the working directory for the subprocess.
	Cwd string `mapstructure:"cwd"`
	// CallTimeout bounds each request/response RPC, in seconds.
	CallTimeout int `mapstructure:"callTimeout"`
	// RestartMaxAttempts bounds restart storms after unexpected exits.
	RestartMaxAttempts int `mapstructure:"restartMaxAttempts"`
	// RestartBackoff is the initial restart delay in milliseconds; it doubles
	// per consecutive failure up to RestartBackoffMax.
	RestartBackoff    int `mapstructure:"restartBackoff"`
	RestartBackoffMax int `mapstructure:"restartBackoffMax"`
}

// StoreConfig holds the embedded event store configuration.
type StoreConfig struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"dbPath"`
	// EventRetention is the per-job event ring size (minimum 100).
	EventRetention int `mapstructure:"eventRetention"`
	// TerminalJobTTL is the age in hours after which terminal jobs become
	// candidates for full eviction.
	TerminalJobTTL int `mapstructure:"terminalJobTtl"`
}

// StreamingConfig holds subscription fan-out configuration.
type StreamingConfig struct {
	// QueueSize is the bounded per-subscriber event queue.
	QueueSize int `mapstructure:"queueSize"`
	// BindWindow is how long (ms) notifications for an unbound turn are buffered.
	BindWindow int `mapstructure:"bindWindow"`
	// CancelGrace is how long (s) cancelJob waits for the agent to confirm
	// before forcing a local CANCELLED transition.
	CancelGrace int `mapstructure:"cancelGrace"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Token is the shared bearer token. Empty disables authentication.
	Token string `mapstructure:"token"`
}

// NATSConfig holds announce-bus configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CallTimeoutDuration returns the RPC timeout as a time.Duration.
func (a *AgentConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(a.CallTimeout) * time.Second
}

// RestartBackoffDuration returns the initial restart backoff.
func (a *AgentConfig) RestartBackoffDuration() time.Duration {
	return time.Duration(a.RestartBackoff) * time.Millisecond
}

// RestartBackoffMaxDuration returns the restart backoff cap.
func (a *AgentConfig) RestartBackoffMaxDuration() time.Duration {
	return time.Duration(a.RestartBackoffMax) * time.Millisecond
}

// BindWindowDuration returns the turn-binding buffer window.
func (s *StreamingConfig) BindWindowDuration() time.Duration {
	return time.Duration(s.BindWindow) * time.Millisecond
}

// CancelGraceDuration returns the cancel grace window.
func (s *StreamingConfig) CancelGraceDuration() time.Duration {
	return time.Duration(s.CancelGrace) * time.Second
}

// TerminalJobTTLDuration returns the terminal-job eviction age.
func (s *StoreConfig) TerminalJobTTLDuration() time.Duration {
	return time.Duration(s.TerminalJobTTL) * time.Hour
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CODEPLANE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7777)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // 0: SSE responses must not be cut off

	// Agent subprocess defaults
	v.SetDefault("agent.command", "codex")
	v.SetDefault("agent.args", []string{"app-server"})
	v.SetDefault("agent.cwd", "")
	v.SetDefault("agent.callTimeout", 60)
	v.SetDefault("agent.restartMaxAttempts", 5)
	v.SetDefault("agent.restartBackoff", 500)
	v.SetDefault("agent.restartBackoffMax", 30000)

	// Store defaults
	v.SetDefault("store.dbPath", "~/.codeplane/worker.db")
	v.SetDefault("store.eventRetention", 2000)
	v.SetDefault("store.terminalJobTtl", 24)

	// Streaming defaults
	v.SetDefault("streaming.queueSize", 256)
	v.SetDefault("streaming.bindWindow", 5000)
	v.SetDefault("streaming.cancelGrace", 10)

	// Auth defaults - empty token disables authentication
	v.SetDefault("auth.token", "")

	// NATS defaults - empty URL means use in-memory announce bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "codeplane-worker")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CODEPLANE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.codeplane/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CODEPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Legacy worker env vars kept for mobile-app compatibility, plus explicit
	// bindings where env naming differs from the camelCase config keys.
	_ = v.BindEnv("server.port", "PORT", "CODEPLANE_SERVER_PORT")
	_ = v.BindEnv("auth.token", "WORKER_TOKEN", "CODEPLANE_AUTH_TOKEN")
	_ = v.BindEnv("store.dbPath", "WORKER_DB_PATH", "CODEPLANE_STORE_DB_PATH")
	_ = v.BindEnv("store.eventRetention", "WORKER_EVENT_RETENTION", "CODEPLANE_STORE_EVENT_RETENTION")
	_ = v.BindEnv("agent.command", "WORKER_AGENT_COMMAND", "CODEPLANE_AGENT_COMMAND")
	_ = v.BindEnv("agent.cwd", "WORKER_AGENT_CWD", "CODEPLANE_AGENT_CWD")
	_ = v.BindEnv("agent.callTimeout", "CODEPLANE_AGENT_CALL_TIMEOUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.codeplane/")
	}

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

	cfg.Store.DBPath = expandHome(cfg.Store.DBPath)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.CallTimeout <= 0 {
		errs = append(errs, "agent.callTimeout must be positive")
	}

	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Store.EventRetention < 100 {
		// Floor, not an error: the retention ring has a hard minimum.
		cfg.Store.EventRetention = 100
	}

	if cfg.Streaming.QueueSize <= 0 {
		errs = append(errs, "streaming.queueSize must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// expandHome resolves a leading ~/ against the current user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
