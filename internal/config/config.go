package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	FrontendURL     string        `mapstructure:"frontend_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type SessionConfig struct {
	IDLength               int `mapstructure:"id_length"`
	MaxAgeHours            int `mapstructure:"max_age_hours"`
	SweepWatermark         int `mapstructure:"sweep_watermark"`
	DefaultMaxParticipants int `mapstructure:"default_max_participants"`
	MaxParticipantsLimit   int `mapstructure:"max_participants_limit"`
	MaxCodeSize            int `mapstructure:"max_code_size"`
}

type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// MessageSizeLimit is a floor: the server raises it to fit the largest
	// message session.max_code_size allows.
	MessageSizeLimit int64 `mapstructure:"message_size_limit"`
	SendQueue        int   `mapstructure:"send_queue"`
}

type DockerConfig struct {
	Memory string            `mapstructure:"memory"`
	Images map[string]string `mapstructure:"images"`
}

type ExecutionConfig struct {
	Mode               string        `mapstructure:"mode"`
	Timeout            time.Duration `mapstructure:"timeout"`
	CompileTimeout     time.Duration `mapstructure:"compile_timeout"`
	MaxOutputSize      int           `mapstructure:"max_output_size"`
	RateLimitPerMinute int           `mapstructure:"rate_limit_per_minute"`
	CPUSeconds         uint64        `mapstructure:"cpu_seconds"`
	MemoryMB           uint64        `mapstructure:"memory_mb"`
	FileSizeKB         uint64        `mapstructure:"file_size_kb"`
	MaxProcesses       uint64        `mapstructure:"max_processes"`
	RunnerBinary       string        `mapstructure:"runner_binary"`
	Docker             DockerConfig  `mapstructure:"docker"`
}

type LanguagesConfig struct {
	File string `mapstructure:"file"`
}

type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Session   SessionConfig   `mapstructure:"session"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Log       LogConfig       `mapstructure:"log"`
}

// Execution modes.
const (
	ModeDisabled = "disabled"
	ModeProcess  = "process"
	ModeDocker   = "docker"
	ModeMCP      = "mcp"
)

// Load reads codepair.yaml from path (when set) or from the working
// directory and $HOME/.codepair. A missing file is fine: every key has a
// default, and CODEPAIR_* environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("codepair")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.codepair")
	}

	v.SetEnvPrefix("CODEPAIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with every key at its default.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.frontend_url", "http://localhost:3000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("session.id_length", 12)
	v.SetDefault("session.max_age_hours", 24)
	v.SetDefault("session.sweep_watermark", 100)
	v.SetDefault("session.default_max_participants", 5)
	v.SetDefault("session.max_participants_limit", 20)
	v.SetDefault("session.max_code_size", 50000)

	v.SetDefault("websocket.heartbeat_interval", 30*time.Second)
	v.SetDefault("websocket.message_size_limit", 65536)
	v.SetDefault("websocket.send_queue", 100)

	v.SetDefault("execution.mode", ModeDisabled)
	v.SetDefault("execution.timeout", 5*time.Second)
	v.SetDefault("execution.compile_timeout", 10*time.Second)
	v.SetDefault("execution.max_output_size", 10000)
	v.SetDefault("execution.rate_limit_per_minute", 10)
	v.SetDefault("execution.cpu_seconds", 5)
	v.SetDefault("execution.memory_mb", 128)
	v.SetDefault("execution.file_size_kb", 1024)
	v.SetDefault("execution.max_processes", 64)
	v.SetDefault("execution.runner_binary", "codepair-runner")
	v.SetDefault("execution.docker.memory", "128m")
	v.SetDefault("execution.docker.images", map[string]string{
		"python":     "python:3.12-slim",
		"javascript": "node:22-slim",
		"java":       "eclipse-temurin:21-jdk",
		"cpp":        "gcc:14",
	})

	v.SetDefault("languages.file", "")

	v.SetDefault("archive.enabled", true)
	v.SetDefault("archive.path", filepath.Join(os.Getenv("HOME"), ".codepair", "archive.db"))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"server.port", c.Server.Port > 0 && c.Server.Port < 65536},
		{"session.id_length", c.Session.IDLength >= 6},
		{"session.max_age_hours", c.Session.MaxAgeHours > 0},
		{"session.sweep_watermark", c.Session.SweepWatermark > 0},
		{"session.max_participants_limit", c.Session.MaxParticipantsLimit >= 2},
		{"session.default_max_participants", c.Session.DefaultMaxParticipants >= 2 &&
			c.Session.DefaultMaxParticipants <= c.Session.MaxParticipantsLimit},
		{"session.max_code_size", c.Session.MaxCodeSize > 0},
		{"websocket.heartbeat_interval", c.WebSocket.HeartbeatInterval > 0},
		{"websocket.message_size_limit", c.WebSocket.MessageSizeLimit > 0},
		{"websocket.send_queue", c.WebSocket.SendQueue > 0},
		{"execution.timeout", c.Execution.Timeout > 0},
		{"execution.compile_timeout", c.Execution.CompileTimeout > 0},
		{"execution.max_output_size", c.Execution.MaxOutputSize > 0},
		{"execution.rate_limit_per_minute", c.Execution.RateLimitPerMinute > 0},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("invalid config: %s out of range", check.name)
		}
	}

	switch c.Execution.Mode {
	case ModeDisabled, ModeProcess, ModeDocker, ModeMCP:
	default:
		return fmt.Errorf("invalid config: unknown execution.mode %q", c.Execution.Mode)
	}

	if _, err := log.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid config: log.level: %w", err)
	}
	return nil
}

// ExecutionEnabled reports whether submitted code actually runs on this host.
func (c *Config) ExecutionEnabled() bool {
	return c.Execution.Mode != ModeDisabled
}
