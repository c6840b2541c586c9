// Package config loads service configuration from built-in defaults, an
// optional YAML file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Tools     ToolsConfig     `yaml:"tools"`
	Whisper   WhisperConfig   `yaml:"whisper"`
	Logging   LoggingConfig   `yaml:"logging"`
	Batch     BatchConfig     `yaml:"batch"`
}

// ServerConfig contains HTTP listener configuration
type ServerConfig struct {
	Address           string `yaml:"address"`
	Port              int    `yaml:"port"`
	ReadHeaderTimeout int    `yaml:"read_header_timeout"` // seconds
	ReadTimeout       int    `yaml:"read_timeout"`        // seconds, 0 disables; uploads are bounded by max_upload_mb
	WriteTimeout      int    `yaml:"write_timeout"`       // seconds, 0 disables
	IdleTimeout       int    `yaml:"idle_timeout"`        // seconds
	ShutdownTimeout   int    `yaml:"shutdown_timeout"`    // seconds
	MaxUploadMB       int64  `yaml:"max_upload_mb"`
	AllowedOrigin     string `yaml:"allowed_origin"`
}

// WorkspaceConfig controls where run artifacts live
type WorkspaceConfig struct {
	Root          string `yaml:"root"`
	StaleAfter    int    `yaml:"stale_after"`    // minutes
	SweepInterval int    `yaml:"sweep_interval"` // minutes, 0 disables the periodic sweep
}

// ToolConfig names one external executable and its invocation timeout
type ToolConfig struct {
	Path    string `yaml:"path"`
	Timeout int    `yaml:"timeout"` // seconds, 0 means unbounded
}

// ToolsConfig groups the three pipeline tools
type ToolsConfig struct {
	Download   ToolConfig `yaml:"download"`
	Extract    ToolConfig `yaml:"extract"`
	Transcribe ToolConfig `yaml:"transcribe"`
}

// WhisperConfig holds the fixed speech-recognition parameters
type WhisperConfig struct {
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Environment string `yaml:"environment"`
	Level       string `yaml:"level"`
}

// BatchConfig tunes the manifest runner
type BatchConfig struct {
	Concurrency int `yaml:"concurrency"`
	MaxRetries  int `yaml:"max_retries"`
	MaxElapsed  int `yaml:"max_elapsed"` // seconds per row, across retries
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:           "",
			Port:              5000,
			ReadHeaderTimeout: 10,
			ReadTimeout:       0,
			WriteTimeout:      0,
			IdleTimeout:       120,
			ShutdownTimeout:   30,
			MaxUploadMB:       512,
			AllowedOrigin:     "*",
		},
		Workspace: WorkspaceConfig{
			Root:          "work",
			StaleAfter:    120,
			SweepInterval: 30,
		},
		Tools: ToolsConfig{
			Download:   ToolConfig{Path: "yt-dlp", Timeout: 600},
			Extract:    ToolConfig{Path: "ffmpeg", Timeout: 300},
			Transcribe: ToolConfig{Path: "whisper", Timeout: 1800},
		},
		Whisper: WhisperConfig{
			Model:    "base",
			Language: "English",
		},
		Logging: LoggingConfig{
			Environment: "local",
			Level:       "info",
		},
		Batch: BatchConfig{
			Concurrency: 2,
			MaxRetries:  2,
			MaxElapsed:  3600,
		},
	}
}

// Load reads the YAML file at path (skipped when empty), then .env, then
// the process environment, and validates the result.
func Load(path string) (*Config, error) {
	// missing .env is fine
	_ = godotenv.Load()
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}

	str("ADDRESS", &c.Server.Address)
	num("PORT", &c.Server.Port)
	num("READ_HEADER_TIMEOUT_SEC", &c.Server.ReadHeaderTimeout)
	num("READ_TIMEOUT_SEC", &c.Server.ReadTimeout)
	num("WRITE_TIMEOUT_SEC", &c.Server.WriteTimeout)
	num("IDLE_TIMEOUT_SEC", &c.Server.IdleTimeout)
	num("SHUTDOWN_TIMEOUT_SEC", &c.Server.ShutdownTimeout)
	str("CORS_ORIGIN", &c.Server.AllowedOrigin)
	if v := strings.TrimSpace(getenv("MAX_UPLOAD_MB")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_UPLOAD_MB: %q is not an integer", v))
		} else {
			c.Server.MaxUploadMB = n
		}
	}

	str("WORK_DIR", &c.Workspace.Root)
	num("STALE_AFTER_MIN", &c.Workspace.StaleAfter)
	num("SWEEP_INTERVAL_MIN", &c.Workspace.SweepInterval)

	str("DOWNLOAD_TOOL", &c.Tools.Download.Path)
	str("EXTRACT_TOOL", &c.Tools.Extract.Path)
	str("TRANSCRIBE_TOOL", &c.Tools.Transcribe.Path)
	num("DOWNLOAD_TIMEOUT_SEC", &c.Tools.Download.Timeout)
	num("EXTRACT_TIMEOUT_SEC", &c.Tools.Extract.Timeout)
	num("TRANSCRIBE_TIMEOUT_SEC", &c.Tools.Transcribe.Timeout)

	str("WHISPER_MODEL", &c.Whisper.Model)
	str("WHISPER_LANGUAGE", &c.Whisper.Language)

	str("ENVIRONMENT", &c.Logging.Environment)
	str("LOG_LEVEL", &c.Logging.Level)

	num("BATCH_CONCURRENCY", &c.Batch.Concurrency)
	num("BATCH_MAX_RETRIES", &c.Batch.MaxRetries)
	num("BATCH_MAX_ELAPSED_SEC", &c.Batch.MaxElapsed)

	return errors.Join(errs...)
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace config: %w", err)
	}
	if err := c.Tools.Validate(); err != nil {
		return fmt.Errorf("tools config: %w", err)
	}
	if err := c.Whisper.Validate(); err != nil {
		return fmt.Errorf("whisper config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := c.Batch.Validate(); err != nil {
		return fmt.Errorf("batch config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", s.Port)
	}
	if s.ReadHeaderTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdleTimeout < 0 || s.ShutdownTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if s.MaxUploadMB < 1 {
		return fmt.Errorf("max_upload_mb must be at least 1, got %d", s.MaxUploadMB)
	}
	return nil
}

// Validate validates workspace configuration
func (w *WorkspaceConfig) Validate() error {
	if strings.TrimSpace(w.Root) == "" {
		return fmt.Errorf("root cannot be empty")
	}
	if w.StaleAfter < 1 {
		return fmt.Errorf("stale_after must be at least 1 minute, got %d", w.StaleAfter)
	}
	if w.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval cannot be negative, got %d", w.SweepInterval)
	}
	return nil
}

// Validate validates each tool entry
func (t *ToolsConfig) Validate() error {
	for name, tool := range map[string]ToolConfig{
		"download":   t.Download,
		"extract":    t.Extract,
		"transcribe": t.Transcribe,
	} {
		if strings.TrimSpace(tool.Path) == "" {
			return fmt.Errorf("%s path cannot be empty", name)
		}
		if tool.Timeout < 0 {
			return fmt.Errorf("%s timeout cannot be negative, got %d", name, tool.Timeout)
		}
	}
	return nil
}

// Validate validates whisper parameters
func (w *WhisperConfig) Validate() error {
	if strings.TrimSpace(w.Model) == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if strings.TrimSpace(w.Language) == "" {
		return fmt.Errorf("language cannot be empty")
	}
	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	l.Level = strings.ToLower(strings.TrimSpace(l.Level))
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	return nil
}

// Validate validates batch configuration
func (b *BatchConfig) Validate() error {
	if b.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", b.Concurrency)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", b.MaxRetries)
	}
	if b.MaxElapsed < 1 {
		return fmt.Errorf("max_elapsed must be at least 1 second, got %d", b.MaxElapsed)
	}
	return nil
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Address, s.Port)
}

// MaxUploadBytes returns the upload cap in bytes.
func (s *ServerConfig) MaxUploadBytes() int64 {
	return s.MaxUploadMB << 20
}

// StaleAfterDuration returns the sweep age as a time.Duration
func (w *WorkspaceConfig) StaleAfterDuration() time.Duration {
	return time.Duration(w.StaleAfter) * time.Minute
}

// SweepIntervalDuration returns the periodic sweep interval as a time.Duration
func (w *WorkspaceConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(w.SweepInterval) * time.Minute
}

// TimeoutDuration returns the tool timeout as a time.Duration
func (t ToolConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// MaxElapsedDuration returns the per-row retry budget as a time.Duration
func (b *BatchConfig) MaxElapsedDuration() time.Duration {
	return time.Duration(b.MaxElapsed) * time.Second
}
