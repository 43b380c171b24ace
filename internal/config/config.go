// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	APIBase            string
	Host               string
	Port               string
	Debug              bool
	CORSOrigins        []string
	MaxRequestBodySize int64
	Log                LogConfig
	Transcript         TranscriptConfig
}

// LogConfig controls structured logging output.
type LogConfig struct {
	Level      slog.Level
	File       string // empty disables file logging
	MaxSizeMB  int
	MaxBackups int
}

// TranscriptConfig controls the optional SQLite transcript log.
type TranscriptConfig struct {
	DBPath    string // empty disables the transcript
	QueueSize int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	debug := getEnvBool("DEBUG", false)
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	if raw, ok := os.LookupEnv("LOG_LEVEL"); ok {
		if err := level.UnmarshalText([]byte(strings.TrimSpace(raw))); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", raw, err)
		}
	}

	cfg := &Config{
		APIBase:            strings.TrimRight(getEnv("ADK_API_BASE", "http://localhost:8000"), "/"),
		Host:               getEnv("ADK_CHAT_UI_HOST", "0.0.0.0"),
		Port:               getEnv("ADK_CHAT_UI_PORT", "5000"),
		Debug:              debug,
		CORSOrigins:        getEnvList("CORS_ORIGINS", []string{"*"}),
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		Log: LogConfig{
			Level:      level,
			File:       getEnv("LOG_FILE", "logs/adk_chat_ui.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 10),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		},
		Transcript: TranscriptConfig{
			DBPath:    getEnv("TRANSCRIPT_DB_PATH", ""),
			QueueSize: getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBase == "" {
		return fmt.Errorf("ADK_API_BASE cannot be empty")
	}
	u, err := url.Parse(c.APIBase)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("ADK_API_BASE must be an absolute URL, got %q", c.APIBase)
	}
	if c.Port == "" {
		return fmt.Errorf("ADK_CHAT_UI_PORT cannot be empty")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("ADK_CHAT_UI_PORT must be numeric, got %q", c.Port)
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.Log.File != "" && (c.Log.MaxSizeMB <= 0 || c.Log.MaxBackups < 0) {
		return fmt.Errorf("LOG_MAX_SIZE_MB must be > 0 and LOG_MAX_BACKUPS >= 0")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}

// TranscriptEnabled reports whether the transcript log is configured.
func (c *Config) TranscriptEnabled() bool {
	return c.Transcript.DBPath != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
