package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Remote graphdoc service
	ServerURL     string
	ClientTimeout time.Duration

	// Ingestion queue
	MaxFileSize  int64
	AllowedTypes []string
	PollInterval time.Duration
	MaxPolls     int
	Concurrency  int

	// Session store
	DataDir string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig mirrors Config for the optional YAML config file.
// Zero values mean "not set" and keep the default.
type fileConfig struct {
	ServerURL     string   `yaml:"server_url"`
	ClientTimeout string   `yaml:"client_timeout"`
	MaxFileSize   int64    `yaml:"max_file_size"`
	AllowedTypes  []string `yaml:"allowed_types"`
	PollInterval  string   `yaml:"poll_interval"`
	MaxPolls      int      `yaml:"max_polls"`
	Concurrency   int      `yaml:"concurrency"`
	DataDir       string   `yaml:"data_dir"`
	LogFile       string   `yaml:"log_file"`
	LogLevel      string   `yaml:"log_level"`
}

// Load builds the configuration from defaults, the optional YAML config
// file, and environment variables, in increasing precedence.
// If path is empty, GRAPHDOC_CONFIG or ~/.config/graphdoc/config.yaml is used.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("GRAPHDOC_CONFIG")
	}
	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".config", "graphdoc", "config.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func defaults() Config {
	dataDir := filepath.Join(os.TempDir(), "graphdoc")
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".local", "share", "graphdoc")
	}

	return Config{
		ServerURL:     "http://localhost:8591",
		ClientTimeout: 2 * time.Minute,
		MaxFileSize:   50 << 20,
		AllowedTypes:  []string{".pdf", ".docx", ".doc", ".txt", ".md", ".markdown"},
		PollInterval:  5 * time.Second,
		MaxPolls:      60,
		Concurrency:   4,
		DataDir:       dataDir,
		LogFile:       filepath.Join(os.TempDir(), "graphdoc.log"),
		LogLevel:      slog.LevelInfo,
	}
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ServerURL != "" {
		cfg.ServerURL = fc.ServerURL
	}
	if fc.ClientTimeout != "" {
		d, err := time.ParseDuration(fc.ClientTimeout)
		if err != nil {
			return fmt.Errorf("parse client_timeout: %w", err)
		}
		cfg.ClientTimeout = d
	}
	if fc.MaxFileSize > 0 {
		cfg.MaxFileSize = fc.MaxFileSize
	}
	if len(fc.AllowedTypes) > 0 {
		cfg.AllowedTypes = fc.AllowedTypes
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("parse poll_interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if fc.MaxPolls > 0 {
		cfg.MaxPolls = fc.MaxPolls
	}
	if fc.Concurrency > 0 {
		cfg.Concurrency = fc.Concurrency
	}
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}

	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnv("GRAPHDOC_SERVER_URL", cfg.ServerURL)
	cfg.DataDir = getEnv("GRAPHDOC_DATA_DIR", cfg.DataDir)
	cfg.LogFile = getEnv("GRAPHDOC_LOG_FILE", cfg.LogFile)

	if v := os.Getenv("GRAPHDOC_CLIENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClientTimeout = d
		}
	}
	if v := os.Getenv("GRAPHDOC_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := os.Getenv("GRAPHDOC_MAX_FILE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxFileSize = n
		}
	}
	if v := os.Getenv("GRAPHDOC_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("GRAPHDOC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
