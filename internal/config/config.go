// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	FrontendURL  string
	DBPath       string
	AgentURL     string
	ExtractorURL string
	DefaultModel string
	AgentTimeout time.Duration
	WorkerCount  int
	QueueSize    int
	PricingPath  string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
		DBPath:       getEnv("DB_PATH", "./data/research.db"),
		AgentURL:     getEnv("AGENT_URL", "http://localhost:8090"),
		ExtractorURL: getEnv("EXTRACTOR_URL", "http://localhost:8091"),
		DefaultModel: getEnv("DEFAULT_MODEL", "gpt-4-turbo-preview"),
		AgentTimeout: getEnvDuration("AGENT_TIMEOUT", 15*time.Minute),
		WorkerCount:  getEnvInt("WORKER_COUNT", 4),
		QueueSize:    getEnvInt("QUEUE_SIZE", 64),
		PricingPath:  getEnv("PRICING_PATH", "./config/pricing.yaml"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.AgentURL == "" {
		return fmt.Errorf("AGENT_URL cannot be empty")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("DEFAULT_MODEL cannot be empty")
	}
	if c.AgentTimeout <= 0 {
		return fmt.Errorf("AGENT_TIMEOUT must be > 0")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
