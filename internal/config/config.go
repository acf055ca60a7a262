// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	DataDir             string // base directory for databases, always absolute
	Port                int
	LogLevel            string
	DevMode             bool
	Workers             int     // solver pool size for batch endpoints
	AnnualizationFactor int     // periods per year, 252 for daily data
	RiskFreeRate        float64 // annualized, used by max-Sharpe and ratio metrics
	VaRConfidence       float64
	VaRLimit            float64 // rolling monitor breach threshold, 0 disables
	MonitorSchedule     string  // cron expression for the rolling VaR monitor
	MonitorEnabled      bool
}

// Load reads configuration from environment variables, with a .env file as
// optional source.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("ALLOCATOR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("ALLOCATOR_PORT", 8010),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		Workers:             getEnvAsInt("ALLOCATOR_WORKERS", 4),
		AnnualizationFactor: getEnvAsInt("ANNUALIZATION_FACTOR", 252),
		RiskFreeRate:        getEnvAsFloat("RISK_FREE_RATE", 0.0),
		VaRConfidence:       getEnvAsFloat("VAR_CONFIDENCE", 0.95),
		VaRLimit:            getEnvAsFloat("VAR_LIMIT", 0.0),
		MonitorSchedule:     getEnv("VAR_MONITOR_SCHEDULE", "@daily"),
		MonitorEnabled:      getEnvAsBool("VAR_MONITOR_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", c.Workers)
	}
	if c.AnnualizationFactor <= 0 {
		return fmt.Errorf("annualization factor must be positive, got %d", c.AnnualizationFactor)
	}
	if c.VaRConfidence <= 0 || c.VaRConfidence >= 1 {
		return fmt.Errorf("VaR confidence must be in (0, 1), got %g", c.VaRConfidence)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
