package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"tradesync/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Database
	DBPath string

	// Logging
	LogLevel  logger.LogLevel
	LogFormat logger.Format

	// HTTP API
	HTTPAddr string

	// Binance
	BinanceSymbols []string
	BinanceTestnet bool
	BinanceBaseURL string // Optional override

	// OANDA
	OandaBaseURL string // Optional override; otherwise chosen from the credential environment

	// Merge
	PriceTolerance float64 // Relative entry-price tolerance for fuzzy matches, e.g. 0.005

	// Sync
	SyncConcurrency int

	// Events
	KafkaBrokers []string
	KafkaTopic   string

	// AI journal notes
	AnnotateTrades bool

	// Rate limits, breakers, retries and AI providers from RATE_LIMITS_FILE
	ResilienceFile string
	Resilience     *Resilience
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/tradesync.db")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	switch format := strings.ToLower(getEnv("LOG_FORMAT", "text")); format {
	case "text":
		cfg.LogFormat = logger.FormatText
	case "json":
		cfg.LogFormat = logger.FormatJSON
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be text or json, got %q", format))
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", ":8080")

	// Binance
	cfg.BinanceSymbols = getEnvAsList("BINANCE_SYMBOLS", []string{"BTCUSDT", "ETHUSDT"})
	cfg.BinanceTestnet = getEnvAsBool("BINANCE_TESTNET", false)
	cfg.BinanceBaseURL = getEnv("BINANCE_BASE_URL", "")

	cfg.OandaBaseURL = getEnv("OANDA_BASE_URL", "")

	// Merge
	cfg.PriceTolerance, err = getEnvAsFloatRequired("MERGE_PRICE_TOLERANCE", 0.005)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MERGE_PRICE_TOLERANCE: %v", err))
	} else if cfg.PriceTolerance <= 0 || cfg.PriceTolerance >= 1.0 {
		errs = append(errs, "MERGE_PRICE_TOLERANCE must be between 0.0 and 1.0 (exclusive)")
	}

	// Sync
	cfg.SyncConcurrency, err = getEnvAsIntRequired("SYNC_CONCURRENCY", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SYNC_CONCURRENCY: %v", err))
	} else if cfg.SyncConcurrency <= 0 {
		errs = append(errs, "SYNC_CONCURRENCY must be positive")
	}

	// Events
	cfg.KafkaBrokers = getEnvAsList("KAFKA_BROKERS", nil)
	cfg.KafkaTopic = getEnv("KAFKA_TOPIC", "tradesync.events")
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic == "" {
		errs = append(errs, "KAFKA_TOPIC must be set when KAFKA_BROKERS is set")
	}

	cfg.AnnotateTrades = getEnvAsBool("AI_ANNOTATE", false)

	// Resilience
	cfg.ResilienceFile = getEnv("RATE_LIMITS_FILE", "")
	if cfg.ResilienceFile != "" {
		cfg.Resilience, err = LoadResilienceFile(cfg.ResilienceFile)
		if err != nil {
			errs = append(errs, err.Error())
		}
	} else {
		cfg.Resilience = DefaultResilience()
	}
	if cfg.Resilience != nil {
		cfg.Resilience.attachAPIKeys(os.Getenv)
		if cfg.AnnotateTrades && len(cfg.Resilience.AIProviders) == 0 {
			errs = append(errs, "AI_ANNOTATE requires ai_providers in RATE_LIMITS_FILE")
		}
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated value, dropping empty items.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
