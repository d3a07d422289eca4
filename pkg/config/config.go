// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/evermem/memsrv/pkg/memerr"
)

// Config holds everything the bootstrap needs to wire providers.
type Config struct {
	LLMProvider string
	LLMModel    string
	LLMAPIKey   string
	LLMBaseURL  string

	EmbeddingProvider string
	EmbeddingModel    string
	EmbeddingDim      int

	DBProvider       string
	DBCollectionName string
	DBPersistDir     string
	DBProviderConfig map[string]any

	DatabaseUser     string
	DatabasePassword string
	DatabaseName     string
	DatabaseHost     string
	DatabasePort     string

	LLMCallsPerSecond       float64
	EmbeddingCallsPerSecond float64

	EnableOTel       bool
	OTelServiceName  string
	OTelOTLPEndpoint string
	OTelOTLPHeaders  string

	LogLevel string
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Load reads the environment (after an optional .env) into a Config.
// Provider-specific validation is deferred to the factories so that e.g. a
// sqlite deployment does not require postgres credentials.
func Load() (*Config, error) {
	_ = godotenv.Load()

	conf := &Config{
		LLMProvider: getEnv("LLM_PROVIDER", "openai"),
		LLMModel:    getEnv("LLM_MODEL", "gpt-4.1-mini"),
		LLMAPIKey:   getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
		LLMBaseURL:  getEnv("LLM_BASE_URL", "https://api.openai.com/v1"),

		EmbeddingProvider: getEnv("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:    getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),

		DBProvider:       getEnv("DB_PROVIDER", "sqlite_vec"),
		DBCollectionName: getEnv("DB_COLLECTION_NAME", "memories"),
		DBPersistDir:     getEnv("DB_PERSIST_DIR", "./data"),

		DatabaseUser:     getEnv("DATABASE_USER", ""),
		DatabasePassword: getEnv("DATABASE_PASSWORD", ""),
		DatabaseName:     getEnv("DATABASE_NAME", ""),
		DatabaseHost:     getEnv("DATABASE_HOST", "127.0.0.1"),
		DatabasePort:     getEnv("DATABASE_PORT", "5432"),

		EnableOTel:       getEnv("ENABLE_OTEL", "") == "true",
		OTelServiceName:  getEnv("OTEL_SERVICE_NAME", "memsrv"),
		OTelOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTelOTLPHeaders:  getEnv("OTEL_EXPORTER_OTLP_HEADERS", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	dim, err := strconv.Atoi(getEnv("EMBEDDING_DIM", "768"))
	if err != nil || dim <= 0 {
		return nil, memerr.Configuration("EMBEDDING_DIM must be a positive integer")
	}
	conf.EmbeddingDim = dim

	conf.LLMCallsPerSecond, err = parseRate(getEnv("LLM_CALLS_PER_SECOND", "2"))
	if err != nil {
		return nil, memerr.Configuration("LLM_CALLS_PER_SECOND must be a positive number")
	}
	conf.EmbeddingCallsPerSecond, err = parseRate(getEnv("EMBEDDING_CALLS_PER_SECOND", "5"))
	if err != nil {
		return nil, memerr.Configuration("EMBEDDING_CALLS_PER_SECOND must be a positive number")
	}

	if raw := getEnv("DB_PROVIDER_CONFIG", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &conf.DBProviderConfig); err != nil {
			return nil, memerr.Configuration(fmt.Sprintf("DB_PROVIDER_CONFIG is not valid JSON: %v", err))
		}
	}

	return conf, nil
}

func parseRate(raw string) (float64, error) {
	rate, err := strconv.ParseFloat(raw, 64)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("invalid rate %q", raw)
	}
	return rate, nil
}

// PostgresConnString builds the pgx connection string from the DATABASE_*
// variables.
func (c *Config) PostgresConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		c.DatabaseUser, c.DatabasePassword, c.DatabaseHost, c.DatabasePort, c.DatabaseName)
}
