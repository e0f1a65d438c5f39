package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ServerConfig configures the development backend.
type ServerConfig struct {
	Port   string
	APIKey string
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration
	// TokenSecret signs issued tokens.
	TokenSecret string
	// WSBinary allows clients to request compressed protobuf frames.
	WSBinary bool
	// PageSize caps message history pages.
	PageSize int
	// StorePath persists channel history in sqlite when set.
	StorePath string
}

func LoadServerConfig() (*ServerConfig, error) {
	ttl, err := time.ParseDuration(getEnvOrDefault("TOKEN_TTL", "1h"))
	if err != nil {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %w", err)
	}

	pageSize, err := strconv.Atoi(getEnvOrDefault("PAGE_SIZE", "100"))
	if err != nil || pageSize < 1 {
		return nil, fmt.Errorf("invalid PAGE_SIZE: %s (must be a positive integer)", os.Getenv("PAGE_SIZE"))
	}

	cfg := &ServerConfig{
		Port:        getEnvOrDefault("PORT", "8080"),
		APIKey:      getEnvOrDefault("FAKESERVER_API_KEY", "dev-key"),
		TokenTTL:    ttl,
		TokenSecret: getEnvOrDefault("TOKEN_SECRET", "dev-secret"),
		WSBinary:    getEnvOrDefault("WS_BINARY", "true") == "true",
		PageSize:    pageSize,
		StorePath:   getEnvOrDefault("STORE_PATH", ""),
	}

	// Validate
	if cfg.TokenTTL <= 0 {
		return nil, fmt.Errorf("invalid TOKEN_TTL: %s (must be positive)", cfg.TokenTTL)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
