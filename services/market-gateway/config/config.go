// Package config loads the market gateway's runtime configuration from the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config represents runtime configuration for the market gateway service.
type Config struct {
	ListenAddress string
	Environment   string
	LogLevel      string

	// DatabaseURL is a postgres DSN. Empty selects the embedded sqlite store,
	// which is what tests and local development run on.
	DatabaseURL string

	NodeURL       string
	NodeAuthToken string

	// PlatformWallet signs delivery-side settlement transactions when a user
	// has no wallet of their own.
	PlatformWallet string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RewardCataloguePath string
	GeminiAPIKey        string
	FraudThreshold      float64

	ReconInterval time.Duration

	LogRequests bool
}

// FromEnv builds a Config from environment variables, applying defaults
// suitable for local development.
func FromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddress:       envOr("GATEWAY_LISTEN", ":8080"),
		Environment:         envOr("GATEWAY_ENV", "dev"),
		LogLevel:            envOr("GATEWAY_LOG_LEVEL", "info"),
		DatabaseURL:         strings.TrimSpace(os.Getenv("GATEWAY_DATABASE_URL")),
		NodeURL:             envOr("GATEWAY_NODE_URL", "http://127.0.0.1:8645"),
		NodeAuthToken:       strings.TrimSpace(os.Getenv("GATEWAY_NODE_TOKEN")),
		PlatformWallet:      strings.TrimSpace(os.Getenv("GATEWAY_PLATFORM_WALLET")),
		JWTSecret:           strings.TrimSpace(os.Getenv("GATEWAY_JWT_SECRET")),
		JWTIssuer:           envOr("GATEWAY_JWT_ISSUER", "agriclear"),
		JWTAudience:         envOr("GATEWAY_JWT_AUDIENCE", "market-gateway"),
		RewardCataloguePath: strings.TrimSpace(os.Getenv("GATEWAY_REWARD_CATALOGUE")),
		GeminiAPIKey:        strings.TrimSpace(os.Getenv("GEMINI_API_KEY")),
		FraudThreshold:      0.8,
		ReconInterval:       time.Minute,
		LogRequests:         true,
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: GATEWAY_JWT_SECRET is required")
	}
	if cfg.PlatformWallet != "" && !common.IsHexAddress(cfg.PlatformWallet) {
		return nil, fmt.Errorf("config: GATEWAY_PLATFORM_WALLET %q is not a hex address", cfg.PlatformWallet)
	}

	if raw := strings.TrimSpace(os.Getenv("GATEWAY_FRAUD_THRESHOLD")); raw != "" {
		threshold, err := strconv.ParseFloat(raw, 64)
		if err != nil || threshold < 0 || threshold > 1 {
			return nil, fmt.Errorf("config: GATEWAY_FRAUD_THRESHOLD %q must be a number in [0,1]", raw)
		}
		cfg.FraudThreshold = threshold
	}
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_RECON_INTERVAL")); raw != "" {
		interval, err := time.ParseDuration(raw)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("config: GATEWAY_RECON_INTERVAL %q must be a positive duration", raw)
		}
		cfg.ReconInterval = interval
	}
	if raw := strings.TrimSpace(os.Getenv("GATEWAY_LOG_REQUESTS")); raw != "" {
		logRequests, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("config: GATEWAY_LOG_REQUESTS %q must be a boolean", raw)
		}
		cfg.LogRequests = logRequests
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
