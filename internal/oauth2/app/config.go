package app

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Issuer string // Required: issuer claim for tokens

	Algorithm string // Optional: JWT signing algorithm (RS256, ES256, EdDSA) (default: EdDSA)
	RSABits   int    // Optional: RSA key size for RS256 (default: 4096)
	NumKeys   int    // Optional: number of signing keys to generate (default: 3, min: 1, max: 10)

	DatabaseFile string // Optional: path to SQLite database file (default: ./lamplight.db)

	AccessTokenValidity  time.Duration // Optional: default access token lifetime (default: 6h)
	RefreshTokenValidity time.Duration // Optional: default refresh token lifetime (default: 30 days)
	RenewalWindow        time.Duration // Optional: refresh rotation window (default: 3 days)
	ApprovalValidity     time.Duration // Optional: recorded consent lifetime (default: 30 days)
	ConfirmationTTL      time.Duration // Optional: step-up ticket lifetime (default: 5m)

	RetainExpiredTokens bool // Optional: keep expired tokens for housekeeping instead of deleting on load (default: false)

	TestRedirectURI string // Optional: diagnostic callback that auto-approves

	Env                  string        // Environment (dev, staging, prod) (default: dev)
	LogLevel             string        // Log level (debug, info, warn, error) (default: info)
	LogFormat            string        // Log format (json, text) (default: json)
	HousekeepingInterval time.Duration // Housekeeping interval (default: 1h)
}

func LoadConfig() Config {
	cfg := Config{
		Issuer:               os.Getenv("LAMPLIGHT_ISSUER"),
		Algorithm:            getEnvOrDefault("LAMPLIGHT_ALGORITHM", "EdDSA"),
		DatabaseFile:         getEnvOrDefault("LAMPLIGHT_DATABASE_FILE", "lamplight.db"),
		AccessTokenValidity:  getEnvDurationOrDefault("LAMPLIGHT_ACCESS_TOKEN_VALIDITY", 6*time.Hour),
		RefreshTokenValidity: getEnvDurationOrDefault("LAMPLIGHT_REFRESH_TOKEN_VALIDITY", 30*24*time.Hour),
		RenewalWindow:        getEnvDurationOrDefault("LAMPLIGHT_RENEWAL_WINDOW", 3*24*time.Hour),
		ApprovalValidity:     getEnvDurationOrDefault("LAMPLIGHT_APPROVAL_VALIDITY", 30*24*time.Hour),
		ConfirmationTTL:      getEnvDurationOrDefault("LAMPLIGHT_CONFIRMATION_TTL", 5*time.Minute),
		RetainExpiredTokens:  os.Getenv("LAMPLIGHT_RETAIN_EXPIRED_TOKENS") == "true",
		TestRedirectURI:      os.Getenv("LAMPLIGHT_TEST_REDIRECT_URI"),
		Env:                  getEnvOrDefault("ENV", "dev"),
		LogLevel:             getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:            getEnvOrDefault("LOG_FORMAT", "json"),
		HousekeepingInterval: getEnvDurationOrDefault("HOUSEKEEPING_INTERVAL", 1*time.Hour),
	}

	// Parse RSA bits (only relevant for RS256)
	if rsaBitsStr := os.Getenv("LAMPLIGHT_RSA_BITS"); rsaBitsStr != "" {
		if bits, err := strconv.Atoi(rsaBitsStr); err == nil {
			cfg.RSABits = bits
		}
		// If parsing fails, RSABits remains 0 (will use default in KeyManager)
	}

	// Parse number of keys (default: 3)
	if numKeysStr := os.Getenv("LAMPLIGHT_NUM_KEYS"); numKeysStr != "" {
		if numKeys, err := strconv.Atoi(numKeysStr); err == nil {
			cfg.NumKeys = numKeys
		}
		// If parsing fails, NumKeys remains 0 (will use default in KeyManager)
	}

	if cfg.Issuer == "" {
		cfg.Issuer = "lamplight"
	}

	return cfg
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Try parsing as integer minutes (for backwards compatibility)
	if minutes, err := strconv.Atoi(value); err == nil {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
