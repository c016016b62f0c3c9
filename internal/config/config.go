package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ProviderConfig holds the per-provider API configuration
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string

	// Endpoints
	TokenURL    string // OAuth token endpoint (grant_type=refresh_token)
	APIBaseURL  string // activity-detail-by-id lives under this
	BackfillURL string // asynchronous backfill request endpoint

	// Webhook verification
	VerifyToken string

	// Tier expresses how much we trust this vendor's on-device sensors
	// when scoring duplicate groups. Higher is better.
	Tier int
}

// Config holds all application configuration
type Config struct {
	// Server configuration
	Host string
	Port int

	// Metrics server configuration
	MetricsEnabled bool
	MetricsHost    string
	MetricsPort    int

	// Database configuration
	DatabasePath string

	// Internal API configuration
	InternalAPIKey string

	// Inbound rate limiting (per client IP, sliding window)
	RateLimitPerMinute int

	// Error tracking
	SentryDSN   string
	Environment string

	// Logging configuration
	LogLevel string

	// Connected device platforms
	Providers map[string]ProviderConfig
}

// defaultTiers reflects typical sensor accuracy per vendor.
var defaultTiers = map[string]int{
	"garmin": 3,
	"wahoo":  2,
}

// Load reads configuration from environment variables
// It fails fast if required variables are missing
func Load() (*Config, error) {
	cfg := &Config{
		// Optional values with defaults
		Host:               getEnv("HOST", "localhost"),
		Port:               getEnvInt("PORT", 4201),
		MetricsEnabled:     getEnvBool("METRICS_ENABLED", true),
		MetricsHost:        getEnv("METRICS_HOST", "localhost"),
		MetricsPort:        getEnvInt("METRICS_PORT", 4202),
		DatabasePath:       getEnv("DATABASE_PATH", "./data.db"),
		RateLimitPerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 120),
		SentryDSN:          getEnv("SENTRY_DSN", ""),
		Environment:        getEnv("ENVIRONMENT", "development"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
	}

	// Required values
	var missingVars []string

	cfg.InternalAPIKey = os.Getenv("INTERNAL_API_KEY")
	if cfg.InternalAPIKey == "" {
		missingVars = append(missingVars, "INTERNAL_API_KEY")
	}

	// Provider blocks: PROVIDERS lists the enabled platforms, each one
	// configured through <NAME>_CLIENT_ID etc.
	providerNames := strings.Split(getEnv("PROVIDERS", "garmin,wahoo"), ",")
	cfg.Providers = make(map[string]ProviderConfig, len(providerNames))

	for _, name := range providerNames {
		name = strings.TrimSpace(strings.ToLower(name))
		if name == "" {
			continue
		}
		prefix := strings.ToUpper(name)

		pc := ProviderConfig{
			Name:         name,
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
			TokenURL:     os.Getenv(prefix + "_TOKEN_URL"),
			APIBaseURL:   os.Getenv(prefix + "_API_BASE_URL"),
			BackfillURL:  os.Getenv(prefix + "_BACKFILL_URL"),
			VerifyToken:  os.Getenv(prefix + "_VERIFY_TOKEN"),
			Tier:         getEnvInt(prefix+"_TIER", defaultTiers[name]),
		}

		if pc.ClientID == "" {
			missingVars = append(missingVars, prefix+"_CLIENT_ID")
		}
		if pc.ClientSecret == "" {
			missingVars = append(missingVars, prefix+"_CLIENT_SECRET")
		}
		if pc.TokenURL == "" {
			missingVars = append(missingVars, prefix+"_TOKEN_URL")
		}
		if pc.APIBaseURL == "" {
			missingVars = append(missingVars, prefix+"_API_BASE_URL")
		}

		cfg.Providers[name] = pc
	}

	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured (set PROVIDERS)")
	}

	if len(missingVars) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %v", missingVars)
	}

	return cfg, nil
}

// HasProvider reports whether the named provider is configured
func (c *Config) HasProvider(name string) bool {
	_, ok := c.Providers[strings.ToLower(name)]
	return ok
}

// Provider returns the configuration for the named provider
func (c *Config) Provider(name string) (ProviderConfig, error) {
	pc, ok := c.Providers[strings.ToLower(name)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("unknown provider: %s", name)
	}
	return pc, nil
}

// ProviderNames returns the names of all configured providers
func (c *Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	return names
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable or returns a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvBool gets a boolean environment variable or returns a default value
func getEnvBool(key string, defaultValue bool) bool {
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
