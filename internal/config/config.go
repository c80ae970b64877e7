package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ProviderConfig carries the per-provider options recognized by the relay.
// API keys are referenced by env var name so providers.yaml can be committed.
type ProviderConfig struct {
	APIKeyEnv      string `yaml:"api_key_env"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxTokens      int    `yaml:"max_tokens"`

	// APIKey is resolved from APIKeyEnv at load time, never read from YAML.
	APIKey string `yaml:"-"`
}

type Config struct {
	HTTPPort    string
	DatabaseURL string
	LogMode     string

	JWTSecret string

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string
	FrontendURL        string

	EmbeddingProvider string // "openai" or "gemini"
	EmbeddingModel    string
	GeminiAPIKey      string

	SessionTTLSeconds int

	Providers map[string]ProviderConfig
}

const defaultSessionTTLSeconds = 86400

// Provider names recognized by the dispatch table.
const (
	ProviderOpenAI       = "openai"
	ProviderGemini       = "gemini"
	ProviderGrok         = "grok"
	ProviderDeepResearch = "deep-research"
)

// Load reads .env (if present), environment variables and an optional
// providers.yaml. It returns an error instead of exiting so callers decide
// how fatal a missing key is.
func Load(providersPath string) (*Config, error) {
	_ = godotenv.Load() // no .env file is fine, rely on the environment

	cfg := &Config{
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", "agent_backend.db"),
		LogMode:            getEnv("LOG_MODE", "dev"),
		JWTSecret:          getEnv("JWT_SECRET", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURL:  getEnv("GOOGLE_REDIRECT_URL", "http://localhost:8080/auth/google/callback"),
		FrontendURL:        getEnv("FRONTEND_URL", "http://localhost:3000"),
		EmbeddingProvider:  getEnv("EMBEDDING_PROVIDER", "openai"),
		EmbeddingModel:     getEnv("EMBEDDING_MODEL", ""),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		SessionTTLSeconds:  getEnvAsInt("SESSION_TTL_SECONDS", defaultSessionTTLSeconds),
	}

	providers, err := loadProviders(providersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider config: %w", err)
	}
	cfg.Providers = providers

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return cfg, nil
}

func loadProviders(path string) (map[string]ProviderConfig, error) {
	providers := defaultProviders()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fromFile map[string]ProviderConfig
			if err := yaml.Unmarshal(data, &fromFile); err != nil {
				return nil, fmt.Errorf("failed to parse %s: %w", path, err)
			}
			for name, pc := range fromFile {
				merged := providers[name]
				if pc.APIKeyEnv != "" {
					merged.APIKeyEnv = pc.APIKeyEnv
				}
				if pc.BaseURL != "" {
					merged.BaseURL = pc.BaseURL
				}
				if pc.Model != "" {
					merged.Model = pc.Model
				}
				if pc.TimeoutSeconds > 0 {
					merged.TimeoutSeconds = pc.TimeoutSeconds
				}
				if pc.MaxTokens > 0 {
					merged.MaxTokens = pc.MaxTokens
				}
				providers[name] = merged
			}
		case os.IsNotExist(err):
			// Ship with defaults only.
		default:
			return nil, err
		}
	}

	for name, pc := range providers {
		pc.APIKey = os.Getenv(pc.APIKeyEnv)
		providers[name] = pc
	}
	return providers, nil
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		ProviderOpenAI: {
			APIKeyEnv: "OPENAI_API_KEY",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-3.5-turbo",
			MaxTokens: 256,
			// TimeoutSeconds stays zero: the streaming path has no hard timeout.
		},
		ProviderGrok: {
			APIKeyEnv: "GROK_API_KEY",
			BaseURL:   "https://api.x.ai/v1",
			Model:     "grok-1",
			MaxTokens: 256,
		},
		ProviderGemini: {
			APIKeyEnv:      "GEMINI_API_KEY",
			BaseURL:        "https://generativelanguage.googleapis.com/v1beta/models",
			Model:          "gemini-1.5-flash-latest",
			TimeoutSeconds: 30,
			MaxTokens:      256,
		},
		ProviderDeepResearch: {
			APIKeyEnv:      "OPENAI_API_KEY",
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-search-preview",
			TimeoutSeconds: 30,
			MaxTokens:      256,
		},
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
