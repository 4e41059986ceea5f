// Package config loads the engine's environment-variable configuration and
// its YAML profile files (vendor field mappings, rule sets, LLM pricing
// tables), following the same env-var-with-defaults plus glob-loaded-YAML
// split the rest of this codebase's ambient stack uses.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the engine's environment-derived configuration.
type Config struct {
	DBPath              string
	OutputDir           string
	ProfilesDir         string
	StandardVersion     string
	StandardDir         string
	StandardCommit      string
	StandardCacheDir    string
	AllowSkipPinning    bool
	DisableLLM          bool
	ClassifierOverride  string
	SanitizeSalt        string
	RedisAddr           string
	LLMProvider         string
	LLMEndpoint         string
	LLMModel            string
	LLMAPIKey           string
	DailyBudgetUSD      float64
	LogLevel            string
	LogFormat           string
}

// Load reads configuration from the environment. AIMO_STANDARD_VERSION must
// be set; every other value falls back to a usable default so a first run
// against a fresh checkout needs only that one variable and an input file.
func Load() (*Config, error) {
	cfg := &Config{
		DBPath:             getenvDefault("AIMO_DB_PATH", "./aimo_evidence.db"),
		OutputDir:          getenvDefault("AIMO_OUTPUT_DIR", "./output"),
		ProfilesDir:        getenvDefault("AIMO_PROFILES_DIR", "./profiles"),
		StandardVersion:    os.Getenv("AIMO_STANDARD_VERSION"),
		StandardDir:        getenvDefault("AIMO_STANDARD_DIR", "./standard"),
		StandardCommit:     getenvDefault("AIMO_STANDARD_COMMIT", "local"),
		StandardCacheDir:   getenvDefault("AIMO_STANDARD_CACHE_DIR", defaultCacheDir()),
		AllowSkipPinning:   isTruthy(os.Getenv("AIMO_ALLOW_SKIP_PINNING")),
		DisableLLM:         isTruthy(os.Getenv("AIMO_DISABLE_LLM")),
		ClassifierOverride: os.Getenv("AIMO_CLASSIFIER"),
		SanitizeSalt:       os.Getenv("SANITIZE_SALT"),
		RedisAddr:          os.Getenv("AIMO_REDIS_ADDR"),
		LLMProvider:        getenvDefault("AIMO_LLM_PROVIDER", "stub"),
		LLMEndpoint:        os.Getenv("AIMO_LLM_ENDPOINT"),
		LLMModel:           getenvDefault("AIMO_LLM_MODEL", "default"),
		LLMAPIKey:          os.Getenv("AIMO_LLM_API_KEY"),
		LogLevel:           getenvDefault("AIMO_LOG_LEVEL", "INFO"),
		LogFormat:          getenvDefault("AIMO_LOG_FORMAT", "text"),
	}

	if cfg.StandardVersion == "" {
		return nil, fmt.Errorf("config: AIMO_STANDARD_VERSION must be set")
	}

	budgetRaw := getenvDefault("AIMO_DAILY_BUDGET_USD", "25.0")
	budget, err := strconv.ParseFloat(budgetRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("config: AIMO_DAILY_BUDGET_USD %q is not a number: %w", budgetRaw, err)
	}
	cfg.DailyBudgetUSD = budget

	if cfg.LLMProvider != "stub" && !cfg.DisableLLM && cfg.LLMAPIKey == "" {
		return nil, fmt.Errorf("config: AIMO_LLM_API_KEY must be set for provider %q unless AIMO_DISABLE_LLM=true", cfg.LLMProvider)
	}
	if cfg.LLMProvider != "stub" && !cfg.DisableLLM && cfg.LLMEndpoint == "" {
		return nil, fmt.Errorf("config: AIMO_LLM_ENDPOINT must be set for provider %q unless AIMO_DISABLE_LLM=true", cfg.LLMProvider)
	}

	return cfg, nil
}

// UsingStubClassifier reports whether the AIMO_CLASSIFIER=stub contract-test
// injection point is active, regardless of the configured real provider.
func (c *Config) UsingStubClassifier() bool {
	return strings.EqualFold(c.ClassifierOverride, "stub")
}

// defaultCacheDir returns ~/.cache/aimo/standard, falling back to a local
// relative path if the home directory cannot be resolved.
func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./.cache/aimo/standard"
	}
	return home + "/.cache/aimo/standard"
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// isTruthy matches the Standard's accepted spelling of "on" for its boolean
// environment flags: 1, true, or yes (case-insensitive).
func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
