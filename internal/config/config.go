// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashureev/docchat/internal/document"
	"github.com/ashureev/docchat/internal/llm"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	AllowedOrigins []string
	DBPath         string
	UploadDir      string
	MaxUploadBytes int64
	MaxPDFPages    int
	GRPCAddr       string // empty disables the gRPC health server
	LLM            llm.Config
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	frontendURL := getEnv("FRONTEND_URL", "http://localhost:3000")
	origins := parseOrigins(getEnv("ALLOWED_ORIGINS", ""))
	if len(origins) == 0 {
		origins = parseOrigins(frontendURL)
	}

	provider := strings.ToLower(getEnv("LLM_PROVIDER", ""))
	if provider == "" {
		provider = "gemini"
	}
	llmCfg := llm.Config{
		Provider: provider,
		Timeout:  getEnvDuration("LLM_TIMEOUT", llm.DefaultTimeout),
	}
	switch provider {
	case "ark":
		llmCfg.APIKey = getEnv("ARK_API_KEY", "")
		llmCfg.AccessKey = getEnv("ARK_ACCESS_KEY", "")
		llmCfg.SecretKey = getEnv("ARK_SECRET_KEY", "")
		llmCfg.Model = getEnv("ARK_MODEL", "")
		llmCfg.BaseURL = getEnv("ARK_BASE_URL", "")
		llmCfg.Region = getEnv("ARK_REGION", "")
	default:
		llmCfg.APIKey = getEnv("GEMINI_API_KEY", "")
		llmCfg.Model = getEnv("GEMINI_MODEL", "gemini-2.0-flash")
		llmCfg.BaseURL = getEnv("GEMINI_BASE_URL", "")
	}

	cfg := &Config{
		Port:           getEnv("PORT", "5000"),
		FrontendURL:    frontendURL,
		AllowedOrigins: origins,
		DBPath:         getEnv("DB_PATH", "./data/docchat.db"),
		UploadDir:      getEnv("UPLOAD_DIR", "./data/uploads"),
		MaxUploadBytes: int64(getEnvInt("MAX_UPLOAD_BYTES", 20<<20)),
		MaxPDFPages:    getEnvInt("MAX_PDF_PAGES", document.DefaultMaxPages),
		GRPCAddr:       getEnv("GRPC_ADDR", ""),
		LLM:            llmCfg,
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
	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR cannot be empty")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0")
	}
	if c.MaxPDFPages <= 0 {
		return fmt.Errorf("MAX_PDF_PAGES must be > 0")
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}

	switch c.LLM.Provider {
	case "gemini":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY is required for the gemini provider")
		}
	case "ark":
		if c.LLM.Model == "" {
			return fmt.Errorf("ARK_MODEL is required for the ark provider")
		}
		if c.LLM.APIKey == "" && (c.LLM.AccessKey == "" || c.LLM.SecretKey == "") {
			return fmt.Errorf("ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY is required for the ark provider")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
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
		return strings.TrimSpace(value)
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

// getEnvDuration accepts Go durations ("90s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// parseOrigins splits a comma separated origin list, dropping blanks, duplicates and trailing slashes.
func parseOrigins(list string) []string {
	var out []string
	for _, o := range strings.Split(list, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" && !slices.Contains(out, o) {
			out = append(out, o)
		}
	}
	return out
}
