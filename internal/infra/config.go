package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv                  string
	Port                    string
	ServiceName             string
	OutputDir               string
	TemplatesDir            string
	InstantIDSpace          string
	InstantIDBaseURL        string
	InstantIDAPIPrefix      string
	HFToken                 string
	InferenceTimeout        time.Duration
	InferenceMaxConcurrency int
	DefaultPrompt           string
	DefaultStyle            string
	MaxUploadBytes          int64
	CORSAllowedOrigins      []string
	HTTPReadTimeout         time.Duration
	HTTPWriteTimeout        time.Duration
	HTTPIdleTimeout         time.Duration
	RateLimitPerMin         int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:                  getEnv("APP_ENV", "development"),
		Port:                    getEnv("PORT", "8000"),
		ServiceName:             getEnv("SERVICE_NAME", "InstantID"),
		OutputDir:               getEnv("OUTPUT_DIR", "./generated"),
		TemplatesDir:            getEnv("TEMPLATES_DIR", "./templates"),
		InstantIDSpace:          getEnv("INSTANTID_SPACE", "InstantX/InstantID"),
		InstantIDBaseURL:        os.Getenv("INSTANTID_BASE_URL"),
		InstantIDAPIPrefix:      os.Getenv("INSTANTID_API_PREFIX"),
		HFToken:                 strings.TrimSpace(os.Getenv("HF_TOKEN")),
		InferenceTimeout:        time.Second * time.Duration(getEnvInt("INFERENCE_TIMEOUT_SECONDS", 180)),
		InferenceMaxConcurrency: getEnvInt("INFERENCE_MAX_CONCURRENCY", 0),
		DefaultPrompt:           getEnv("DEFAULT_PROMPT", "make brighter picture"),
		DefaultStyle:            getEnv("DEFAULT_STYLE", "Spring Festival"),
		MaxUploadBytes:          int64(getEnvInt("MAX_UPLOAD_MB", 20)) << 20,
		CORSAllowedOrigins:      splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
		HTTPReadTimeout:         time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 30)),
		HTTPWriteTimeout:        time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 240)),
		HTTPIdleTimeout:         time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:         getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.InferenceTimeout <= 0 {
		return nil, fmt.Errorf("INFERENCE_TIMEOUT_SECONDS must be positive")
	}
	if cfg.MaxUploadBytes <= 0 {
		return nil, fmt.Errorf("MAX_UPLOAD_MB must be positive")
	}
	if cfg.InferenceMaxConcurrency < 0 {
		return nil, fmt.Errorf("INFERENCE_MAX_CONCURRENCY must not be negative")
	}
	// The response is written after the remote call returns.
	if cfg.HTTPWriteTimeout <= cfg.InferenceTimeout {
		cfg.HTTPWriteTimeout = cfg.InferenceTimeout + 30*time.Second
	}

	return cfg, nil
}

// ShutdownTimeout bounds a graceful shutdown. It outlasts the longest
// in-flight inference and never undercuts the idle timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	timeout := c.InferenceTimeout + 30*time.Second
	if c.HTTPIdleTimeout > timeout {
		timeout = c.HTTPIdleTimeout
	}
	return timeout
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
