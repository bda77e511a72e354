package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	DataDir       string
	WorkspacesDir string

	AnthropicAPIKey string
	Model           string
	MaxTokens       int

	TickInterval time.Duration
	LogLevel     string
}

func Load() Config {
	loadDotEnv(".env")
	dataDir := getEnv("AGENTD_DATA_DIR", "data")
	return Config{
		HTTPAddr:      getEnv("AGENTD_HTTP_ADDR", ":8080"),
		DataDir:       dataDir,
		WorkspacesDir: getEnv("AGENTD_WORKSPACES_DIR", filepath.Join(dataDir, "workspaces")),

		AnthropicAPIKey: getEnv("AGENTD_ANTHROPIC_API_KEY", os.Getenv("ANTHROPIC_API_KEY")),
		Model:           getEnv("AGENTD_MODEL", "claude-sonnet-4-5"),
		MaxTokens:       getEnvInt("AGENTD_MAX_TOKENS", 8192),

		TickInterval: getEnvDuration("AGENTD_TICK_INTERVAL", 30*time.Second),
		LogLevel:     getEnv("AGENTD_LOG_LEVEL", "info"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		parsed = parsed*10 + int(c-'0')
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		value = strings.Trim(value, `"'`)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, value)
	}
}
