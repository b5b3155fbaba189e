package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Environment: EnvDevelopment,
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       time.Second,
			WriteTimeout:      time.Second,
			IdleTimeout:       time.Second,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   time.Second,
		},
		Storage: StorageConfig{
			Adapter: "memory",
		},
		Rules: RulesConfig{
			Path: "./rules.yaml",
		},
		Ingest: IngestConfig{
			Mode: "sync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func TestLoad(t *testing.T) {
	// Test loading default config
	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify defaults
	assert.Equal(t, EnvDevelopment, cfg.Environment)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Adapter)
	assert.Equal(t, "sync", cfg.Ingest.Mode)
	assert.Equal(t, "./rules.yaml", cfg.Rules.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	// Create a temporary config file
	configContent := `{
		"environment": "testing",
		"server": {
			"address": ":9090"
		},
		"storage": {
			"adapter": "memory"
		},
		"ingest": {
			"mode": "async",
			"queue_buffer": 512,
			"workers": 2
		}
	}`

	tmpFile, err := os.CreateTemp("", "config_test_*.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	_, err = tmpFile.WriteString(configContent)
	require.NoError(t, err)
	tmpFile.Close()

	// Load config from file
	cfg, err := LoadFromFile(tmpFile.Name())
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Verify loaded values; unset sections keep their defaults
	assert.Equal(t, EnvTesting, cfg.Environment)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "async", cfg.Ingest.Mode)
	assert.Equal(t, 512, cfg.Ingest.QueueBuffer)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MERITKIT_SERVER_ADDR", ":7070")
	t.Setenv("MERITKIT_STORAGE_ADAPTER", "file")
	t.Setenv("MERITKIT_STORAGE_FILE_PATH", "/tmp/meritkit.json")
	t.Setenv("MERITKIT_RULES_PATH", "/etc/meritkit/rules.yaml")
	t.Setenv("MERITKIT_SERVER_READ_TIMEOUT", "15s")
	t.Setenv("MERITKIT_SECURITY_API_KEYS", "key-a, key-b")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Address)
	assert.Equal(t, "file", cfg.Storage.Adapter)
	assert.Equal(t, "/tmp/meritkit.json", cfg.Storage.File.Path)
	assert.Equal(t, "/etc/meritkit/rules.yaml", cfg.Rules.Path)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Security.APIKeys)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		expectError bool
	}{
		{name: "valid config", mutate: func(*Config) {}, expectError: false},
		{name: "empty environment", mutate: func(c *Config) { c.Environment = "" }, expectError: true},
		{name: "zero read timeout", mutate: func(c *Config) { c.Server.ReadTimeout = 0 }, expectError: true},
		{name: "unknown storage adapter", mutate: func(c *Config) { c.Storage.Adapter = "mongodb" }, expectError: true},
		{name: "sql without dsn", mutate: func(c *Config) { c.Storage.Adapter = "sql" }, expectError: true},
		{name: "file without path", mutate: func(c *Config) {
			c.Storage.Adapter = "file"
			c.Storage.File.Path = ""
		}, expectError: true},
		{name: "empty rules path", mutate: func(c *Config) { c.Rules.Path = "" }, expectError: true},
		{name: "bad ingest mode", mutate: func(c *Config) { c.Ingest.Mode = "batch" }, expectError: true},
		{name: "async without workers", mutate: func(c *Config) { c.Ingest.Mode = "async" }, expectError: true},
		{name: "bad log level", mutate: func(c *Config) { c.Logging.Level = "trace" }, expectError: true},
		{name: "rate limit without rpm", mutate: func(c *Config) { c.Security.EnableRateLimit = true }, expectError: true},
		{name: "blank api key", mutate: func(c *Config) { c.Security.APIKeys = []string{" "} }, expectError: true},
		{name: "bad webhook url", mutate: func(c *Config) { c.Security.WebhookURLs = []string{"ftp://x"} }, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestString_RedactsSecrets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SQL.DSN = "postgres://user:hunter2@db/meritkit"
	cfg.Storage.Redis.Password = "hunter2"

	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.Contains(t, s, "[REDACTED]")
}
