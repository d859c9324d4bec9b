package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	p, err := NewProvider("")
	require.NoError(t, err)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.API.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "file", cfg.Tokens.Backend)
	assert.Equal(t, DefaultTokenFile(), cfg.Tokens.File)
	assert.Equal(t, uint32(5), cfg.Breaker.ConsecutiveFailures)
	assert.Equal(t, "none", cfg.Telemetry.Exporter)
	assert.Equal(t, "http://localhost:8000/openapi.json", cfg.SpecSource())
	assert.Equal(t, "http://localhost:8000/auth/refresh", cfg.RefreshURL())
}

func TestLoad_FileMergesWithDefaults(t *testing.T) {
	path := writeConfig(t, "estatectl.yaml", `
api:
  base_url: https://api.estate.test/v1/
  spec_url: ./openapi.yaml
  skip_tags: [internal, "admin, billing"]
tokens:
  backend: memory
log:
  level: DEBUG
`)
	p, err := NewProvider(path)
	require.NoError(t, err)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "https://api.estate.test/v1", cfg.API.BaseURL)
	assert.Equal(t, "./openapi.yaml", cfg.SpecSource())
	assert.Equal(t, "https://api.estate.test/v1/auth/refresh", cfg.RefreshURL())
	assert.Equal(t, []string{"internal", "admin", "billing"}, cfg.API.SkipTags)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout, "unset keys keep their default")
	assert.Equal(t, "memory", cfg.Tokens.Backend)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "estatectl.yaml", "api:\n  base_url: https://file.test\n")
	t.Setenv("ESTATE_API_BASE_URL", "https://env.test")
	t.Setenv("ESTATE_API_TIMEOUT", "5s")

	p, err := NewProvider(path)
	require.NoError(t, err)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "https://env.test", cfg.API.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.API.Timeout)
}

func TestLoad_AbsoluteRefreshPath(t *testing.T) {
	p, err := NewProvider("")
	require.NoError(t, err)
	p.Set("api.refresh_path", "https://auth.estate.test/token")
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.estate.test/token", cfg.RefreshURL())
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]struct {
		set  map[string]any
		want string
	}{
		"bad base url":     {map[string]any{"api.base_url": "not a url"}, "api.base_url"},
		"zero timeout":     {map[string]any{"api.timeout": "0s"}, "api.timeout"},
		"unknown backend":  {map[string]any{"tokens.backend": "etcd"}, "tokens.backend"},
		"bad log level":    {map[string]any{"log.level": "loud"}, "log.level"},
		"grpc no endpoint": {map[string]any{"telemetry.exporter": "grpc"}, "telemetry.endpoint"},
		"redis no url":     {map[string]any{"tokens.backend": "redis"}, "tokens.redis.url"},
		"sql no dsn":       {map[string]any{"tokens.backend": "sql", "tokens.sql.driver": "postgres"}, "tokens.sql.dsn"},
		"sql bad driver":   {map[string]any{"tokens.backend": "sql", "tokens.sql.driver": "oracle", "tokens.sql.dsn": "x"}, "tokens.sql.driver"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			p, err := NewProvider("")
			require.NoError(t, err)
			for k, v := range tc.set {
				p.Set(k, v)
			}
			_, err = Load(p)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestNewProvider_MissingFile(t *testing.T) {
	_, err := NewProvider(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestProvider_ChildAndDecode(t *testing.T) {
	path := writeConfig(t, "estatectl.yaml", Sample)
	p, err := NewProvider(path)
	require.NoError(t, err)

	tokens := p.Child("tokens")
	require.NotNil(t, tokens)
	assert.Equal(t, "file", tokens.GetString("backend"))
	assert.Nil(t, p.Child("nope"))

	var redis Redis
	require.NoError(t, p.Decode("tokens.redis", &redis))
	assert.Equal(t, 3, redis.MaxRetries)
	assert.Equal(t, 5*time.Second, redis.DialTimeout)
}

func TestSample_LoadsCleanly(t *testing.T) {
	path := writeConfig(t, "estatectl.yaml", Sample)
	p, err := NewProvider(path)
	require.NoError(t, err)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "estate.session", cfg.Events.Exchange)
	assert.True(t, cfg.Breaker.Enabled)
}
