package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8181"
  upstream_url: "http://app.internal:3000"
recaptcha:
  secret: "s3cret"
  min_score: 0.7
  max_challenge_age: 2m
  allowed_hosts: ["example.com", "www.example.com"]
gate:
  debug: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8181", cfg.Server.HTTPAddr)
	assert.Equal(t, "http://app.internal:3000", cfg.Server.UpstreamURL)
	assert.Equal(t, "s3cret", cfg.Recaptcha.Secret)
	assert.Equal(t, 0.7, cfg.Recaptcha.MinScore)
	assert.Equal(t, 2*time.Minute, cfg.Recaptcha.MaxChallengeAge)
	assert.Equal(t, []string{"example.com", "www.example.com"}, cfg.Recaptcha.AllowedHosts)
	assert.True(t, cfg.Gate.Debug)

	// untouched keys keep their defaults
	assert.Equal(t, 60*time.Second, cfg.Recaptcha.Timeout)
	assert.Equal(t, "retoken", cfg.Gate.TokenField)
	assert.Equal(t, SkewModeAbsolute, cfg.Recaptcha.SkewMode)
	assert.Equal(t, "127.0.0.1", cfg.Recaptcha.RemoteIP)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
recaptcha:
  secret: "from-file"
  allowed_hosts: ["file.example.com"]
`)
	t.Setenv("RECAPTCHA_SECRET", "from-env")
	t.Setenv("ALLOWED_HOSTS", " a.example.com, ,b.example.com ")
	t.Setenv("GATE_DEBUG", "true")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Recaptcha.Secret)
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, cfg.Recaptcha.AllowedHosts)
	assert.True(t, cfg.Gate.Debug)
	assert.Equal(t, "debug", cfg.Monitoring.Logging.Level)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("RECAPTCHA_IGNORE", "1")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.True(t, cfg.Recaptcha.Ignore)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadConfig_BadBoolEnv(t *testing.T) {
	t.Setenv("GATE_DEBUG", "maybe")

	_, err := LoadConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATE_DEBUG")
}

func TestValidateConfig(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Recaptcha.Secret = "secret"
		cfg.Recaptcha.AllowedHosts = []string{"example.com"}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing secret", func(c *Config) { c.Recaptcha.Secret = "" }, true},
		{"missing hosts", func(c *Config) { c.Recaptcha.AllowedHosts = nil }, true},
		{"ignore skips secret and hosts", func(c *Config) {
			c.Recaptcha.Ignore = true
			c.Recaptcha.Secret = ""
			c.Recaptcha.AllowedHosts = nil
		}, false},
		{"zero timeout", func(c *Config) { c.Recaptcha.Timeout = 0 }, true},
		{"zero age", func(c *Config) { c.Recaptcha.MaxChallengeAge = 0 }, true},
		{"score above one", func(c *Config) { c.Recaptcha.MinScore = 1.5 }, true},
		{"zero score", func(c *Config) { c.Recaptcha.MinScore = 0 }, true},
		{"unknown skew mode", func(c *Config) { c.Recaptcha.SkewMode = "sideways" }, true},
		{"one sided skew mode", func(c *Config) { c.Recaptcha.SkewMode = SkewModeOneSided }, false},
		{"empty token field", func(c *Config) { c.Gate.TokenField = "" }, true},
		{"bad upstream", func(c *Config) { c.Server.UpstreamURL = "not a url" }, true},
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
