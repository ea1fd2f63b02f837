package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, 10*time.Minute, c.OAuth.AuthorizationCodeTTL)
	assert.Equal(t, time.Hour, c.OAuth.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, c.OAuth.RefreshTokenTTL)
	assert.Equal(t, DriverMemory, c.Storage.Driver)
	assert.Equal(t, "json", c.Log.Format)
	assert.NoError(t, c.Validate())
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  addr: ":9000"
  issuer: "https://auth.example.com"
  scopes: ["repo", "read:user"]
oauth:
  access_token_ttl: 15m
  client_id: chatgpt
  client_secret: s3cret
storage:
  driver: Postgres
  postgres:
    dsn: postgres://localhost/gitgpt
    max_conns: 4
log:
  level: debug
  format: text
`)

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, []string{"repo", "read:user"}, c.Server.Scopes)
	assert.Equal(t, 15*time.Minute, c.OAuth.AccessTokenTTL)
	assert.Equal(t, "chatgpt", c.OAuth.ClientID)
	assert.Equal(t, DriverPostgres, c.Storage.Driver)
	assert.EqualValues(t, 4, c.Storage.Postgres.MaxConns)
	require.NoError(t, c.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", "server:\n  addr: \":9000\"\n")
	t.Setenv("GITGPT_ADDR", ":7000")
	t.Setenv("GITGPT_REDIRECT_URIS", "https://a.example.com/cb, https://b.example.com/cb")
	t.Setenv("GITGPT_ACCESS_TOKEN_TTL", "30m")
	t.Setenv("GITGPT_CACHE_ENABLED", "true")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7000", c.Server.Addr)
	assert.Equal(t, []string{"https://a.example.com/cb", "https://b.example.com/cb"}, c.OAuth.DefaultRedirectURIs)
	assert.Equal(t, 30*time.Minute, c.OAuth.AccessTokenTTL)
	assert.True(t, c.Storage.Cache.Enabled)
}

func TestLoad_BadEnvValues(t *testing.T) {
	t.Setenv("GITGPT_ACCESS_TOKEN_TTL", "soon")
	t.Setenv("GITGPT_REDIS_DB", "zero")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GITGPT_ACCESS_TOKEN_TTL")
	assert.Contains(t, err.Error(), "GITGPT_REDIS_DB")
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "server: [unclosed"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := writeFile(t, ".env", "GITGPT_CLIENT_ID=from-dotenv\n")
	t.Setenv("GITGPT_CLIENT_ID", "")
	require.NoError(t, os.Unsetenv("GITGPT_CLIENT_ID"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env"), path))

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", c.OAuth.ClientID)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "relative issuer", mutate: func(c *Config) { c.Server.Issuer = "/auth" }, wantErr: true},
		{name: "access not shorter than refresh", mutate: func(c *Config) { c.OAuth.AccessTokenTTL = c.OAuth.RefreshTokenTTL }, wantErr: true},
		{name: "sub-second ttl", mutate: func(c *Config) { c.OAuth.AuthorizationCodeTTL = time.Millisecond }, wantErr: true},
		{name: "secret without id", mutate: func(c *Config) { c.OAuth.ClientSecret = "x" }, wantErr: true},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "sqlite" }, wantErr: true},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = DriverPostgres }, wantErr: true},
		{name: "redis without addr", mutate: func(c *Config) { c.Storage.Driver = DriverRedis }, wantErr: true},
		{name: "redis with addr", mutate: func(c *Config) {
			c.Storage.Driver = DriverRedis
			c.Storage.Redis.Addr = "localhost:6379"
		}},
		{name: "bad log level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestServerConfig_RegistrationRate(t *testing.T) {
	assert.InDelta(t, 10.0/3600, ServerConfig{RegistrationsPerHour: 10}.RegistrationRate(), 1e-12)
	assert.Equal(t, -1.0, ServerConfig{RegistrationsPerHour: -1}.RegistrationRate())
}
