package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/wbingest/pkg/store"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing container name", func(c *Config) { c.Service.Name = "" }, "service.name"},
		{"bad container port", func(c *Config) { c.Service.ContainerPort = "abc/tcp" }, "container_port"},
		{"bad volume mode", func(c *Config) { c.Service.Volumes[0].Mode = "rwx" }, "mode must be rw or ro"},
		{"port out of range", func(c *Config) { c.Database.Port = 70000 }, "database.port"},
		{"table injection", func(c *Config) { c.Database.Table = "world_bank; DROP TABLE x" }, "not a valid identifier"},
		{"ftp url", func(c *Config) { c.Source.BaseURL = "ftp://example.com" }, "http or https"},
		{"negative per page", func(c *Config) { c.Source.PerPage = -1 }, "per_page"},
		{"unknown readiness", func(c *Config) { c.Readiness.Mode = "hope" }, "readiness.mode"},
		{"probe without timeout", func(c *Config) { c.Readiness.Timeout = 0 }, "readiness.timeout"},
		{"sampling rate", func(c *Config) { c.Tracing.SamplingRate = 2 }, "sampling_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCommitModesAcceptedByLoader(t *testing.T) {
	for _, mode := range []string{CommitPerRecord, CommitPerPage} {
		cfg := Default()
		cfg.Loader.CommitMode = mode
		require.NoError(t, cfg.Validate())

		_, err := store.NewLoader(cfg.Database.Table, cfg.Loader.CommitMode, 0, nil)
		assert.NoError(t, err, mode)
	}
}

func TestContainerEnvAndPorts(t *testing.T) {
	cfg := Default()
	cfg.Service.Env = map[string]string{"TZ": "UTC"}

	env := cfg.ContainerEnv()
	assert.Equal(t, "123456", env["POSTGRES_PASSWORD"])
	assert.Equal(t, "postgres_world_bank", env["POSTGRES_DB"])
	assert.Equal(t, "UTC", env["TZ"])
	_, hasUser := env["POSTGRES_USER"]
	assert.False(t, hasUser)

	assert.Equal(t, map[string]string{"5432/tcp": "5435"}, cfg.PortBindings())
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("WB_TEST_PASSWORD", "s3cret")

	path := filepath.Join(t.TempDir(), "wbingest.yaml")
	content := `
database:
  port: 5440
  password: ${WB_TEST_PASSWORD}
source:
  per_page: 500
  request_timeout: 5s
loader:
  commit_mode: page
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5440, cfg.Database.Port)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, 500, cfg.Source.PerPage)
	assert.Equal(t, 5*time.Second, cfg.Source.RequestTimeout)
	assert.Equal(t, CommitPerPage, cfg.Loader.CommitMode)
	// untouched sections keep their defaults
	assert.Equal(t, "postgres-docker-worldbank", cfg.Service.Name)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  prot: 1\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Database, cfg.Database)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Source.PerPage = 250

	require.NoError(t, Save(path, cfg))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 250, loaded.Source.PerPage)
	assert.Equal(t, cfg.Readiness.Backoff.MaxAttempts, loaded.Readiness.Backoff.MaxAttempts)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("WB_A", "1")
	assert.Equal(t, "a=1 b= c", substituteEnvVars("a=${WB_A} b=${WB_UNSET_VAR} c"))
	assert.Equal(t, "open ${brace", substituteEnvVars("open ${brace"))
}
