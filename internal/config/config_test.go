package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	c, err := load("", envOf(nil))
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, "sqlite", c.Storage.Driver)
	assert.Equal(t, "enforce", c.Guardrail.Mode)
	assert.Equal(t, SourceDefault, c.Source("storage.driver"))
	assert.Empty(t, c.Path())
}

func TestLayering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erpcore.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  driver: postgres
  postgres_dsn: postgres://erp:secret@db:5432/erp
  conn_max_lifetime: 5m
guardrail:
  mode: warn
log:
  level: debug
`), 0o600))

	c, err := load(path, envOf(map[string]string{
		"ERPCORE_LOG_LEVEL":                    "warn",
		"ERPCORE_GUARDRAIL_FINANCIAL_SEGMENTS": "GL, LEDGER",
	}))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "postgres", c.Storage.Driver)
	assert.Equal(t, 5*time.Minute, c.Storage.ConnMaxLifetime)
	assert.Equal(t, "warn", c.Guardrail.Mode)
	assert.Equal(t, "warn", c.Log.Level)
	assert.Equal(t, []string{"GL", "LEDGER"}, c.Guardrail.FinancialSegments)
	assert.Equal(t, "json", c.Log.Format)

	assert.Equal(t, SourceFile, c.Source("storage.driver"))
	assert.Equal(t, SourceEnv, c.Source("log.level"))
	assert.Equal(t, SourceEnv, c.Source("guardrail.financial_segments"))
	assert.Equal(t, SourceDefault, c.Source("log.format"))
	assert.Equal(t, path, c.Path())

	var dsn Attribute
	for _, a := range c.Attributes() {
		if a.Name == "storage.postgres_dsn" {
			dsn = a
		}
	}
	assert.Equal(t, "postgres://erp:****@db:5432/erp", dsn.Value)
	assert.Equal(t, "ERPCORE_STORAGE_POSTGRES_DSN", dsn.Env)
	assert.Contains(t, c.FormatText(), "guardrail.mode")

	js, err := c.FormatJSON()
	require.NoError(t, err)
	assert.NotContains(t, js, "secret")
}

func TestConfigFileFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yml")
	require.NoError(t, os.WriteFile(path, []byte("http:\n  listen: 127.0.0.1:9000\n"), 0o600))
	c, err := load("", envOf(map[string]string{"ERPCORE_CONFIG": path}))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.HTTP.Listen)
	assert.Equal(t, SourceFile, c.Source("http.listen"))
}

func TestLoadErrors(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yml"), envOf(nil))
	require.Error(t, err)

	_, err = load("", envOf(map[string]string{"ERPCORE_STORAGE_MAX_OPEN_CONNS": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ERPCORE_STORAGE_MAX_OPEN_CONNS")

	bad := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(bad, []byte("storage: [oops"), 0o600))
	_, err = load(bad, envOf(nil))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Storage.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"negative pool", func(c *Config) { c.Storage.MaxOpenConns = -1 }},
		{"unknown mode", func(c *Config) { c.Guardrail.Mode = "lenient" }},
		{"negative tolerance", func(c *Config) { c.Guardrail.Tolerance = "-0.5" }},
		{"unparseable tolerance", func(c *Config) { c.Guardrail.Tolerance = "a cent" }},
		{"s3 without bucket", func(c *Config) { c.Blob.Driver = "s3" }},
		{"unknown blob driver", func(c *Config) { c.Blob.Driver = "ftp" }},
		{"unknown log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
