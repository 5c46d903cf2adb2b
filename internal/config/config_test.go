package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"medcp/cli/internal/keychain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points XDG at a temp dir and clears every variable Load reads.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, env := range envBindings {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
	t.Setenv(EnvKnowledgeGraphPassword, "")
	t.Setenv(EnvClinicalRecordsPassword, "")
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)
	t.Setenv("KNOWLEDGE_GRAPH_URI", "neo4j://kg.internal:7687")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "neo4j", cfg.KnowledgeGraph.Database)
	assert.Equal(t, 5432, cfg.ClinicalRecords.Port)
	assert.Equal(t, "prefer", cfg.ClinicalRecords.SSLMode)
	assert.Equal(t, 30*time.Second, cfg.Engine.QueryTimeout)
	assert.True(t, cfg.Engine.AllowTruncation)
	assert.Equal(t, 3, cfg.Pool.ReconnectAttempts)
	assert.Equal(t, 10, cfg.Pool.MaxConns)
	assert.Equal(t, keychain.KeyKnowledgeGraphPassword, cfg.KnowledgeGraph.SecretRef)
	assert.False(t, cfg.ClinicalRecords.Configured())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
clinical_records:
  host: db.internal
  database: omop
  username: reader
engine:
  query_timeout: 5s
  allow_truncation: false
`), 0o600))

	t.Setenv("CLINICAL_RECORDS_DATABASE", "omop_v54")
	t.Setenv(EnvClinicalRecordsPassword, "s3cret")

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.ClinicalRecords.Host)
	assert.Equal(t, "omop_v54", cfg.ClinicalRecords.Database)
	assert.Equal(t, 5*time.Second, cfg.Engine.QueryTimeout)
	assert.False(t, cfg.Engine.AllowTruncation)
	assert.Equal(t, "env:"+EnvClinicalRecordsPassword, cfg.ClinicalRecords.SecretRef)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	_, err := Load(filepath.Join(dir, "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			LogLevel:       "info",
			LogFormat:      "json",
			KnowledgeGraph: GraphConfig{URI: "bolt://localhost:7687"},
			Engine:         EngineConfig{QueryTimeout: time.Second},
			Pool:           PoolConfig{MaxConns: 1, ReconnectAttempts: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{
			name:    "no backend",
			mutate:  func(c *Config) { c.KnowledgeGraph.URI = "" },
			wantErr: "at least one database",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "verbose",
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.LogFormat = "xml" },
			wantErr: "log_format",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Engine.QueryTimeout = 0 },
			wantErr: "query_timeout",
		},
		{
			name:    "negative max rows",
			mutate:  func(c *Config) { c.Engine.MaxRows = -1 },
			wantErr: "max_rows",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestToolPrefix(t *testing.T) {
	assert.Equal(t, "", (&Config{}).ToolPrefix())
	assert.Equal(t, "lab-", (&Config{Namespace: "lab"}).ToolPrefix())
	assert.Equal(t, "lab-", (&Config{Namespace: "lab-"}).ToolPrefix())
}

func TestUpdate_PreservesExistingKeys(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "medcp.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`log_format: console
clinical_records:
  host: old.internal
  schema: cdm
engine:
  max_rows: 50
  retry_delay: 1s
pool:
  max_conns: 3
  reconnect_attempts: 7
`), 0o644))

	// Environment values must not be baked into the file.
	t.Setenv("KNOWLEDGE_GRAPH_URI", "neo4j://from-env:7687")
	t.Setenv("MEDCP_QUERY_TIMEOUT", "3s")

	require.NoError(t, Update(file, map[string]any{
		"clinical_records.host": "db.internal",
		"clinical_records.port": 6432,
	}))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "from-env")
	assert.NotContains(t, string(raw), "query_timeout")
	assert.NotContains(t, string(raw), "secret_ref")

	os.Unsetenv("KNOWLEDGE_GRAPH_URI")
	os.Unsetenv("MEDCP_QUERY_TIMEOUT")
	out, err := Load(file)
	require.NoError(t, err)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"host", out.ClinicalRecords.Host, "db.internal"},
		{"port", out.ClinicalRecords.Port, 6432},
		{"schema", out.ClinicalRecords.Schema, "cdm"},
		{"log_format", out.LogFormat, "console"},
		{"max_rows", out.Engine.MaxRows, 50},
		{"retry_delay", out.Engine.RetryDelay, time.Second},
		{"max_conns", out.Pool.MaxConns, 3},
		{"reconnect_attempts", out.Pool.ReconnectAttempts, 7},
		{"graph uri", out.KnowledgeGraph.URI, ""},
		{"query_timeout", out.Engine.QueryTimeout, 30 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
	assert.Equal(t, keychain.KeyClinicalRecordsPassword, out.ClinicalRecords.SecretRef)
}

func TestUpdate_CreatesMissingFile(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "new.yaml")

	require.NoError(t, Update(file, map[string]any{"knowledge_graph.uri": "bolt://kg.internal:7687"}))

	info, err := os.Stat(file)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	out, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "bolt://kg.internal:7687", out.KnowledgeGraph.URI)
	assert.Equal(t, "neo4j", out.KnowledgeGraph.Database)
}

func TestUpdate_RejectsUnwritableKeys(t *testing.T) {
	dir := isolate(t)
	file := filepath.Join(dir, "medcp.yaml")
	require.NoError(t, os.WriteFile(file, []byte("namespace: lab\n"), 0o600))

	tests := []struct {
		name    string
		changes map[string]any
	}{
		{"unknown key", map[string]any{"clinical_records.passwd": "x"}},
		{"unknown section", map[string]any{"cache.size": 10}},
		{"env secret ref", map[string]any{"clinical_records.secret_ref": "env:" + EnvClinicalRecordsPassword}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Update(file, tt.changes))
		})
	}

	raw, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "namespace: lab\n", string(raw))
}
