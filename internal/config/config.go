// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package config loads engine configuration from an optional YAML file in the
// XDG config dir and from environment variables. Only non-secret settings are
// kept here; passwords are referenced through secret_ref and resolved by the
// credential vault from the OS keychain (or, as a fallback, from an env var).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medcp/cli/internal/keychain"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/xdg"

	"github.com/spf13/viper"
)

// EnvSecretPrefix marks a secret_ref that names an environment variable.
const EnvSecretPrefix = "env:"

// Config holds non-sensitive engine settings.
type Config struct {
	Namespace       string         `mapstructure:"namespace"`
	LogLevel        string         `mapstructure:"log_level"`
	LogFormat       string         `mapstructure:"log_format"`
	KnowledgeGraph  GraphConfig    `mapstructure:"knowledge_graph"`
	ClinicalRecords ClinicalConfig `mapstructure:"clinical_records"`
	Engine          EngineConfig   `mapstructure:"engine"`
	Pool            PoolConfig     `mapstructure:"pool"`
}

// GraphConfig describes the biomedical knowledge graph (Neo4j).
type GraphConfig struct {
	URI       string `mapstructure:"uri"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	SecretRef string `mapstructure:"secret_ref"`
	LogLevel  string `mapstructure:"log_level"`
}

// Configured reports whether the knowledge graph backend is enabled.
func (g GraphConfig) Configured() bool { return strings.TrimSpace(g.URI) != "" }

// ClinicalConfig describes the de-identified clinical records store (PostgreSQL, OMOP CDM).
type ClinicalConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Database  string `mapstructure:"database"`
	Username  string `mapstructure:"username"`
	SecretRef string `mapstructure:"secret_ref"`
	Schema    string `mapstructure:"schema"`
	SSLMode   string `mapstructure:"sslmode"`
	LogLevel  string `mapstructure:"log_level"`
}

// Configured reports whether the clinical records backend is enabled.
func (c ClinicalConfig) Configured() bool { return strings.TrimSpace(c.Host) != "" }

// EngineConfig holds per-query execution policy.
type EngineConfig struct {
	// QueryTimeout bounds the execution stage of one invocation.
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	// MaxRows caps every template ceiling; 0 keeps the template's own ceiling.
	MaxRows int `mapstructure:"max_rows"`
	// AllowTruncation returns partial results flagged truncated; when false a
	// truncated result becomes a result_too_large error.
	AllowTruncation bool `mapstructure:"allow_truncation"`
	// RetryDelay is the pause before the single retry of a transient failure.
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// PoolConfig holds connection pool and health check settings.
type PoolConfig struct {
	MaxConns            int           `mapstructure:"max_conns"`
	HealthCheckTimeout  time.Duration `mapstructure:"health_check_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ReconnectAttempts   int           `mapstructure:"reconnect_attempts"`
	ReconnectBaseDelay  time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `mapstructure:"reconnect_max_delay"`
}

// envBindings maps config keys to the environment variables the MCP client sets.
var envBindings = map[string]string{
	"namespace":                   "MEDCP_NAMESPACE",
	"log_level":                   "MEDCP_LOG_LEVEL",
	"log_format":                  "MEDCP_LOG_FORMAT",
	"knowledge_graph.uri":         "KNOWLEDGE_GRAPH_URI",
	"knowledge_graph.database":    "KNOWLEDGE_GRAPH_DATABASE",
	"knowledge_graph.username":    "KNOWLEDGE_GRAPH_USERNAME",
	"knowledge_graph.secret_ref":  "KNOWLEDGE_GRAPH_SECRET_REF",
	"clinical_records.host":       "CLINICAL_RECORDS_SERVER",
	"clinical_records.port":       "CLINICAL_RECORDS_PORT",
	"clinical_records.database":   "CLINICAL_RECORDS_DATABASE",
	"clinical_records.username":   "CLINICAL_RECORDS_USERNAME",
	"clinical_records.secret_ref": "CLINICAL_RECORDS_SECRET_REF",
	"clinical_records.schema":     "CLINICAL_RECORDS_SCHEMA",
	"clinical_records.sslmode":    "CLINICAL_RECORDS_SSLMODE",
	"engine.query_timeout":        "MEDCP_QUERY_TIMEOUT",
	"engine.max_rows":             "MEDCP_MAX_ROWS",
	"engine.allow_truncation":     "MEDCP_ALLOW_TRUNCATION",
}

// Plaintext password variables accepted for compatibility with MCP client manifests.
const (
	EnvKnowledgeGraphPassword  = "KNOWLEDGE_GRAPH_PASSWORD"
	EnvClinicalRecordsPassword = "CLINICAL_RECORDS_PASSWORD"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", string(logging.FormatJSON))
	v.SetDefault("knowledge_graph.database", "neo4j")
	v.SetDefault("clinical_records.port", 5432)
	v.SetDefault("clinical_records.sslmode", "prefer")
	v.SetDefault("engine.query_timeout", 30*time.Second)
	v.SetDefault("engine.max_rows", 0)
	v.SetDefault("engine.allow_truncation", true)
	v.SetDefault("engine.retry_delay", 100*time.Millisecond)
	v.SetDefault("pool.max_conns", 10)
	v.SetDefault("pool.health_check_timeout", 5*time.Second)
	v.SetDefault("pool.health_check_interval", 10*time.Second)
	v.SetDefault("pool.reconnect_attempts", 3)
	v.SetDefault("pool.reconnect_base_delay", 200*time.Millisecond)
	v.SetDefault("pool.reconnect_max_delay", 2*time.Second)
}

// path returns the path to the default config file.
func path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads configuration. An explicit file must exist; the default XDG
// file is optional. Environment variables override file values.
func Load(file string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	} else if p, err := path(); err == nil {
		if _, statErr := os.Stat(p); statErr == nil {
			v.SetConfigFile(p)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", p, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KnowledgeGraph.SecretRef = defaultSecretRef(cfg.KnowledgeGraph.SecretRef, EnvKnowledgeGraphPassword, keychain.KeyKnowledgeGraphPassword)
	cfg.ClinicalRecords.SecretRef = defaultSecretRef(cfg.ClinicalRecords.SecretRef, EnvClinicalRecordsPassword, keychain.KeyClinicalRecordsPassword)

	return cfg, nil
}

// defaultSecretRef prefers an explicit ref, then a plaintext env var, then the keychain key.
func defaultSecretRef(ref, envVar, keychainKey string) string {
	if strings.TrimSpace(ref) != "" {
		return ref
	}
	if os.Getenv(envVar) != "" {
		return EnvSecretPrefix + envVar
	}
	return keychainKey
}

// Validate checks settings that must hold before anything starts.
// Per-backend completeness is checked lazily on first use.
func (c *Config) Validate() error {
	if !c.KnowledgeGraph.Configured() && !c.ClinicalRecords.Configured() {
		return errors.New("at least one database (knowledge graph or clinical records) must be configured")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch logging.Format(c.LogFormat) {
	case logging.FormatJSON, logging.FormatConsole:
	default:
		return fmt.Errorf("log_format must be %q or %q, got %q", logging.FormatJSON, logging.FormatConsole, c.LogFormat)
	}
	if c.Engine.QueryTimeout <= 0 {
		return errors.New("engine.query_timeout must be positive")
	}
	if c.Engine.MaxRows < 0 {
		return errors.New("engine.max_rows must not be negative")
	}
	if c.Pool.ReconnectAttempts < 1 {
		return errors.New("pool.reconnect_attempts must be at least 1")
	}
	if c.Pool.MaxConns < 1 {
		return errors.New("pool.max_conns must be at least 1")
	}
	return nil
}

// ToolPrefix returns the namespace with a trailing dash, or "" when unset.
func (c *Config) ToolPrefix() string {
	ns := strings.TrimSpace(c.Namespace)
	if ns == "" {
		return ""
	}
	if strings.HasSuffix(ns, "-") {
		return ns
	}
	return ns + "-"
}

// Update merges changes into the config file at p and writes it back with
// 0600 permissions. Keys are dotted paths such as "clinical_records.host".
// Every key already in the file is kept; nothing from the environment or the
// defaults is written.
func Update(p string, changes map[string]any) error {
	for key, val := range changes {
		if err := checkWritable(key, val); err != nil {
			return err
		}
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(p)
	v.SetConfigPermissions(0o600)
	if _, err := os.Stat(p); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", p, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	for key, val := range changes {
		v.Set(key, val)
	}
	if err := v.WriteConfigAs(p); err != nil {
		return fmt.Errorf("write config %s: %w", p, err)
	}
	return os.Chmod(p, 0o600)
}

// UpdateDefault is Update on the default config file.
func UpdateDefault(changes map[string]any) error {
	p, err := path()
	if err != nil {
		return err
	}
	return Update(p, changes)
}

// checkWritable rejects unknown keys and secret refs naming environment variables.
func checkWritable(key string, val any) error {
	d := viper.New()
	setDefaults(d)
	if _, bound := envBindings[key]; !bound && !d.IsSet(key) {
		return fmt.Errorf("unknown config key %q", key)
	}
	if ref, ok := val.(string); ok && strings.HasSuffix(key, ".secret_ref") && strings.HasPrefix(ref, EnvSecretPrefix) {
		return fmt.Errorf("%s: secret refs naming environment variables are not persisted", key)
	}
	return nil
}
