// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"fmt"
	"os"
	"strings"

	"medcp/cli/internal/app"
	"medcp/cli/internal/backend"
	"medcp/cli/internal/config"
	"medcp/cli/internal/keychain"
	"medcp/cli/internal/logging"

	"github.com/rs/zerolog"
)

// loadConfig reads configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

// newLogger writes to stderr; stdout is reserved for the MCP stdio transport
// and for command output.
func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	return logging.New(os.Stderr, cfg.LogLevel, logging.Format(cfg.LogFormat))
}

// openStore opens the OS keychain. A missing keychain is not fatal: secrets
// referenced through env: still resolve, keychain refs fail as credential errors.
func openStore(log zerolog.Logger) keychain.SecretStore {
	km, err := keychain.NewManager()
	if err != nil {
		log.Warn().Str("cause", logging.Cause(err)).Msg("OS keychain unavailable")
		return nil
	}
	return km
}

// newRuntime loads config and assembles the engine runtime. The caller owns
// the returned App and must Close it.
func newRuntime() (*app.App, zerolog.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	a, err := app.New(cfg, log, openStore(log), app.Options{Version: Version})
	if err != nil {
		return nil, log, err
	}
	return a, log, nil
}

// parseBackend accepts the user-facing backend names.
func parseBackend(name string) (backend.Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "knowledge-graph", "knowledge_graph", "graph", "kg", "neo4j":
		return backend.Graph, nil
	case "clinical-records", "clinical_records", "relational", "clinical", "postgres", "postgresql":
		return backend.Relational, nil
	}
	return "", fmt.Errorf("unknown backend %q (use knowledge-graph or clinical-records)", name)
}
