// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package app owns the runtime of one engine process. Everything a tool call
// touches (vault, pools, executor, registry, dispatcher) is built by New and
// torn down by Close; there is no package-level state.
package app

import (
	"context"
	"fmt"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/catalog"
	"medcp/cli/internal/config"
	"medcp/cli/internal/dispatch"
	"medcp/cli/internal/engine"
	"medcp/cli/internal/health"
	"medcp/cli/internal/keychain"
	"medcp/cli/internal/mcpserver"
	"medcp/cli/internal/pool"
	"medcp/cli/internal/query"
	"medcp/cli/internal/vault"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// closeTimeout bounds driver teardown on Close.
const closeTimeout = 10 * time.Second

// Options overrides collaborators of the runtime. Zero values select the
// production implementations.
type Options struct {
	// Connectors replaces the neo4j and pgx connectors.
	Connectors map[backend.Kind]backend.Connector
	// Version is reported to MCP clients.
	Version string
}

// App is the runtime context.
type App struct {
	Config     *config.Config
	Vault      *vault.Vault
	Pool       *pool.Manager
	Executor   *engine.Executor
	Catalog    *catalog.Catalog
	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Health     *health.Reporter

	log     zerolog.Logger
	version string
}

// New validates cfg and assembles the runtime. No backend is contacted; the
// pool connects lazily on the first tool call.
func New(cfg *config.Config, log zerolog.Logger, store keychain.SecretStore, opts Options) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cat, err := catalog.Default()
	if err != nil {
		return nil, fmt.Errorf("load tool catalog: %w", err)
	}

	builders := query.NewBuilders(cfg.ClinicalRecords.Schema)
	registry, err := dispatch.NewRegistry(cat, cfg.ToolPrefix(), builders)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	connectors := opts.Connectors
	if connectors == nil {
		connectors = backend.New(log)
	}

	v := vault.New(cfg, store)
	p := pool.New(log, v, connectors, pool.Options{
		HealthCheckTimeout:  cfg.Pool.HealthCheckTimeout,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		ReconnectAttempts:   cfg.Pool.ReconnectAttempts,
		ReconnectBaseDelay:  cfg.Pool.ReconnectBaseDelay,
		ReconnectMaxDelay:   cfg.Pool.ReconnectMaxDelay,
	})
	exec := engine.New(log, p, engine.Options{
		Timeout:    cfg.Engine.QueryTimeout,
		RetryDelay: cfg.Engine.RetryDelay,
	})
	disp := dispatch.New(log, registry, builders, exec, v, dispatch.Options{
		MaxRows:         cfg.Engine.MaxRows,
		AllowTruncation: cfg.Engine.AllowTruncation,
	})

	log.Debug().
		Int("tools", len(registry.Tools())).
		Bool("knowledge_graph", v.Configured(backend.Graph)).
		Bool("clinical_records", v.Configured(backend.Relational)).
		Str("prefix", registry.Prefix()).
		Msg("runtime initialized")

	return &App{
		Config:     cfg,
		Vault:      v,
		Pool:       p,
		Executor:   exec,
		Catalog:    cat,
		Registry:   registry,
		Dispatcher: disp,
		Health:     health.NewReporter(log, p, cfg.Pool.HealthCheckInterval, cfg.Pool.HealthCheckTimeout),
		log:        log,
		version:    opts.Version,
	}, nil
}

// MCPServer builds the MCP tool surface over the dispatcher.
func (a *App) MCPServer() *mcp.Server {
	return mcpserver.New(a.log, a.Dispatcher, a.Registry.Tools(), a.Vault, mcpserver.Options{
		Version: a.version,
		MaxRows: a.Config.Engine.MaxRows,
	})
}

// Close releases every pooled driver. It is safe to call more than once.
func (a *App) Close() error {
	for kind, st := range a.Pool.Stats() {
		if st.Acquires == 0 {
			continue
		}
		a.log.Debug().
			Str("backend", string(kind)).
			Int64("acquires", st.Acquires).
			Int64("releases", st.Releases).
			Int64("connects", st.Connects).
			Int64("discards", st.Discards).
			Int64("failures", st.Failures).
			Msg("pool usage")
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return a.Pool.Close(ctx)
}
