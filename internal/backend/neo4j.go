// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package backend

import (
	"context"
	"sync"
	"time"

	"medcp/cli/internal/dsn"
	medcperrors "medcp/cli/internal/errors"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/rs/zerolog"
)

// Neo4jConnector opens knowledge graph drivers.
type Neo4jConnector struct {
	log zerolog.Logger
}

// NewNeo4jConnector creates a connector for the knowledge graph.
func NewNeo4jConnector(log zerolog.Logger) *Neo4jConnector {
	return &Neo4jConnector{log: log.With().Str("backend", string(Graph)).Logger()}
}

func (c *Neo4jConnector) Kind() Kind { return Graph }

// Open creates a driver and verifies connectivity. Malformed settings fail with
// a configuration error and are never retried by the pool.
func (c *Neo4jConnector) Open(ctx context.Context, d Descriptor) (Driver, error) {
	uri, err := dsn.Build(&dsn.DSNInfo{Type: dsn.DBTypeNeo4j, Host: d.URI, User: d.Username})
	if err != nil {
		return nil, medcperrors.Wrap(medcperrors.Configuration, err.Error(), err)
	}

	auth := neo4j.BasicAuth(d.Username, d.Secret.Reveal(), "")
	driverConfig := func(config *neo4j.Config) {
		if d.MaxConns > 0 {
			config.MaxConnectionPoolSize = d.MaxConns
		}
		config.ConnectionAcquisitionTimeout = 15 * time.Second
		config.UserAgent = "medcp"
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth, driverConfig)
	if err != nil {
		return nil, medcperrors.Wrap(medcperrors.Configuration, "knowledge graph driver could not be created", err)
	}

	c.log.Debug().Str("address", d.Address()).Str("database", d.Database).Msg("knowledge graph driver created")

	return &neo4jDriver{driver: driver, database: d.Database}, nil
}

type neo4jDriver struct {
	driver   neo4j.DriverWithContext
	database string
}

func (d *neo4jDriver) Ping(ctx context.Context) error {
	return d.driver.VerifyConnectivity(ctx)
}

// Acquire opens a read session. Sessions are cheap and not shared between calls.
func (d *neo4jDriver) Acquire(ctx context.Context) (Conn, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: d.database,
	})
	return &neo4jConn{session: session}, nil
}

func (d *neo4jDriver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

type neo4jConn struct {
	session neo4j.SessionWithContext
	once    sync.Once
}

// Query runs st in an explicit read transaction. ExecuteRead is not used because
// its managed retries would stack on top of the engine's single retry.
func (c *neo4jConn) Query(ctx context.Context, st Statement) (*RawResult, error) {
	var opts []func(*neo4j.TransactionConfig)
	if st.Timeout > 0 {
		opts = append(opts, neo4j.WithTxTimeout(time.Duration(serverTimeoutMillis(st.Timeout))*time.Millisecond))
	}

	tx, err := c.session.BeginTransaction(ctx, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Close(context.WithoutCancel(ctx))

	result, err := tx.Run(ctx, st.Text, st.Params)
	if err != nil {
		return nil, err
	}
	keys, err := result.Keys()
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}

	raw := &RawResult{Columns: keys, Rows: make([][]any, 0, len(records))}
	for _, rec := range records {
		raw.Rows = append(raw.Rows, rec.Values)
	}
	return raw, nil
}

func (c *neo4jConn) Release() {
	c.once.Do(func() {
		_ = c.session.Close(context.Background())
	})
}
