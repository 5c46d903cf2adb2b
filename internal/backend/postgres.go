// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package backend

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"medcp/cli/internal/dsn"
	medcperrors "medcp/cli/internal/errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConnector opens clinical records connection pools.
type PostgresConnector struct {
	log zerolog.Logger
}

// NewPostgresConnector creates a connector for the clinical records store.
func NewPostgresConnector(log zerolog.Logger) *PostgresConnector {
	return &PostgresConnector{log: log.With().Str("backend", string(Relational)).Logger()}
}

func (c *PostgresConnector) Kind() Kind { return Relational }

// Open builds the DSN from the descriptor and creates a pgx pool whose sessions
// default to read-only transactions.
func (c *PostgresConnector) Open(ctx context.Context, d Descriptor) (Driver, error) {
	info := &dsn.DSNInfo{
		Type:     dsn.DBTypePostgreSQL,
		Host:     d.Host,
		User:     d.Username,
		Password: d.Secret.Reveal(),
		Database: d.Database,
		Params: map[string]string{
			"sslmode":          d.SSLMode,
			"application_name": "medcp",
		},
	}
	if d.Port > 0 {
		info.Port = strconv.Itoa(d.Port)
	}

	connStr, err := dsn.Build(info)
	if err != nil {
		return nil, medcperrors.Wrap(medcperrors.Configuration, err.Error(), err)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, medcperrors.Wrap(medcperrors.Configuration, "clinical records connection settings could not be parsed", err)
	}
	if d.MaxConns > 0 {
		cfg.MaxConns = int32(d.MaxConns)
	}
	cfg.ConnConfig.RuntimeParams["default_transaction_read_only"] = "on"

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	c.log.Debug().Str("address", d.Address()).Str("database", d.Database).Int32("max_conns", cfg.MaxConns).Msg("clinical records pool created")

	return &pgDriver{pool: pool}, nil
}

type pgDriver struct {
	pool *pgxpool.Pool
}

func (d *pgDriver) Ping(ctx context.Context) error {
	return d.pool.Ping(ctx)
}

func (d *pgDriver) Acquire(ctx context.Context) (Conn, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgConn{conn: conn}, nil
}

func (d *pgDriver) Close(ctx context.Context) error {
	d.pool.Close()
	return nil
}

type pgConn struct {
	conn *pgxpool.Conn
	once sync.Once
}

// serverTimeoutMillis converts a positive remaining deadline to whole
// milliseconds, rounding up. Both servers read 0 as "no timeout", so a
// sub-millisecond remainder must never truncate to it.
func serverTimeoutMillis(d time.Duration) int64 {
	ms := (d + time.Millisecond - 1).Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Query runs st inside a read-only transaction that is always rolled back.
// A positive timeout is also applied server-side as statement_timeout so the
// query stops on the server when the caller gives up.
func (c *pgConn) Query(ctx context.Context, st Statement) (*RawResult, error) {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if st.Timeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", serverTimeoutMillis(st.Timeout))); err != nil {
			return nil, err
		}
	}

	rows, err := tx.Query(ctx, st.Text, st.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	raw := &RawResult{Columns: make([]string, len(fields))}
	for i, fd := range fields {
		raw.Columns[i] = fd.Name
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		raw.Rows = append(raw.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *pgConn) Release() {
	c.once.Do(c.conn.Release)
}
