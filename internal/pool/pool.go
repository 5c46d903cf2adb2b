// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package pool owns the live driver of each backend. Drivers are created
// lazily on first acquire, health checked before use when they are suspect or
// stale, and recreated with exponential backoff when a check fails.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"medcp/cli/internal/backend"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/logging"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Source provides resolved connection descriptors.
type Source interface {
	Configured(kind backend.Kind) bool
	Descriptor(kind backend.Kind) (backend.Descriptor, error)
}

// Options tunes health checking and reconnection.
type Options struct {
	HealthCheckTimeout  time.Duration
	HealthCheckInterval time.Duration
	ReconnectAttempts   int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	// ConnectTimeout bounds one shared connect, independent of the caller
	// that started it. Zero derives it from the reconnect settings.
	ConnectTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HealthCheckTimeout <= 0 {
		o.HealthCheckTimeout = 5 * time.Second
	}
	if o.HealthCheckInterval <= 0 {
		o.HealthCheckInterval = 10 * time.Second
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = 200 * time.Millisecond
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = 2 * time.Second
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = time.Duration(o.ReconnectAttempts) * (2*o.HealthCheckTimeout + o.ReconnectMaxDelay)
	}
	return o
}

type entry struct {
	driver    backend.Driver
	lastCheck time.Time
	suspect   bool
}

type counters struct {
	acquires atomic.Int64
	releases atomic.Int64
	connects atomic.Int64
	discards atomic.Int64
	failures atomic.Int64
}

// Manager is the connection pool manager. It is safe for concurrent use; its
// lock is never held across I/O.
type Manager struct {
	log        zerolog.Logger
	source     Source
	connectors map[backend.Kind]backend.Connector
	opts       Options

	group singleflight.Group

	mu      sync.Mutex
	entries map[backend.Kind]*entry
	closed  bool

	stats map[backend.Kind]*counters
}

// New creates a manager. Nothing is connected until the first Acquire.
func New(log zerolog.Logger, source Source, connectors map[backend.Kind]backend.Connector, opts Options) *Manager {
	stats := make(map[backend.Kind]*counters, len(backend.Kinds))
	for _, k := range backend.Kinds {
		stats[k] = &counters{}
	}
	return &Manager{
		log:        log.With().Str("component", "pool").Logger(),
		source:     source,
		connectors: connectors,
		opts:       opts.withDefaults(),
		entries:    make(map[backend.Kind]*entry),
		stats:      stats,
	}
}

// Conn is a pooled connection handed to one invocation.
type Conn struct {
	backend.Conn
	Kind   backend.Kind
	driver backend.Driver
}

// Acquire returns a connection to a healthy driver of kind.
func (m *Manager) Acquire(ctx context.Context, kind backend.Kind) (*Conn, error) {
	c, ok := m.stats[kind]
	if !ok {
		return nil, medcperrors.New(medcperrors.Configuration, fmt.Sprintf("unknown backend %q", kind))
	}
	c.acquires.Add(1)

	drv, err := m.healthy(ctx, kind, false)
	if err != nil {
		c.failures.Add(1)
		return nil, err
	}

	conn, err := drv.Acquire(ctx)
	if err != nil {
		c.failures.Add(1)
		m.markSuspect(kind, drv)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, medcperrors.Wrap(medcperrors.Timeout, kind.DisplayName()+": timed out waiting for a connection", err)
		}
		return nil, medcperrors.Wrap(medcperrors.Connection, kind.DisplayName()+": no connection available", err)
	}
	return &Conn{Conn: conn, Kind: kind, driver: drv}, nil
}

// Release returns conn. A connection-class err marks the backend suspect so the
// next acquire health checks it first.
func (m *Manager) Release(conn *Conn, err error) {
	if conn == nil {
		return
	}
	conn.Conn.Release()
	if c, ok := m.stats[conn.Kind]; ok {
		c.releases.Add(1)
	}
	if medcperrors.IsKind(err, medcperrors.Connection) {
		m.markSuspect(conn.Kind, conn.driver)
	}
}

// Check forces a health check of kind, reconnecting if needed.
func (m *Manager) Check(ctx context.Context, kind backend.Kind) error {
	_, err := m.healthy(ctx, kind, true)
	return err
}

// healthy returns a driver that passed a recent health check.
func (m *Manager) healthy(ctx context.Context, kind backend.Kind, force bool) (backend.Driver, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, medcperrors.New(medcperrors.Connection, "connection pool is closed")
	}
	e := m.entries[kind]
	if e != nil && !force && !e.suspect && time.Since(e.lastCheck) < m.opts.HealthCheckInterval {
		drv := e.driver
		m.mu.Unlock()
		return drv, nil
	}
	m.mu.Unlock()

	// The shared connect outlives any one waiter: a caller with a short
	// deadline must not fail the callers queued behind it.
	ch := m.group.DoChan(string(kind), func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ConnectTimeout)
		defer cancel()
		return m.ensure(cctx, kind)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(backend.Driver), nil
	case <-ctx.Done():
		return nil, medcperrors.Wrap(medcperrors.Timeout, kind.DisplayName()+": gave up connecting", ctx.Err())
	}
}

// ensure pings the current driver or replaces it. Only one ensure per kind runs at a time.
func (m *Manager) ensure(ctx context.Context, kind backend.Kind) (backend.Driver, error) {
	m.mu.Lock()
	e := m.entries[kind]
	m.mu.Unlock()

	if e != nil {
		err := m.ping(ctx, e.driver)
		if err == nil {
			m.mu.Lock()
			if cur := m.entries[kind]; cur != nil && cur.driver == e.driver {
				cur.lastCheck = time.Now()
				cur.suspect = false
			}
			m.mu.Unlock()
			return e.driver, nil
		}
		m.log.Warn().Str("backend", string(kind)).Str("cause", logging.Cause(err)).Msg("health check failed, reconnecting")
		m.discard(kind, e.driver)
	}

	return m.connect(ctx, kind)
}

// connect opens a new driver with exponential backoff between attempts.
// Configuration and credential failures are returned at once.
func (m *Manager) connect(ctx context.Context, kind backend.Kind) (backend.Driver, error) {
	connector, ok := m.connectors[kind]
	if !ok {
		return nil, medcperrors.New(medcperrors.Configuration, fmt.Sprintf("no connector for backend %q", kind))
	}
	desc, err := m.source.Descriptor(kind)
	if err != nil {
		return nil, err
	}

	var lastErr error
	delay := m.opts.ReconnectBaseDelay
	for attempt := 1; attempt <= m.opts.ReconnectAttempts; attempt++ {
		drv, err := connector.Open(ctx, desc)
		if err == nil {
			err = m.ping(ctx, drv)
			if err != nil {
				closeQuietly(drv, m.opts.HealthCheckTimeout)
			}
		}
		if err == nil {
			m.mu.Lock()
			if m.closed {
				m.mu.Unlock()
				closeQuietly(drv, m.opts.HealthCheckTimeout)
				return nil, medcperrors.New(medcperrors.Connection, "connection pool is closed")
			}
			m.entries[kind] = &entry{driver: drv, lastCheck: time.Now()}
			m.mu.Unlock()

			m.stats[kind].connects.Add(1)
			m.log.Info().Str("backend", string(kind)).Str("address", desc.Address()).Int("attempt", attempt).Msg("backend connected")
			return drv, nil
		}

		c := backend.Classify(kind, err)
		if k := c.Err.Kind; k == medcperrors.Configuration || k == medcperrors.Credential {
			if k == medcperrors.Credential {
				m.forget(kind)
			}
			return nil, c.Err
		}
		lastErr = err
		m.log.Debug().Str("backend", string(kind)).Int("attempt", attempt).Str("cause", logging.Cause(err)).Msg("connect attempt failed")

		if attempt == m.opts.ReconnectAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, medcperrors.Wrap(medcperrors.Timeout, kind.DisplayName()+": gave up connecting", ctx.Err())
		}
		delay *= 2
		if delay > m.opts.ReconnectMaxDelay {
			delay = m.opts.ReconnectMaxDelay
		}
	}

	return nil, medcperrors.Wrap(medcperrors.Connection,
		fmt.Sprintf("%s unreachable after %d attempts", kind.DisplayName(), m.opts.ReconnectAttempts), lastErr)
}

// forget drops a rejected secret from the source so the next connect
// re-reads it from the secret store.
func (m *Manager) forget(kind backend.Kind) {
	if f, ok := m.source.(interface{ Forget(backend.Kind) }); ok {
		f.Forget(kind)
	}
}

func (m *Manager) ping(ctx context.Context, drv backend.Driver) error {
	pctx, cancel := context.WithTimeout(ctx, m.opts.HealthCheckTimeout)
	defer cancel()
	return drv.Ping(pctx)
}

func (m *Manager) markSuspect(kind backend.Kind, drv backend.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e := m.entries[kind]; e != nil && e.driver == drv {
		e.suspect = true
	}
}

// discard removes drv if it is still current and closes it in the background,
// since closing may wait for connections still held by timed-out queries.
func (m *Manager) discard(kind backend.Kind, drv backend.Driver) {
	m.mu.Lock()
	if e := m.entries[kind]; e != nil && e.driver == drv {
		delete(m.entries, kind)
	}
	m.mu.Unlock()

	m.stats[kind].discards.Add(1)
	go closeQuietly(drv, m.opts.HealthCheckTimeout)
}

func closeQuietly(drv backend.Driver, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = drv.Close(ctx)
}

// Close tears down every driver in parallel. The manager cannot be reused.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	entries := m.entries
	m.entries = make(map[backend.Kind]*entry)
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for kind, e := range entries {
		g.Go(func() error {
			if err := e.driver.Close(gctx); err != nil {
				return fmt.Errorf("close %s: %w", kind.DisplayName(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
