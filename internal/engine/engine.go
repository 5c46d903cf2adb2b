// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package engine runs bound queries against the backends. It owns the
// invocation deadline, the single retry of transient failures and the mapping
// of driver errors onto the error taxonomy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"medcp/cli/internal/backend"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/pool"
	"medcp/cli/internal/query"

	"github.com/rs/zerolog"
)

// Pool hands out backend connections. *pool.Manager implements it.
type Pool interface {
	Acquire(ctx context.Context, kind backend.Kind) (*pool.Conn, error)
	Release(conn *pool.Conn, err error)
}

// Runner executes bound queries. Decorators such as a result cache wrap a
// Runner without the dispatcher noticing.
type Runner interface {
	Execute(ctx context.Context, q *query.BoundQuery) (*Outcome, error)
}

// Options controls execution.
type Options struct {
	// Timeout bounds the whole invocation including the retry.
	Timeout time.Duration
	// RetryDelay is the pause before retrying a transient failure.
	RetryDelay time.Duration
}

// Outcome is a successful execution.
type Outcome struct {
	Raw      *backend.RawResult
	Latency  time.Duration
	Attempts int
}

// Executor is the production Runner.
type Executor struct {
	log  zerolog.Logger
	pool Pool
	opts Options
}

var _ Runner = (*Executor)(nil)

// New creates an executor over p.
func New(log zerolog.Logger, p Pool, opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	return &Executor{
		log:  log.With().Str("component", "engine").Logger(),
		pool: p,
		opts: opts,
	}
}

// Execute runs q on a pooled connection of its backend. A transient failure is
// retried once on a freshly acquired connection. The call returns a timeout
// error as soon as the deadline passes, even when the driver keeps running.
func (e *Executor) Execute(ctx context.Context, q *query.BoundQuery) (*Outcome, error) {
	if q == nil || q.Template == nil || !q.Backend.Valid() {
		return nil, medcperrors.New(medcperrors.Internal, "execute called without a bound query")
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	start := time.Now()
	const maxAttempts = 2

	var last backend.Classified
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		raw, c := e.attempt(ctx, q)
		if c.Err == nil {
			return &Outcome{Raw: raw, Latency: time.Since(start), Attempts: attempt}, nil
		}
		last = c

		ev := e.log.Debug().
			Str("backend", string(q.Backend)).
			Str("template", q.Template.Name).
			Int("attempt", attempt).
			Str("kind", string(c.Err.Kind)).
			Str("cause", logging.Cause(c.Err))
		if c.Err.BackendCode != "" {
			ev = ev.Str("backend_code", c.Err.BackendCode)
		}
		ev.Msg("query attempt failed")

		if !c.Transient || attempt == maxAttempts {
			break
		}
		select {
		case <-time.After(e.opts.RetryDelay):
		case <-ctx.Done():
			return nil, e.timeoutError(q, ctx.Err())
		}
	}
	return nil, last.Err
}

type reply struct {
	raw *backend.RawResult
	err error
}

// attempt runs q once. Acquire failures are never reported as transient: the
// pool has already retried the connection itself.
func (e *Executor) attempt(ctx context.Context, q *query.BoundQuery) (*backend.RawResult, backend.Classified) {
	conn, err := e.pool.Acquire(ctx, q.Backend)
	if err != nil {
		c := backend.Classify(q.Backend, err)
		if ctx.Err() != nil {
			c.Err = e.timeoutError(q, err)
		}
		c.Transient = false
		return nil, c
	}

	timeout := e.opts.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	st := q.Statement(timeout)

	done := make(chan reply, 1)
	go func() {
		raw, err := conn.Query(ctx, st)
		done <- reply{raw: raw, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			c := backend.Classify(q.Backend, r.err)
			if ctx.Err() != nil && c.Err.Kind != medcperrors.Timeout {
				c = backend.Classified{Err: e.timeoutError(q, r.err)}
			}
			e.pool.Release(conn, c.Err)
			return nil, c
		}
		e.pool.Release(conn, nil)
		if r.raw == nil {
			r.raw = &backend.RawResult{}
		}
		return r.raw, backend.Classified{}

	case <-ctx.Done():
		// the driver may ignore cancellation; release once it returns
		go func() {
			r := <-done
			var relErr error
			if r.err != nil {
				relErr = backend.Classify(q.Backend, r.err).Err
			}
			e.pool.Release(conn, relErr)
			e.log.Debug().Str("backend", string(q.Backend)).Str("template", q.Template.Name).Msg("abandoned query returned")
		}()
		return nil, backend.Classified{Err: e.timeoutError(q, ctx.Err())}
	}
}

func (e *Executor) timeoutError(q *query.BoundQuery, cause error) *medcperrors.E {
	if errors.Is(cause, context.Canceled) {
		return medcperrors.Wrap(medcperrors.Timeout, q.Backend.DisplayName()+" query was cancelled by the caller", cause)
	}
	return medcperrors.Wrap(medcperrors.Timeout,
		fmt.Sprintf("%s query exceeded the %s deadline", q.Backend.DisplayName(), e.opts.Timeout), cause)
}
