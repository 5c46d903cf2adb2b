// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package dispatch is the entry point of the query engine. It resolves a tool
// call to its template, validates the parameters, builds the backend query,
// runs it through the engine and normalizes the result. Every invocation ends
// with exactly one of a result or a structured error.
package dispatch

import (
	"context"
	"fmt"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/engine"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/normalize"
	"medcp/cli/internal/query"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "medcp/dispatch"

// ToolCall is one request to run a tool. Params holds JSON-native values.
type ToolCall struct {
	Name   string
	Params map[string]any
}

// Backends reports which backends have connection settings.
type Backends interface {
	Configured(kind backend.Kind) bool
}

// Options is the result policy of the dispatcher.
type Options struct {
	// MaxRows caps every template's ceiling; 0 keeps the template ceilings.
	MaxRows int
	// AllowTruncation returns truncated results flagged as such. When false a
	// truncated result is replaced by a ResultTooLarge error.
	AllowTruncation bool
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Dispatcher runs tool calls. It holds no per-call state and is safe for
// concurrent use.
type Dispatcher struct {
	log      zerolog.Logger
	registry *Registry
	builders map[backend.Kind]query.Builder
	runner   engine.Runner
	backends Backends
	opts     Options
	tracer   trace.Tracer
}

// New creates a dispatcher.
func New(log zerolog.Logger, registry *Registry, builders map[backend.Kind]query.Builder, runner engine.Runner, backends Backends, opts Options) *Dispatcher {
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Dispatcher{
		log:      log.With().Str("component", "dispatch").Logger(),
		registry: registry,
		builders: builders,
		runner:   runner,
		backends: backends,
		opts:     opts,
		tracer:   tp.Tracer(tracerName),
	}
}

// Invoke runs call and returns either its normalized result or a structured error.
func (d *Dispatcher) Invoke(ctx context.Context, call ToolCall) (*normalize.Result, error) {
	res, _, err := d.InvokeTraced(ctx, call)
	return res, err
}

// InvokeTraced is Invoke that also returns the invocation record.
func (d *Dispatcher) InvokeTraced(ctx context.Context, call ToolCall) (*normalize.Result, *Invocation, error) {
	inv := newInvocation(call.Name)

	ctx, span := d.tracer.Start(ctx, "medcp.invoke", trace.WithAttributes(
		attribute.String("medcp.tool", call.Name),
		attribute.String("medcp.invocation_id", inv.ID),
	))
	defer span.End()

	log := d.log.With().Str("invocation_id", inv.ID).Str("tool", call.Name).Logger()
	log.Debug().Str("state", string(inv.State)).Msg("invocation received")

	res, err := d.run(ctx, inv, call, log)
	if err != nil {
		if _, ok := medcperrors.As(err); !ok {
			err = medcperrors.Wrap(medcperrors.Internal, "tool call failed unexpectedly", err)
		}
		res = nil
	}
	inv.finish(err)

	span.SetAttributes(
		attribute.String("medcp.backend", string(inv.Backend)),
		attribute.String("medcp.outcome", string(inv.State)),
	)

	if err != nil {
		kind := medcperrors.KindOf(err)
		span.SetAttributes(attribute.String("medcp.error_kind", string(kind)))
		span.SetStatus(codes.Error, err.Error())

		ev := log.Warn()
		if kind == medcperrors.InvalidParameter || kind == medcperrors.UnknownTool {
			ev = log.Info()
		}
		ev.Str("backend", string(inv.Backend)).
			Str("state", string(inv.State)).
			Str("kind", string(kind)).
			Dur("elapsed", inv.Duration()).
			Msg(logging.Mask(err.Error()))
		return nil, inv, err
	}

	span.SetAttributes(
		attribute.Int("medcp.row_count", res.RowCount),
		attribute.Bool("medcp.truncated", res.Truncated),
	)
	span.SetStatus(codes.Ok, "")
	log.Info().
		Str("backend", string(inv.Backend)).
		Int("rows", res.RowCount).
		Bool("truncated", res.Truncated).
		Int64("latency_ms", res.LatencyMS).
		Dur("elapsed", inv.Duration()).
		Msg("tool call completed")
	return res, inv, nil
}

func (d *Dispatcher) run(ctx context.Context, inv *Invocation, call ToolCall, log zerolog.Logger) (*normalize.Result, error) {
	tool, ok := d.registry.Lookup(call.Name)
	if !ok {
		return nil, medcperrors.NewUnknownTool(call.Name)
	}
	t := tool.Template
	inv.Tool = tool.Name
	inv.Backend = t.Backend

	validated, err := t.Bind(call.Params, d.opts.MaxRows)
	if err != nil {
		return nil, err
	}
	if err := d.step(inv, Validated, log); err != nil {
		return nil, err
	}

	if d.backends == nil || !d.backends.Configured(t.Backend) {
		return nil, medcperrors.New(medcperrors.Configuration,
			fmt.Sprintf("%s is not configured; tool %s is unavailable", t.Backend.DisplayName(), tool.Name))
	}

	builder, ok := d.builders[t.Backend]
	if !ok {
		return nil, medcperrors.New(medcperrors.Internal, fmt.Sprintf("no query builder for backend %q", t.Backend))
	}
	q, err := builder.Build(validated)
	if err != nil {
		return nil, err
	}
	if err := d.step(inv, Built, log); err != nil {
		return nil, err
	}

	if err := d.step(inv, Executing, log); err != nil {
		return nil, err
	}
	out, err := d.runner.Execute(ctx, q)
	if err != nil {
		return nil, err
	}

	res, err := normalize.Normalize(out.Raw, q, out.Latency)
	if err != nil {
		return nil, err
	}
	if res.Truncated && !d.opts.AllowTruncation {
		return nil, medcperrors.New(medcperrors.ResultTooLarge,
			fmt.Sprintf("%s returned more than %d rows and truncation is disabled", tool.Name, res.Limit))
	}
	return res, nil
}

func (d *Dispatcher) step(inv *Invocation, next State, log zerolog.Logger) error {
	if err := inv.advance(next); err != nil {
		return err
	}
	log.Debug().Str("state", string(next)).Msg("invocation advanced")
	return nil
}
