// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package health publishes backend reachability over the standard gRPC health
// protocol. Each backend is its own service; the empty service name reports
// whether every configured backend is healthy.
package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/logging"
	"medcp/cli/internal/pool"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Checker probes the configured backends. *pool.Manager implements it.
type Checker interface {
	Health(ctx context.Context) []pool.Status
}

// Reporter keeps a gRPC health server in sync with backend probes.
type Reporter struct {
	log      zerolog.Logger
	checker  Checker
	server   *health.Server
	interval time.Duration
	timeout  time.Duration
}

// NewReporter creates a reporter. Every service starts NOT_SERVING until the
// first probe.
func NewReporter(log zerolog.Logger, checker Checker, interval, timeout time.Duration) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := health.NewServer()
	s.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for _, k := range backend.Kinds {
		s.SetServingStatus(k.ServiceName(), grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN)
	}
	return &Reporter{
		log:      log.With().Str("component", "health").Logger(),
		checker:  checker,
		server:   s,
		interval: interval,
		timeout:  timeout,
	}
}

// Server returns the underlying health server.
func (r *Reporter) Server() *health.Server { return r.server }

// Probe checks every configured backend once and publishes the result.
func (r *Reporter) Probe(ctx context.Context) []pool.Status {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	statuses := r.checker.Health(ctx)
	overall := grpc_health_v1.HealthCheckResponse_SERVING
	if len(statuses) == 0 {
		overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}

	for _, st := range statuses {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !st.Healthy {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			r.log.Warn().Str("backend", string(st.Kind)).Str("cause", logging.Cause(st.Err)).Msg("backend unhealthy")
		}
		r.server.SetServingStatus(st.Kind.ServiceName(), status)
	}
	r.server.SetServingStatus("", overall)
	return statuses
}

// Run probes on every interval until ctx is done.
func (r *Reporter) Run(ctx context.Context) {
	r.Probe(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return
		case <-ticker.C:
			r.Probe(ctx)
		}
	}
}

// Serve exposes the health service on addr until ctx is done.
func (r *Reporter) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return r.ServeListener(ctx, lis)
}

// ServeListener is Serve on an existing listener.
func (r *Reporter) ServeListener(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(srv, r.server)

	go r.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		r.log.Info().Str("addr", lis.Addr().String()).Msg("health server listening")
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return nil
	case err := <-errCh:
		return fmt.Errorf("health server: %w", err)
	}
}
