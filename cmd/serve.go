// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"medcp/cli/internal/mcpserver"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	serveTransport  string
	serveAddr       string
	serveHealthAddr string
)

// serveCmd runs the MCP server until the client disconnects or a signal arrives.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the medical query tools over MCP",
	Long: `The serve command exposes one MCP tool per query template whose backend is
configured. Over stdio (the default) the MCP client launches medcp and talks on
stdin/stdout; logs always go to stderr. Over http the streamable HTTP transport
listens on --addr.

With --health-addr a gRPC health service reports each backend as its own
service (medcp.knowledge_graph, medcp.clinical_records).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveTransport != "stdio" && serveTransport != "http" {
			return fmt.Errorf("unknown transport %q (use stdio or http)", serveTransport)
		}

		a, log, err := newRuntime()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				log.Warn().Err(err).Msg("pool teardown failed")
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		srv := a.MCPServer()
		g, gctx := errgroup.WithContext(ctx)

		if serveHealthAddr != "" {
			g.Go(func() error {
				defer cancel()
				return a.Health.Serve(gctx, serveHealthAddr)
			})
		}

		g.Go(func() error {
			defer cancel()
			log.Info().Str("transport", serveTransport).Int("tools", len(a.Registry.Tools())).Str("version", Version).Msg("medcp server starting")
			if serveTransport == "http" {
				return serveHTTP(gctx, log, serveAddr, mcpserver.HTTPHandler(srv))
			}
			err := srv.Run(gctx, &mcp.StdioTransport{})
			if gctx.Err() != nil {
				return nil
			}
			return err
		})

		err = g.Wait()
		log.Info().Msg("medcp server stopped")
		return err
	},
}

// serveHTTP runs h on addr until ctx is done, then drains open requests.
func serveHTTP(ctx context.Context, log zerolog.Logger, addr string, h http.Handler) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("MCP HTTP transport listening")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http transport: %w", err)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveTransport, "transport", "stdio", "MCP transport: stdio or http")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8080", "Listen address for the http transport")
	serveCmd.Flags().StringVar(&serveHealthAddr, "health-addr", "", "Listen address for the gRPC health service (disabled when empty)")
}
