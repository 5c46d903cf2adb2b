// Copyright (c) 2025 MedCP
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package mcpserver exposes the tool registry over the Model Context Protocol.
// Each tool forwards its raw arguments to the dispatcher and returns the
// normalized result as JSON text.
package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"medcp/cli/internal/backend"
	"medcp/cli/internal/dispatch"
	medcperrors "medcp/cli/internal/errors"
	"medcp/cli/internal/normalize"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// Invoker runs tool calls. *dispatch.Dispatcher implements it.
type Invoker interface {
	Invoke(ctx context.Context, call dispatch.ToolCall) (*normalize.Result, error)
}

// Backends reports which backends have connection settings.
type Backends interface {
	Configured(kind backend.Kind) bool
}

// Options configures the server.
type Options struct {
	Name    string
	Version string
	MaxRows int
}

// New builds an MCP server with one tool per registered tool whose backend is
// configured.
func New(log zerolog.Logger, inv Invoker, tools []dispatch.Tool, backends Backends, opts Options) *mcp.Server {
	if opts.Name == "" {
		opts.Name = "medcp"
	}
	log = log.With().Str("component", "mcp").Logger()

	srv := mcp.NewServer(&mcp.Implementation{
		Name:    opts.Name,
		Version: opts.Version,
	}, nil)

	for _, tool := range tools {
		t := tool.Template
		if !backends.Configured(t.Backend) {
			log.Debug().Str("tool", tool.Name).Str("backend", string(t.Backend)).Msg("backend not configured, tool not exposed")
			continue
		}
		srv.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: InputSchema(t, opts.MaxRows),
			Annotations: &mcp.ToolAnnotations{
				Title:           t.Title,
				ReadOnlyHint:    true,
				DestructiveHint: ptr(false),
				IdempotentHint:  true,
				OpenWorldHint:   ptr(t.Backend == backend.Graph),
			},
		}, handler(inv, tool.Name))
	}
	return srv
}

func handler(inv Invoker, name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var params map[string]any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			dec := json.NewDecoder(bytes.NewReader(req.Params.Arguments))
			dec.UseNumber()
			if err := dec.Decode(&params); err != nil {
				return errorResult(medcperrors.NewInvalidParameter("arguments", "must be a JSON object")), nil
			}
		}

		res, err := inv.Invoke(ctx, dispatch.ToolCall{Name: name, Params: params})
		if err != nil {
			return errorResult(err), nil
		}

		b, err := json.Marshal(res)
		if err != nil {
			return errorResult(medcperrors.Wrap(medcperrors.Internal, "result could not be encoded", err)), nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
		}, nil
	}
}

// ErrorPayload is the JSON body of a failed tool call.
type ErrorPayload struct {
	Kind        medcperrors.Kind `json:"kind"`
	Message     string           `json:"message"`
	Field       string           `json:"field,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	BackendCode string           `json:"backendCode,omitempty"`
}

// Payload converts err into its wire form. The wrapped cause is never included.
func Payload(err error) ErrorPayload {
	e, ok := medcperrors.As(err)
	if !ok {
		return ErrorPayload{Kind: medcperrors.Internal, Message: "tool call failed unexpectedly"}
	}
	return ErrorPayload{
		Kind:        e.Kind,
		Message:     e.Message,
		Field:       e.Field,
		Reason:      e.Reason,
		BackendCode: e.BackendCode,
	}
}

func errorResult(err error) *mcp.CallToolResult {
	b, _ := json.Marshal(Payload(err))
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(b)}},
		IsError: true,
	}
}

// HTTPHandler serves srv over the streamable HTTP transport.
func HTTPHandler(srv *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return srv }, nil)
}
