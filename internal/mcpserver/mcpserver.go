// Package mcpserver exposes the operation catalog as MCP tools over stdio. Calls go to
// an Invoker: the local gateway when this process owns storage, or a proxy forwarder
// when another instance does.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"switchboard/internal/gateway"
)

// Invoker runs one operation. *gateway.Gateway and *proxy.Forwarder satisfy it.
type Invoker interface {
	Dispatch(ctx context.Context, op string, args []byte) (any, error)
}

type Server struct {
	mcp     *server.MCPServer
	invoker Invoker
	logger  *slog.Logger
}

func New(name, version string, ops []gateway.Operation, invoker Invoker, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcp:     server.NewMCPServer(name, version, server.WithToolCapabilities(true), server.WithRecovery()),
		invoker: invoker,
		logger:  logger.With("component", "mcp"),
	}
	for _, op := range ops {
		tool, err := ToolFor(op)
		if err != nil {
			return nil, err
		}
		s.mcp.AddTool(tool, s.handler(op.Name))
	}
	return s, nil
}

// ServeStdio serves JSON-RPC on in/out until ctx is cancelled or in is closed.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	s.logger.Info("serving MCP over stdio")
	return stdio.Listen(ctx, in, out)
}

// ToolFor describes op as an MCP tool; the input schema is the one the gateway
// validates arguments against.
func ToolFor(op gateway.Operation) (mcp.Tool, error) {
	schema, err := op.InputSchema()
	if err != nil {
		return mcp.Tool{}, fmt.Errorf("schema for %s: %w", op.Name, err)
	}
	return mcp.NewToolWithRawSchema(op.Name, op.Description, schema), nil
}

func (s *Server) handler(op string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args, err := json.Marshal(req.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid_argument: %v", err)), nil
		}
		res, err := s.invoker.Dispatch(context.WithoutCancel(ctx), op, args)
		if err != nil {
			return mcp.NewToolResultError(formatError(err)), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			s.logger.Error("encode result", "op", op, "err", err)
			return mcp.NewToolResultError("internal: could not encode result"), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

// formatError renders "<kind>: <message>", followed by the diagnostics as JSON.
func formatError(err error) string {
	msg := fmt.Sprintf("%s: %s", gateway.KindOf(err), gateway.PublicMessage(err))
	if details := gateway.Details(err); len(details) > 0 {
		if data, jsonErr := json.Marshal(details); jsonErr == nil {
			msg += "\n" + string(data)
		}
	}
	return msg
}
