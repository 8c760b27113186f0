// Package transport adapts the MCP handler layer to the wire: a
// single-client stdio stream, and a multi-client Streaming-HTTP server
// with session recovery.
package transport

import (
	"context"
	"io"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/mcpserver"
	"github.com/entl/mcp-pty/session"
)

// RunStdio creates exactly one session for the lifetime of the process,
// attaches the MCP server to in/out, flips the session to active, and
// disposes it when the stream closes.
func RunStdio(ctx context.Context, mgr *session.Manager, mcpSrv *server.MCPServer, logger *zap.Logger, in io.Reader, out io.Writer) error {
	sessionID := mgr.CreateSession()
	logger.Info("stdio session created", zap.String("session_id", sessionID))

	stdio := server.NewStdioServer(mcpSrv)
	stdio.SetContextFunc(func(ctx context.Context) context.Context {
		return mcpserver.WithSessionID(ctx, sessionID)
	})

	mgr.UpdateStatus(sessionID, session.StatusActive)

	err := stdio.Listen(ctx, in, out)

	logger.Info("stdio stream closed, disposing session", zap.String("session_id", sessionID))
	mgr.DisposeSession(sessionID)

	if err == io.EOF {
		return nil
	}
	return err
}
