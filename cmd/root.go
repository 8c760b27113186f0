// Package cmd wires the cobra root command: flag parsing, config
// resolution, logger construction, and dispatch to the selected transport.
package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/entl/mcp-pty/config"
	"github.com/entl/mcp-pty/mcpserver"
	"github.com/entl/mcp-pty/session"
	"github.com/entl/mcp-pty/transport"

	mcpgoserver "github.com/mark3labs/mcp-go/server"
)

const shutdownDeadline = 5 * time.Second

// Execute builds and runs the root command, returning a process exit code.
func Execute(args []string) int {
	var rawTransport string
	var rawPort int

	root := &cobra.Command{
		Use:           "mcp-pty",
		Short:         "Expose long-lived PTYs to MCP clients over the Model Context Protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(config.ResolvedFlags(rawTransport, rawPort, cmd.Flags().Changed("transport"), cmd.Flags().Changed("port")))
		},
	}

	root.Flags().StringVarP(&rawTransport, "transport", "t", "", "transport to use: stdio or http")
	root.Flags().IntVarP(&rawPort, "port", "p", 0, "HTTP listen port (only meaningful for http transport)")
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(flags *config.Flags) error {
	cfg, err := config.Resolve(flags, os.Getenv)
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	watcher, err := config.NewWatcher(logger, config.ConfigPath(os.Getenv))
	if err != nil {
		logger.Warn("config watcher failed to start", zap.Error(err))
	}
	defer watcher.Close()

	mgr := session.NewManager(logger)
	mgr.StartMonitoring()
	defer mgr.StopMonitoring()

	mcpSrv := mcpserver.NewServer(mgr, logger, cfg.DeactivateResources)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	switch cfg.Transport {
	case "stdio":
		return runStdio(ctx, cancel, mgr, mcpSrv, logger, sigCh)
	case "http":
		return runHTTP(ctx, cancel, mgr, mcpSrv, logger, cfg.Port, sigCh)
	default:
		return fmt.Errorf("invalid transport %q: must be stdio or http", cfg.Transport)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("MCP_PTY_VERBOSE") != "" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runStdio(ctx context.Context, cancel context.CancelFunc, mgr *session.Manager, mcpSrv *mcpgoserver.MCPServer, logger *zap.Logger, sigCh chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- transport.RunStdio(ctx, mgr, mcpSrv, logger, os.Stdin, os.Stdout)
	}()

	select {
	case <-sigCh:
		logger.Info("signal received, shutting down")
		cancel()
		mgr.DisposeAll(shutdownDeadline)
		return nil
	case err := <-errCh:
		return err
	}
}

func runHTTP(ctx context.Context, cancel context.CancelFunc, mgr *session.Manager, mcpSrv *mcpgoserver.MCPServer, logger *zap.Logger, port int, sigCh chan os.Signal) error {
	ht := transport.NewHTTPTransport(mgr, mcpSrv, logger)
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: ht.Router()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http transport listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-sigCh:
		logger.Info("signal received, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", zap.Error(err))
		}
		cancel()
		mgr.DisposeAll(shutdownDeadline)
		return nil
	case err := <-errCh:
		return err
	}
}
