package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vibadev/viba/internal/api"
	"github.com/vibadev/viba/internal/proxy"
	"github.com/vibadev/viba/internal/tools"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the preview API",
	Long: `Run the HTTP API the browser UI uses to open previews.

Endpoints:
  POST /api/preview-proxy    {"target": "http://localhost:5173/"} -> {"proxyBaseUrl", "proxyUrl"}
  GET  /api/preview-proxies  live preview proxies with statistics
  GET  /api/health           liveness check

All preview proxies are stopped on SIGINT or SIGTERM.`,
	RunE: runServe,
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run as MCP server",
	Long: `Run as an MCP (Model Context Protocol) server over stdio.

Exposes the "preview" tool so coding agents can open dev servers through a
preview proxy and read its traffic log.`,
	RunE: runMCP,
}

var serveListen string

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (overrides server.listen)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	// Create root context with signal cancellation
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	reg := proxy.NewRegistry(cfg.RegistryConfig())
	srv := api.NewServer(cfg.Server.Listen, api.NewHandler(reg))
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start API on %s: %w", cfg.Server.Listen, err)
	}
	log.Printf("Starting %s v%s on http://%s", appName, appVersion, srv.Addr())

	<-ctx.Done()
	log.Println("Shutdown signal received, stopping API and preview proxies...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		log.Printf("API shutdown error: %v", err)
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Printf("Preview registry shutdown error: %v", err)
	}

	log.Println("Server shutdown complete")
	return nil
}

func runMCP(cmd *cobra.Command, args []string) error {
	// stdout carries the protocol
	log.SetOutput(os.Stderr)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	reg := proxy.NewRegistry(cfg.RegistryConfig())

	server := mcp.NewServer(
		&mcp.Implementation{
			Name:    appName,
			Version: appVersion,
		},
		&mcp.ServerOptions{
			Instructions: `Preview proxy server for local development.

Available tools:
- preview: open a dev server through a preview proxy with an element picker, list proxies, read or clear traffic logs`,
		},
	)
	tools.RegisterPreviewTools(server, reg)

	log.Printf("Starting %s v%s (mcp mode)", appName, appVersion)

	runErr := server.Run(ctx, &mcp.StdioTransport{})

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := reg.Shutdown(shutdownCtx); err != nil {
		log.Printf("Preview registry shutdown error: %v", err)
	}

	if runErr != nil && ctx.Err() == nil {
		return fmt.Errorf("server error: %w", runErr)
	}

	log.Println("MCP server shutdown complete")
	return nil
}
