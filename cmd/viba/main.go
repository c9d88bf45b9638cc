package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibadev/viba/internal/config"
)

const (
	appName    = "viba"
	appVersion = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Preview proxy with an element picker for local dev servers",
	Long: `Viba runs preview proxies in front of local development servers:
  - One loopback proxy per target origin, created on demand
  - Element picker injected into every HTML page
  - WebSocket forwarding for hot module reload
  - HTTP API for the browser UI and an MCP tool for coding agents`,
	Version:      appVersion,
	SilenceUsage: true,
	// Default behavior: if stdin is not a terminal, run as MCP server
	Run: func(cmd *cobra.Command, args []string) {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			// Running as MCP server (stdin is a pipe)
			if err := runMCP(cmd, args); err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
		} else {
			// Interactive terminal - show help
			cmd.Help()
		}
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().String("dir", "", "Project directory for .viba.kdl lookup (default: current directory)")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(configCmd)

	// Version template
	rootCmd.SetVersionTemplate(fmt.Sprintf("%s v%s\n", appName, appVersion))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration for the --dir project.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		dir = wd
	}
	return config.Load(dir)
}
