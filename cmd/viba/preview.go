package main

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vibadev/viba/internal/proxy"
)

var previewCmd = &cobra.Command{
	Use:   "preview <target> [path]",
	Short: "Open a preview proxy for a dev server",
	Long: `Start a preview proxy for the target's origin, print the proxy URL and keep
serving until interrupted.

Examples:
  viba preview http://localhost:5173
  viba preview http://localhost:3000 /settings?tab=profile`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPreview,
}

func runPreview(cmd *cobra.Command, args []string) error {
	var path string
	if len(args) > 1 {
		path = args[1]
	}
	target, err := previewTarget(args[0], path)
	if err != nil {
		return err
	}

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
	res, err := reg.Ensure(ctx, target)
	if err != nil {
		return err
	}

	proxyURL, err := proxy.BuildPreviewProxyURL(res.ProxyBaseURL, target)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), proxyURL)
	log.Printf("Previewing %s (Ctrl+C to stop)", res.Origin)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return reg.Shutdown(shutdownCtx)
}

// previewTarget resolves an optional path against the target URL.
func previewTarget(target, path string) (string, error) {
	u, err := proxy.ParseTarget(target)
	if err != nil {
		return "", err
	}
	if path == "" {
		return u.String(), nil
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("path %q must be relative to the target", path)
	}
	return u.ResolveReference(ref).String(), nil
}
