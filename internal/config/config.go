// Package config loads viba settings from KDL files.
package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/vibadev/viba/internal/proxy"
)

// DefaultListenAddr is where the API listens when no address is configured.
const DefaultListenAddr = "127.0.0.1:3200"

// Config holds the complete viba configuration.
type Config struct {
	// Server configures the collaborator API.
	Server ServerSettings `json:"server"`

	// Preview configures every preview proxy the registry creates.
	Preview PreviewSettings `json:"preview"`
}

// ServerSettings holds API server settings.
type ServerSettings struct {
	// Listen is the host:port the API binds.
	Listen string `json:"listen"`
}

// PreviewSettings holds preview proxy settings.
type PreviewSettings struct {
	// BindHost is the loopback interface preview proxies bind ephemeral ports on.
	BindHost string `json:"bind_host"`
	// MaxRewriteBytes caps buffered HTML; larger pages skip injection.
	MaxRewriteBytes int64 `json:"max_rewrite_bytes"`
	// LogSize is the number of traffic log entries kept per proxy.
	LogSize int `json:"log_size"`
	// VerifyUpstreamTLS enables certificate checks against https targets.
	VerifyUpstreamTLS bool `json:"verify_upstream_tls"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerSettings{
			Listen: DefaultListenAddr,
		},
		Preview: PreviewSettings{
			BindHost:        "127.0.0.1",
			MaxRewriteBytes: proxy.DefaultMaxRewriteBytes,
			LogSize:         500,
		},
	}
}

// Validate reports every problem with the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	} else if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		errs = append(errs, fmt.Errorf("server.listen %q: %w", c.Server.Listen, err))
	}
	if c.Preview.BindHost == "" {
		errs = append(errs, errors.New("preview.bind-host must not be empty"))
	} else if !proxy.IsLoopbackHost(c.Preview.BindHost) {
		errs = append(errs, fmt.Errorf("preview.bind-host %q must be a loopback address", c.Preview.BindHost))
	}
	if c.Preview.MaxRewriteBytes < 0 {
		errs = append(errs, fmt.Errorf("preview.max-rewrite-bytes must not be negative (got %d)", c.Preview.MaxRewriteBytes))
	}
	if c.Preview.LogSize < 0 {
		errs = append(errs, fmt.Errorf("preview.log-size must not be negative (got %d)", c.Preview.LogSize))
	}

	return errors.Join(errs...)
}

// RegistryConfig maps preview settings onto the proxy registry.
func (c *Config) RegistryConfig() proxy.RegistryConfig {
	return proxy.RegistryConfig{
		BindHost:          c.Preview.BindHost,
		MaxRewriteBytes:   c.Preview.MaxRewriteBytes,
		MaxLogSize:        c.Preview.LogSize,
		VerifyUpstreamTLS: c.Preview.VerifyUpstreamTLS,
	}
}
