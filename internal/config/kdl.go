package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	kdl "github.com/sblinch/kdl-go"
)

// KDL configuration file names
const (
	GlobalConfigFile  = "config.kdl"
	ProjectConfigFile = ".viba.kdl"
)

// KDLConfig represents the KDL configuration structure.
// Uses kdl struct tags for unmarshaling.
type KDLConfig struct {
	Server  KDLServer  `kdl:"server"`
	Preview KDLPreview `kdl:"preview"`
}

// KDLServer holds the server block.
type KDLServer struct {
	Listen string `kdl:"listen"`
}

// KDLPreview holds the preview block. VerifyUpstreamTLS is a pointer so an
// absent node can be told apart from an explicit false.
type KDLPreview struct {
	BindHost          string `kdl:"bind-host"`
	MaxRewriteBytes   int64  `kdl:"max-rewrite-bytes"`
	LogSize           int    `kdl:"log-size"`
	VerifyUpstreamTLS *bool  `kdl:"verify-upstream-tls"`
}

// Load builds the effective configuration for dir: defaults, then the
// global config file, then the nearest project .viba.kdl.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if path := GlobalConfigPath(); path != "" {
		if _, err := os.Stat(path); err == nil {
			log.Printf("[DEBUG] config: loading global config %s", path)
			if err := overlayFile(cfg, path); err != nil {
				return nil, err
			}
		}
	}

	if path := FindProjectConfigFile(dir); path != "" {
		log.Printf("[DEBUG] config: loading project config %s", path)
		if err := overlayFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile loads configuration from a specific file path on top of
// the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := overlayFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Overlay(cfg, string(data)); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

// ParseKDLConfig parses KDL configuration data on top of the defaults.
func ParseKDLConfig(data string) (*Config, error) {
	cfg := DefaultConfig()
	if err := Overlay(cfg, data); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overlay applies the values present in data to cfg. Absent nodes leave
// cfg untouched.
func Overlay(cfg *Config, data string) error {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return fmt.Errorf("failed to parse KDL: %w", err)
	}

	if kdlCfg.Server.Listen != "" {
		cfg.Server.Listen = kdlCfg.Server.Listen
	}

	p := kdlCfg.Preview
	if p.BindHost != "" {
		cfg.Preview.BindHost = p.BindHost
	}
	if p.MaxRewriteBytes != 0 {
		cfg.Preview.MaxRewriteBytes = p.MaxRewriteBytes
	}
	if p.LogSize != 0 {
		cfg.Preview.LogSize = p.LogSize
	}
	if p.VerifyUpstreamTLS != nil {
		cfg.Preview.VerifyUpstreamTLS = *p.VerifyUpstreamTLS
	}

	return nil
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "viba", GlobalConfigFile)
}

// FindProjectConfigFile searches for .viba.kdl starting from dir and walking up.
func FindProjectConfigFile(dir string) string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(absDir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(absDir)
		if parent == absDir {
			// Reached root
			break
		}
		absDir = parent
	}

	return ""
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// viba configuration

server {
    // Address the collaborator API listens on
    listen "127.0.0.1:3200"
}

preview {
    // Loopback interface preview proxies bind ephemeral ports on
    bind-host "127.0.0.1"
    // HTML larger than this is forwarded without the element picker
    max-rewrite-bytes 16777216
    // Traffic log entries kept per preview proxy
    log-size 500
    // Check certificates of https dev servers
    verify-upstream-tls false
}
`
	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
