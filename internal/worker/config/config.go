// Package config loads the worker's runtime configuration: built-in
// defaults, an optional YAML file, then OPSRELAY_* environment variables,
// each layer overriding the previous one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "OPSRELAY_"

// Config holds the worker's runtime configuration.
type Config struct {
	GatewayURL   string `koanf:"gateway_url"`   // WS endpoint, e.g. "wss://gateway:8787/ws"
	AuthToken    string `koanf:"auth_token"`    // bearer token presented on the upgrade request
	AllowedRoots string `koanf:"allowed_roots"` // ';' or ',' delimited list of jail roots
	AuditDir     string `koanf:"audit_dir"`     // directory for audit.jsonl
	LogLevel     string `koanf:"log_level"`
	TLSVerify    bool   `koanf:"tls_verify"` // verify the gateway certificate chain
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment. An empty path skips the file layer; a named file that
// does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"gateway_url": "ws://127.0.0.1:8787/ws",
		"audit_dir":   defaultAuditDir(),
		"log_level":   "info",
		"tls_verify":  false,
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: envPrefix,
		TransformFunc: func(key, value string) (string, any) {
			return strings.ToLower(strings.TrimPrefix(key, envPrefix)), value
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// Validate checks required values and ensures the audit directory exists.
func (c *Config) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.AuthToken == "" {
		return fmt.Errorf("auth token is required (set %sAUTH_TOKEN)", envPrefix)
	}
	if len(c.Roots()) == 0 {
		return fmt.Errorf("at least one allowed root is required (set %sALLOWED_ROOTS)", envPrefix)
	}

	if err := os.MkdirAll(c.AuditDir, 0o750); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	return nil
}

// Roots splits AllowedRoots on ';' or ',' and drops empty entries.
func (c *Config) Roots() []string {
	fields := strings.FieldsFunc(c.AllowedRoots, func(r rune) bool {
		return r == ';' || r == ','
	})
	roots := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			roots = append(roots, f)
		}
	}
	return roots
}

func defaultAuditDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "opsrelay", "worker")
	}
	return filepath.Join(home, ".config", "opsrelay", "worker")
}
