// Package config loads the gateway's runtime configuration with the same
// layering as the worker: defaults, optional YAML file, OPSRELAY_* env.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const envPrefix = "OPSRELAY_"

// Config holds the gateway's runtime configuration.
type Config struct {
	Addr      string `koanf:"addr"`     // HTTP+WS listen address, loopback by default
	DataDir   string `koanf:"data_dir"` // sqlite DB, generated certs
	AuthToken string `koanf:"auth_token"`
	TLSCert   string `koanf:"tls_cert"` // serve wss/https when both files exist
	TLSKey    string `koanf:"tls_key"`
	LogLevel  string `koanf:"log_level"`

	// SSH fallback executor. Unset host means no fallback.
	ForceSSH    bool   `koanf:"force_ssh"` // route everything over SSH even with an agent attached
	SSHHost     string `koanf:"ssh_host"`
	SSHPort     int    `koanf:"ssh_port"`
	SSHUser     string `koanf:"ssh_user"`
	SSHPassword string `koanf:"ssh_password"`
	SSHKeyFile  string `koanf:"ssh_key_file"`
	SSHOS       string `koanf:"ssh_os"`    // "linux" or "windows"
	SSHRoots    string `koanf:"ssh_roots"` // allowed roots on the remote host
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]any{
		"addr":      "127.0.0.1:8787",
		"data_dir":  defaultDataDir(),
		"log_level": "info",
		"ssh_port":  22,
		"ssh_os":    "linux",
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

// Validate checks the configuration, fills derived defaults and ensures
// the data directory exists. A missing auth token is generated and logged
// once so a fresh install can pair its worker.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.ForceSSH && !c.SSHConfigured() {
		return fmt.Errorf("force_ssh requires ssh_host and ssh_user")
	}
	if c.SSHOS != "linux" && c.SSHOS != "windows" {
		return fmt.Errorf("ssh_os must be \"linux\" or \"windows\", got %q", c.SSHOS)
	}

	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if c.AuthToken == "" {
		token, err := gonanoid.New(32)
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		c.AuthToken = token
		slog.Warn("no auth token configured, generated one for this run", "token", token)
	}

	if c.TLSCert == "" {
		c.TLSCert = filepath.Join(c.DataDir, "cert.pem")
	}
	if c.TLSKey == "" {
		c.TLSKey = filepath.Join(c.DataDir, "key.pem")
	}
	return nil
}

// SSHConfigured reports whether the SSH fallback has enough configuration
// to attempt a connection.
func (c *Config) SSHConfigured() bool {
	return c.SSHHost != "" && c.SSHUser != "" && (c.SSHPassword != "" || c.SSHKeyFile != "")
}

// Roots splits SSHRoots on ';' or ',' and drops empty entries.
func (c *Config) Roots() []string {
	fields := strings.FieldsFunc(c.SSHRoots, func(r rune) bool {
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

// DBPath returns the path to the SQLite database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "gateway.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "opsrelay", "gateway")
	}
	return filepath.Join(home, ".config", "opsrelay", "gateway")
}
