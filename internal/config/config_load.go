package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Generators: map[string]GeneratorConfig{
			"echo": {Kind: "echo"},
		},
		Dispatch: DispatchConfig{
			MaxGen:            2,
			QueueSize:         32,
			ConsentTimeoutSec: 300,
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18791,
			RateLimitRPM: 60,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.avatar-shell/log.db",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "avatar-shell",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("AVATAR_SHELL_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("AVATAR_SHELL_HOST", &c.Gateway.Host)
	if v := os.Getenv("AVATAR_SHELL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("AVATAR_SHELL_DB_DRIVER", &c.Database.Driver)
	envStr("AVATAR_SHELL_SQLITE_PATH", &c.Database.SQLitePath)
	envStr("AVATAR_SHELL_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("AVATAR_SHELL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AVATAR_SHELL_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	if v := os.Getenv("AVATAR_SHELL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}

	if v := os.Getenv("AVATAR_SHELL_MAX_GEN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Dispatch.MaxGen = n
		}
	}

	// Generator secrets: AVATAR_SHELL_<NAME>_API_KEY, e.g. AVATAR_SHELL_OPENAI_API_KEY.
	for name, g := range c.Generators {
		key := "AVATAR_SHELL_" + EnvName(name) + "_API_KEY"
		if v := os.Getenv(key); v != "" {
			g.APIKey = v
			c.Generators[name] = g
		}
	}
}

// normalize fills derived fields: daemon ids default to "<avatar>:<index>".
func (c *Config) normalize() error {
	seen := make(map[string]bool, len(c.Avatars))
	for i := range c.Avatars {
		a := &c.Avatars[i]
		if a.ID == "" {
			return fmt.Errorf("avatar #%d: missing id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("avatar %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if a.Name == "" {
			a.Name = a.ID
		}
		for j := range a.Daemons {
			if a.Daemons[j].ID == "" {
				a.Daemons[j].ID = fmt.Sprintf("%s:%d", a.ID, j)
			}
		}
	}
	if c.Dispatch.MaxGen <= 0 {
		c.Dispatch.MaxGen = 2
	}
	return nil
}

// EnvName turns a config name into its env var segment, e.g. "my-gpt" -> "MY_GPT".
func EnvName(name string) string {
	r := strings.NewReplacer("-", "_", ".", "_", " ", "_")
	return strings.ToUpper(r.Replace(name))
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
