package config

import (
	"sync"
	"time"
)

// Config is the root configuration for the avatar shell.
type Config struct {
	Avatars    []AvatarConfig             `json:"avatars"`
	Generators map[string]GeneratorConfig `json:"generators,omitempty"`
	Dispatch   DispatchConfig             `json:"dispatch"`
	Gateway    GatewayConfig              `json:"gateway"`
	Database   DatabaseConfig             `json:"database,omitempty"`
	Telemetry  TelemetryConfig            `json:"telemetry,omitempty"`
	mu         sync.RWMutex
}

// AvatarConfig holds the settings and rule set of one avatar.
type AvatarConfig struct {
	ID        string             `json:"id"`
	Name      string             `json:"name,omitempty"`
	Generator string             `json:"generator"`         // main generator for human talk
	Persona   string             `json:"persona,omitempty"` // system prompt for LLM generators
	Daemons   []DaemonDefinition `json:"daemons,omitempty"`
	Tools     ToolPermissions    `json:"tools,omitempty"`
}

// GeneratorConfig configures one named generator.
type GeneratorConfig struct {
	Kind        string  `json:"kind"`              // "openai", "anthropic", "dashscope", "echo", "static"
	APIKey      string  `json:"apiKey,omitempty"`  // prefer env AVATAR_SHELL_<NAME>_API_KEY
	APIBase     string  `json:"apiBase,omitempty"` // endpoint override
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	RateRPM     int     `json:"rateRpm,omitempty"` // 0 = unlimited
	Stream      bool    `json:"stream,omitempty"`
	Text        string  `json:"text,omitempty"` // fixed reply for "static"
}

// AllowPolicy is the per-tool permission.
type AllowPolicy string

const (
	AllowAny AllowPolicy = "any"
	AllowAsk AllowPolicy = "ask"
	AllowNo  AllowPolicy = "no"
)

// CatalogPermission enables one tool catalog and sets per-tool policies.
type CatalogPermission struct {
	Enabled bool                   `json:"enabled"`
	Tools   map[string]AllowPolicy `json:"tools,omitempty"`
}

// ToolPermissions maps catalog name to its permission entry.
type ToolPermissions map[string]CatalogPermission

// DispatchConfig bounds the think/act loop.
type DispatchConfig struct {
	MaxGen            int `json:"maxGen"`                      // round trips before hard cutoff (default 2)
	QueueSize         int `json:"queueSize,omitempty"`         // inbound/outbound channel capacity (default 32)
	ConsentTimeoutSec int `json:"consentTimeoutSec,omitempty"` // unanswered consent → deny (default 300)
}

// ConsentTimeout returns the consent wait bound.
func (d DispatchConfig) ConsentTimeout() time.Duration {
	if d.ConsentTimeoutSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(d.ConsentTimeoutSec) * time.Second
}

// GatewayConfig configures the WebSocket front end.
type GatewayConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Token          string   `json:"-"` // from env AVATAR_SHELL_GATEWAY_TOKEN only
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RateLimitRPM   int      `json:"rate_limit_rpm,omitempty"` // per client; 0 = disabled
}

// DatabaseConfig selects the durable log sink.
// PostgresDSN is NEVER read from the config file, only from env AVATAR_SHELL_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver      string `json:"driver,omitempty"` // "sqlite" (default), "postgres", "memory"
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // plaintext for local collectors
	ServiceName string            `json:"service_name,omitempty"` // default "avatar-shell"
	Headers     map[string]string `json:"headers,omitempty"`
}

// Avatar returns the avatar config with the given id.
func (c *Config) Avatar(id string) (AvatarConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.Avatars {
		if a.ID == id {
			return a, true
		}
	}
	return AvatarConfig{}, false
}

// AvatarList returns a copy of all avatar configs.
func (c *Config) AvatarList() []AvatarConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]AvatarConfig, len(c.Avatars))
	copy(out, c.Avatars)
	return out
}

// Generator returns the named generator config.
func (c *Config) Generator(name string) (GeneratorConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	g, ok := c.Generators[name]
	return g, ok
}

// ReplaceFrom swaps the content of c with src (used on hot reload).
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	defer src.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Avatars = src.Avatars
	c.Generators = src.Generators
	c.Dispatch = src.Dispatch
	c.Gateway = src.Gateway
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
