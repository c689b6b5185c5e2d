package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure for the runtime: gateway,
// provider, tool, and ambient-stack settings all hang off this one tree.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Auth          AuthConfig          `yaml:"auth"`
	LLM           LLMConfig           `yaml:"llm"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Audit         AuditConfig         `yaml:"audit"`

	// Version gates config documents written by a future/older build against
	// this binary's understanding of the schema.
	Version int `yaml:"version"`
}

// Load reads path (resolving $include directives via LoadRaw), decodes it
// into a Config with unknown fields rejected, applies NEXUS_* environment
// overrides, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyGatewayDefaults(&cfg.Gateway)
	applyDatabaseDefaults(&cfg.Database)
	applyAuthDefaults(&cfg.Auth)
	applyToolsDefaults(&cfg.Tools)
	applyLLMDefaults(&cfg.LLM)
	applyLoggingDefaults(&cfg.Logging)
	applyAuditDefaults(&cfg.Audit)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyGatewayDefaults(cfg *GatewayConfig) {
	if cfg.WSPath == "" {
		cfg.WSPath = "/ws/stream"
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 60
	}
	if cfg.RateLimit.Window <= 0 {
		cfg.RateLimit.Window = 60 * time.Second
	}
	if cfg.Orchestrator.PlanMaxTokens <= 0 {
		cfg.Orchestrator.PlanMaxTokens = 1024
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.TokenExpiry <= 0 {
		cfg.TokenExpiry = 24 * time.Hour
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.Builtin.Timeout <= 0 {
		cfg.Builtin.Timeout = 30 * time.Second
	}
	if cfg.MCP.MaxPerUser == 0 {
		cfg.MCP.MaxPerUser = 5
	}
	if cfg.MCP.MaxGlobal == 0 {
		cfg.MCP.MaxGlobal = 50
	}
	if cfg.MCP.IdleTimeoutSeconds == 0 {
		cfg.MCP.IdleTimeoutSeconds = 300
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

func applyAuditDefaults(cfg *AuditConfig) {
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.MaxFieldSize == 0 {
		cfg.MaxFieldSize = 2048
	}
}

// ConfigValidationError collects every validation failure found so an
// operator fixes a config document in one pass instead of one error at a
// time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			issues = append(issues, fmt.Sprintf("llm.default_provider %q has no matching entry under llm.providers", cfg.LLM.DefaultProvider))
		}
	}

	for i, key := range cfg.Auth.APIKeys {
		if strings.TrimSpace(key.Key) == "" {
			issues = append(issues, fmt.Sprintf("auth.api_keys[%d].key must not be empty", i))
		}
	}

	if cfg.Gateway.RateLimit.Requests < 0 {
		issues = append(issues, "gateway.rate_limit.requests must not be negative")
	}
	if cfg.Gateway.RateLimit.Window < 0 {
		issues = append(issues, "gateway.rate_limit.window must not be negative")
	}

	if cfg.Tools.MCP.MaxPerUser < 0 {
		issues = append(issues, "tools.mcp.max_per_user must not be negative")
	}
	if cfg.Tools.MCP.MaxGlobal < 0 {
		issues = append(issues, "tools.mcp.max_global must not be negative")
	}

	issues = append(issues, pluginValidationIssues(cfg)...)

	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
