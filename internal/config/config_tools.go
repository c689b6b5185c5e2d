package config

import (
	"time"

	"github.com/haasonsaas/nexus/internal/mcp"
)

// ToolsConfig configures the built-in HTTP tool backend and the external
// tool server pool's resource caps.
type ToolsConfig struct {
	// Builtin configures the HTTP client bound to the incident-response API.
	Builtin BuiltinToolsConfig `yaml:"builtin"`

	// MCP configures the external tool server pool (servers, caps, idle grace).
	MCP MCPToolsConfig `yaml:"mcp"`
}

// BuiltinToolsConfig configures internal/tools.BuiltinClient.
type BuiltinToolsConfig struct {
	// BaseURL is the incident-response API's base URL (inres_api_url).
	BaseURL string `yaml:"base_url"`
	// Timeout bounds each built-in tool HTTP call. Default 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// MCPToolsConfig mirrors internal/mcp.PoolConfig's caps so they are
// overridable from the root config document and by NEXUS_* env vars.
type MCPToolsConfig struct {
	// Servers is the user-stored catalog of external tool servers the pool
	// may start on demand (SPEC_FULL §4.6 step 3, "the user's stored
	// configuration"). Each entry is keyed by ID and validated (command,
	// args, workdir) before its subprocess is ever launched.
	Servers []*mcp.ServerConfig `yaml:"servers"`
	// MaxPerUser caps concurrently-running subprocesses per user. Default 5.
	MaxPerUser int `yaml:"max_per_user"`
	// MaxGlobal caps concurrently-running subprocesses process-wide. Default 50.
	MaxGlobal int `yaml:"max_global"`
	// IdleTimeoutSeconds is the idle-reclamation grace period. Default 300.
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
	// SweepSchedule, if set, is a cron expression driving the idle sweeper
	// instead of a fixed interval (e.g. "@every 90s" or "*/5 * * * *").
	SweepSchedule string `yaml:"sweep_schedule"`
}
