package config

import (
	"os"
	"strconv"
	"strings"
)

// applyEnvOverrides walks the recognized NEXUS_* environment variables and,
// where set, overwrites the value decoded from the config file. This runs
// after decoding and before defaults so an unset override still falls
// through to applyDefaults. Unlike the loader's $VAR expansion (which
// substitutes inside the YAML source before parsing), these overrides win
// even when the file sets the key explicitly.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if v := trimmedEnv("NEXUS_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := trimmedEnv("NEXUS_GRPC_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.GRPCPort = parsed
		}
	}
	if v := trimmedEnv("NEXUS_HTTP_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if v := trimmedEnv("NEXUS_METRICS_PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.MetricsPort = parsed
		}
	}

	if v := trimmedEnv("NEXUS_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	} else if v := trimmedEnv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	if v := trimmedEnv("NEXUS_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	if v := trimmedEnv("NEXUS_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	} else if v := trimmedEnv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}

	if v := trimmedEnv("NEXUS_ANTHROPIC_API_KEY"); v != "" {
		if cfg.LLM.Providers == nil {
			cfg.LLM.Providers = map[string]LLMProviderConfig{}
		}
		entry := cfg.LLM.Providers["anthropic"]
		entry.APIKey = v
		cfg.LLM.Providers["anthropic"] = entry
	}

	if v := trimmedEnv("NEXUS_INRES_API_URL"); v != "" {
		cfg.Tools.Builtin.BaseURL = v
	}

	if v := trimmedEnv("NEXUS_MAX_MCP_SERVERS_PER_USER"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MCP.MaxPerUser = parsed
		}
	}
	if v := trimmedEnv("NEXUS_MAX_GLOBAL_MCP_SERVERS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MCP.MaxGlobal = parsed
		}
	}
	if v := trimmedEnv("NEXUS_MCP_SERVER_IDLE_TIMEOUT_S"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Tools.MCP.IdleTimeoutSeconds = parsed
		}
	}
	if v := trimmedEnv("NEXUS_AI_RATE_LIMIT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Gateway.RateLimit.Requests = parsed
		}
	}
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
