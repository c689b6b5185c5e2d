package config

import "time"

// GatewayConfig configures the per-session WebSocket gateway: the upgrade
// path, the rate-limit knob shared across instances via Redis, and the
// orchestrator's plan-first heuristic.
type GatewayConfig struct {
	// WSPath is the upgrade path. Default: /ws/stream.
	WSPath string `yaml:"ws_path"`

	// RateLimit is the sliding-window request cap per user.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Orchestrator configures the hybrid planner/stream routing heuristic.
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
}

// OrchestratorConfig configures the hybrid orchestrator's plan-first
// heuristic (SPEC_FULL §4.5).
type OrchestratorConfig struct {
	// Keywords replaces the fixed vocabulary that triggers the planner path.
	// If empty, orchestrator.DefaultKeywords is used. The names of the
	// connected external tool servers are added in either case.
	Keywords []string `yaml:"keywords"`

	// AlwaysPlan forces every turn through the planner path.
	AlwaysPlan bool `yaml:"always_plan"`

	// PlanMaxTokens bounds the planning call's token budget. Default 1024.
	PlanMaxTokens int `yaml:"plan_max_tokens"`
}

// RateLimitConfig configures the gateway's sliding-window limiter.
type RateLimitConfig struct {
	// Requests is the number of requests admitted per Window. Default 60.
	Requests int `yaml:"requests"`

	// Window is the sliding window size. Default 60s.
	Window time.Duration `yaml:"window"`
}
