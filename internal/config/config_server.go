package config

import "time"

// ServerConfig controls the process's listen addresses. The WebSocket
// gateway, health/readiness endpoints, and metrics endpoint all bind Host;
// GRPCPort is unused by this build but kept for deployments still pointing a
// load balancer at it mid rolling-upgrade.
type ServerConfig struct {
	Host        string `yaml:"host"`
	GRPCPort    int    `yaml:"grpc_port"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// DatabaseConfig points at the audit/transcript durability store.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig points at the cross-instance rate-limit and session registry
// backing store.
type RedisConfig struct {
	URL string `yaml:"url"`
}
