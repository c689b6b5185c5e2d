package config

// LoggingConfig controls the process-level slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ObservabilityConfig configures tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing export.
type TracingConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Endpoint       string            `yaml:"endpoint"`
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Environment    string            `yaml:"environment"`
	SamplingRate   float64           `yaml:"sampling_rate"`
	Insecure       bool              `yaml:"insecure"`
	Attributes     map[string]string `yaml:"attributes"`
}

// AuditConfig selects the audit logger's output and durability backend.
type AuditConfig struct {
	// Output is "stdout", "stderr", or "file:<path>".
	Output string `yaml:"output"`
	// Format is "json", "text", or "logfmt".
	Format string `yaml:"format"`
	// MaxFieldSize truncates audit event input/output previews.
	MaxFieldSize int `yaml:"max_field_size"`
	// Categories restricts logging to the listed categories; empty means all.
	Categories []string `yaml:"categories"`
	// StoreDriver selects the durability store: "postgres", "sqlite", or ""
	// (disabled, logger-only).
	StoreDriver string `yaml:"store_driver"`
}
