// Package audit provides structured, async-buffered audit logging for the
// gateway: session lifecycle, chat turns, tool dispatch, and security
// decisions (auth failures, rate-limit denials).
package audit

import "time"

// Category groups events by the subsystem that raised them.
type Category string

const (
	CategorySession  Category = "session"
	CategoryChat     Category = "chat"
	CategoryTool     Category = "tool"
	CategorySecurity Category = "security"
)

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPending Status = "pending"
)

// Actor identifies who/what an event is attributed to.
type Actor struct {
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	OrgID     string `json:"org_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Resource identifies what an event acted on.
type Resource struct {
	ToolName  string `json:"tool_name,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Event is a single audit log entry.
type Event struct {
	ID        string         `json:"id"`
	Category  Category       `json:"category"`
	Type      string         `json:"type"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     Actor          `json:"actor"`
	Resource  Resource       `json:"resource,omitempty"`
	Duration  time.Duration  `json:"duration,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	CorrID    string         `json:"correlation_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON   OutputFormat = "json"
	FormatLogfmt OutputFormat = "logfmt"
	FormatText   OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	Enabled bool         `json:"enabled" yaml:"enabled"`
	Format  OutputFormat `json:"format" yaml:"format"`

	// Output is where logs are written: "stdout", "stderr", or "file:/path".
	Output string `json:"output" yaml:"output"`

	// MaxFieldSize truncates any single detail field beyond this length.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// Categories filters which categories are logged (empty = all).
	Categories []Category `json:"categories" yaml:"categories"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer on a timer, in
	// addition to the buffered writer draining on every event.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
