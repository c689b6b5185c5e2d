// Package tools implements the tool dispatcher: routing a model-requested
// tool call to either the built-in incident-management HTTP backend or a
// user's external tool server pool, and compiling/validating tool schemas.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/observability"
)

// externalPrefix marks a tool name as routed to an external tool server:
// mcp__<server>__<tool>.
const externalPrefix = "mcp__"

// Descriptor is a tool definition surfaced to the LLM: name, description,
// and JSON Schema for its input.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Result is the outcome of executing a tool call.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error"`
}

// Pool is the subset of mcp.Pool the dispatcher needs, so it can be faked
// in tests without standing up real subprocesses.
type Pool interface {
	Acquire(ctx context.Context, userID, serverName string) (*mcp.Lease, error)
}

// Dispatcher executes a tool call by name for a single session, bound to
// that session's bearer credential, org/project context, and user id (for
// leasing external tool servers).
type Dispatcher struct {
	builtin  *BuiltinClient
	pool     Pool
	userID   string
	auditLog *audit.Logger
	metrics  *observability.Metrics
	logger   *slog.Logger
}

// New builds a dispatcher bound to one session.
func New(builtin *BuiltinClient, pool Pool, userID string, auditLog *audit.Logger, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{builtin: builtin, pool: pool, userID: userID, auditLog: auditLog, logger: logger.With("component", "tool_dispatcher")}
}

// WithMetrics attaches a metrics recorder; every Dispatch call after this
// records the tool's outcome and duration under nexus_tool_execution_*.
func (d *Dispatcher) WithMetrics(m *observability.Metrics) *Dispatcher {
	d.metrics = m
	return d
}

// Descriptors returns the built-in tool descriptors plus, when given, the
// descriptors discovered from the external servers leased for this
// dispatcher's user (prefixed so routing on the way back is unambiguous).
func (d *Dispatcher) Descriptors(external map[string][]*mcp.MCPTool) []Descriptor {
	out := append([]Descriptor(nil), BuiltinDescriptors()...)
	for server, toolList := range external {
		for _, t := range toolList {
			out = append(out, Descriptor{
				Name:        externalPrefix + server + "__" + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
	}
	return out
}

// Dispatch executes the named tool with the given JSON input, auditing the
// request and its outcome regardless of which backend served it.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, input json.RawMessage) Result {
	requestID := uuid.NewString()
	start := time.Now()

	d.audit(ctx, audit.StatusPending, "tool_requested", name, requestID, sanitizePreview(input), 0)

	var result Result
	if server, tool, ok := splitExternalName(name); ok {
		result = d.dispatchExternal(ctx, server, tool, input)
	} else {
		result = d.builtin.Call(ctx, name, input)
	}

	elapsed := time.Since(start)
	status := audit.StatusSuccess
	if result.IsError {
		status = audit.StatusFailure
	}
	d.audit(ctx, status, "tool_executed", name, requestID, sanitizePreview([]byte(result.Content)), elapsed)
	if d.metrics != nil {
		metricStatus := "success"
		if result.IsError {
			metricStatus = "error"
		}
		d.metrics.RecordToolExecution(name, metricStatus, elapsed.Seconds())
	}

	return result
}

func (d *Dispatcher) dispatchExternal(ctx context.Context, server, tool string, input json.RawMessage) Result {
	if d.pool == nil {
		return Result{Content: `{"error":"no external tool servers configured"}`, IsError: true}
	}

	lease, err := d.pool.Acquire(ctx, d.userID, server)
	if err != nil {
		return Result{Content: fmt.Sprintf("%q", err.Error()), IsError: true}
	}
	defer lease.Release()

	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return Result{Content: `{"error":"invalid tool arguments"}`, IsError: true}
		}
	}

	callResult, err := lease.Call(ctx, tool, args)
	if err != nil {
		return Result{Content: fmt.Sprintf("%q", err.Error()), IsError: true}
	}

	var sb strings.Builder
	for _, c := range callResult.Content {
		sb.WriteString(c.Text)
	}
	return Result{Content: sb.String(), IsError: callResult.IsError}
}

func (d *Dispatcher) audit(ctx context.Context, status audit.Status, eventType, toolName, requestID, preview string, dur time.Duration) {
	if d.auditLog == nil {
		return
	}
	d.auditLog.Log(ctx, audit.Event{
		Category: audit.CategoryTool,
		Type:     eventType,
		Status:   status,
		Actor:    audit.Actor{UserID: d.userID},
		Resource: audit.Resource{ToolName: toolName, RequestID: requestID},
		Duration: dur,
		Details:  map[string]any{"preview": preview},
	})
}

// splitExternalName splits "mcp__<server>__<tool>" into (server, tool).
func splitExternalName(name string) (server, tool string, ok bool) {
	if !strings.HasPrefix(name, externalPrefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(name, externalPrefix)
	parts := strings.SplitN(rest, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// sanitizePreview truncates a potentially sensitive payload for audit
// logging; it never logs the full body.
func sanitizePreview(b []byte) string {
	const maxLen = 256
	s := string(b)
	if len(s) > maxLen {
		return s[:maxLen] + "...(truncated)"
	}
	return s
}
