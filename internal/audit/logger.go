package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/observability"
)

// Logger provides async-buffered structured audit logging. Events are
// written to a channel by the caller's goroutine and drained by a single
// background writer, so a slow sink stalls a turn only once the buffer is
// full and Log falls back to writing on the caller's goroutine.
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan Event
	wg         sync.WaitGroup
	done       chan struct{}
	categories map[Category]bool
}

// NewLogger creates an audit logger from the given configuration. If
// config.Enabled is false, Log becomes a no-op and Close returns nil.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	categories := make(map[Category]bool, len(config.Categories))
	for _, c := range config.Categories {
		categories[c] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan Event, config.BufferSize),
		done:       make(chan struct{}),
		categories: categories,
	}

	var handler slog.Handler
	switch config.Format {
	case FormatText:
		handler = slog.NewTextHandler(output, nil)
	default:
		handler = slog.NewJSONHandler(output, nil)
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes any buffered events and closes the output.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()
	if l.output != nil && l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log records an audit event. The event is handed to the buffered writer;
// only if the buffer is saturated is it written synchronously, on the
// caller's goroutine.
func (l *Logger) Log(ctx context.Context, event Event) {
	if !l.config.Enabled {
		return
	}
	if len(l.categories) > 0 && !l.categories[event.Category] {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event Event) {
	attrs := []any{
		"audit_id", event.ID,
		"category", event.Category,
		"type", event.Type,
		"status", event.Status,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.Actor.UserID != "" {
		attrs = append(attrs, "user_id", event.Actor.UserID)
	}
	if event.Actor.SessionID != "" {
		attrs = append(attrs, "session_id", event.Actor.SessionID)
	}
	if event.Actor.OrgID != "" {
		attrs = append(attrs, "org_id", event.Actor.OrgID)
	}
	if event.Actor.ProjectID != "" {
		attrs = append(attrs, "project_id", event.Actor.ProjectID)
	}
	if event.Resource.ToolName != "" {
		attrs = append(attrs, "tool_name", event.Resource.ToolName)
	}
	if event.Resource.RequestID != "" {
		attrs = append(attrs, "request_id", event.Resource.RequestID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.CorrID != "" {
		attrs = append(attrs, "correlation_id", event.CorrID)
	}
	for k, v := range event.Details {
		if s, ok := v.(string); ok && len(s) > l.config.MaxFieldSize {
			v = s[:l.config.MaxFieldSize] + "...(truncated)"
		}
		attrs = append(attrs, k, v)
	}

	switch event.Status {
	case StatusFailure:
		l.slogger.Warn("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}
