package audit

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestLogger(t *testing.T, buf *bytes.Buffer) *Logger {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BufferSize = 8
	cfg.FlushInterval = time.Hour

	l := &Logger{config: cfg}
	l.buffer = make(chan Event, cfg.BufferSize)
	l.done = make(chan struct{})
	l.slogger = slog.New(slog.NewJSONHandler(buf, nil)).With("component", "audit")
	l.wg.Add(1)
	go l.writeLoop()
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLoggerWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)

	l.Log(context.Background(), Event{
		Category: CategoryTool,
		Type:     "tool_executed",
		Status:   StatusSuccess,
		Actor:    Actor{UserID: "u1"},
		Resource: Resource{ToolName: "get_incidents"},
	})
	time.Sleep(10 * time.Millisecond)

	out := buf.String()
	if !strings.Contains(out, "get_incidents") || !strings.Contains(out, "u1") {
		t.Fatalf("audit log missing expected fields: %s", out)
	}
}

func TestLoggerFiltersByCategory(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)
	l.categories = map[Category]bool{CategoryChat: true}

	l.Log(context.Background(), Event{Category: CategoryTool, Type: "tool_executed"})
	time.Sleep(10 * time.Millisecond)

	if buf.Len() != 0 {
		t.Fatalf("expected tool event to be filtered out, got: %s", buf.String())
	}
}

func TestLoggerDisabledIsNoop(t *testing.T) {
	l := &Logger{config: Config{Enabled: false}}
	l.Log(context.Background(), Event{Category: CategoryTool})
	if err := l.Close(); err != nil {
		t.Fatalf("Close() on disabled logger = %v, want nil", err)
	}
}

func TestLoggerTruncatesLongDetailValues(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf)
	l.config.MaxFieldSize = 8

	l.Log(context.Background(), Event{
		Category: CategoryTool,
		Details:  map[string]any{"preview": "this is a very long preview string"},
	})
	time.Sleep(10 * time.Millisecond)

	if !strings.Contains(buf.String(), "truncated") {
		t.Fatalf("expected truncated marker in output: %s", buf.String())
	}
}
