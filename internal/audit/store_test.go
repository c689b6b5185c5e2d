package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSQLStoreInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewSQLStore(context.Background(), db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	event := Event{
		Category:  CategoryTool,
		Type:      "tool_executed",
		Status:    StatusSuccess,
		Timestamp: time.Now(),
		Actor:     Actor{UserID: "user-1", SessionID: "sess-1"},
		Resource:  Resource{ToolName: "get_incidents", RequestID: "req-1"},
	}

	mock.ExpectExec("INSERT INTO audit_events").WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Insert(context.Background(), event); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSQLStoreQuery(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewSQLStore(context.Background(), db, "sqlite")
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "category", "type", "status", "occurred_at", "user_id", "session_id", "org_id",
		"project_id", "tool_name", "request_id", "duration_ns", "details", "error", "trace_id", "correlation_id",
	}).AddRow("evt-1", "tool", "tool_executed", "success", now, "user-1", "sess-1", "", "", "get_incidents", "req-1", int64(0), "", "", "", "")

	mock.ExpectQuery("SELECT id, category, type, status, occurred_at").WillReturnRows(rows)

	events, err := store.Query(context.Background(), QueryFilter{UserID: "user-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Resource.ToolName != "get_incidents" {
		t.Fatalf("got tool_name %q, want get_incidents", events[0].Resource.ToolName)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
