package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store persists audit events durably, alongside (not instead of) the
// streaming Logger output. A gateway deployment with audit.store_driver
// unset runs logger-only, same as the teacher's default.
type Store interface {
	Insert(ctx context.Context, event Event) error
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)
	Close() error
}

// QueryFilter restricts a Store.Query call. Zero values are unrestricted.
type QueryFilter struct {
	UserID    string
	SessionID string
	Category  Category
	Since     time.Time
	Limit     int
}

// SQLStore implements Store over database/sql, so the same code path
// serves both the Postgres driver (lib/pq) and the embedded cgo-free
// sqlite driver (modernc.org/sqlite); only the DSN and placeholder style
// differ.
type SQLStore struct {
	db          *sql.DB
	driver      string
	placeholder func(n int) string
}

// OpenStore opens a durability store for driver "postgres" or "sqlite"
// against dsn, creating the audit_events table if it does not exist.
func OpenStore(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	sqlDriver, ph, err := driverFor(driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s store: %w", driver, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping %s store: %w", driver, err)
	}

	return newSQLStore(ctx, db, driver, ph)
}

// NewSQLStore wraps an already-open *sql.DB, so tests can pass a
// sqlmock-backed connection without a real Postgres or SQLite server.
func NewSQLStore(ctx context.Context, db *sql.DB, driver string) (*SQLStore, error) {
	_, ph, err := driverFor(driver)
	if err != nil {
		return nil, err
	}
	return newSQLStore(ctx, db, driver, ph)
}

func newSQLStore(ctx context.Context, db *sql.DB, driver string, ph func(n int) string) (*SQLStore, error) {
	s := &SQLStore{db: db, driver: driver, placeholder: ph}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func driverFor(driver string) (sqlDriver string, placeholder func(n int) string, err error) {
	switch driver {
	case "postgres":
		return "postgres", func(n int) string { return fmt.Sprintf("$%d", n) }, nil
	case "sqlite":
		return "sqlite", func(int) string { return "?" }, nil
	default:
		return "", nil, fmt.Errorf("audit: unsupported store driver %q", driver)
	}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	occurred_at TIMESTAMP NOT NULL,
	user_id TEXT,
	session_id TEXT,
	org_id TEXT,
	project_id TEXT,
	tool_name TEXT,
	request_id TEXT,
	duration_ns BIGINT,
	details TEXT,
	error TEXT,
	trace_id TEXT,
	correlation_id TEXT
)`)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Insert writes one event. ID is generated if empty, matching the
// Logger's own event-construction convention.
func (s *SQLStore) Insert(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	var details []byte
	if len(event.Details) > 0 {
		b, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("audit: marshal details: %w", err)
		}
		details = b
	}

	query := fmt.Sprintf(`INSERT INTO audit_events
		(id, category, type, status, occurred_at, user_id, session_id, org_id, project_id,
		 tool_name, request_id, duration_ns, details, error, trace_id, correlation_id)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4),
		s.placeholder(5), s.placeholder(6), s.placeholder(7), s.placeholder(8),
		s.placeholder(9), s.placeholder(10), s.placeholder(11), s.placeholder(12),
		s.placeholder(13), s.placeholder(14), s.placeholder(15), s.placeholder(16))

	_, err := s.db.ExecContext(ctx, query,
		event.ID, string(event.Category), event.Type, string(event.Status), event.Timestamp,
		event.Actor.UserID, event.Actor.SessionID, event.Actor.OrgID, event.Actor.ProjectID,
		event.Resource.ToolName, event.Resource.RequestID, event.Duration.Nanoseconds(),
		string(details), event.Error, event.TraceID, event.CorrID,
	)
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Query reads back events matching filter, most recent first. It exists
// for operator tooling and incident post-mortems, not the hot path.
func (s *SQLStore) Query(ctx context.Context, filter QueryFilter) ([]Event, error) {
	query := `SELECT id, category, type, status, occurred_at, user_id, session_id, org_id,
		project_id, tool_name, request_id, duration_ns, details, error, trace_id, correlation_id
		FROM audit_events WHERE 1=1`
	var args []any
	n := 0
	add := func(clause string, val any) {
		n++
		query += fmt.Sprintf(" AND %s %s", clause, s.placeholder(n))
		args = append(args, val)
	}
	if filter.UserID != "" {
		add("user_id =", filter.UserID)
	}
	if filter.SessionID != "" {
		add("session_id =", filter.SessionID)
	}
	if filter.Category != "" {
		add("category =", string(filter.Category))
	}
	if !filter.Since.IsZero() {
		add("occurred_at >=", filter.Since)
	}
	query += " ORDER BY occurred_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var category, status, details sql.NullString
		var durationNS int64
		if err := rows.Scan(
			&e.ID, &category, &e.Type, &status, &e.Timestamp,
			&e.Actor.UserID, &e.Actor.SessionID, &e.Actor.OrgID, &e.Actor.ProjectID,
			&e.Resource.ToolName, &e.Resource.RequestID, &durationNS,
			&details, &e.Error, &e.TraceID, &e.CorrID,
		); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		e.Category = Category(category.String)
		e.Status = Status(status.String)
		e.Duration = time.Duration(durationNS)
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("audit: unmarshal details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
