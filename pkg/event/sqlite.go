package event

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS middleware_events (
	event_id         TEXT PRIMARY KEY,
	created_at       TEXT NOT NULL,
	middleware_name  TEXT NOT NULL,
	event_type       TEXT NOT NULL,
	agent_name       TEXT NOT NULL DEFAULT '',
	session_id       TEXT NOT NULL DEFAULT '',
	ticker           TEXT NOT NULL DEFAULT '',
	input_data       TEXT,
	output_data      TEXT,
	metadata         TEXT,
	requires_approval INTEGER NOT NULL DEFAULT 0,
	approval_status  TEXT NOT NULL DEFAULT '',
	approval_reason  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_session ON middleware_events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_type ON middleware_events(event_type, created_at);
`

// SQLiteSink persists events into a local SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (or creates) the event database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("event: sqlite path is empty")
	}
	clean := filepath.Clean(path)
	if dir := filepath.Dir(clean); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event: mkdir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", clean)
	if err != nil {
		return nil, fmt.Errorf("event: open db: %w", err)
	}
	// SQLite performs best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event: set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event: set journal_mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event: migrate: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Append inserts one event row.
func (s *SQLiteSink) Append(evt Event) error {
	input, err := marshalMap(evt.InputData)
	if err != nil {
		return err
	}
	output, err := marshalMap(evt.OutputData)
	if err != nil {
		return err
	}
	metadata, err := marshalMap(evt.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO middleware_events
		(event_id, created_at, middleware_name, event_type, agent_name, session_id, ticker,
		 input_data, output_data, metadata, requires_approval, approval_status, approval_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.Timestamp.UTC().Format(time.RFC3339Nano), evt.MiddlewareName, evt.EventType,
		evt.AgentName, evt.SessionID, evt.Ticker,
		input, output, metadata,
		boolToInt(evt.RequiresApproval), evt.ApprovalStatus, evt.ApprovalReason)
	if err != nil {
		return fmt.Errorf("event: insert %s: %w", evt.EventID, err)
	}
	return nil
}

// Filter constrains Query results. Zero values match everything.
type Filter struct {
	SessionID string
	EventType string
	Limit     int
}

// Query returns stored events, newest first.
func (s *SQLiteSink) Query(f Filter) ([]Event, error) {
	query := `SELECT event_id, created_at, middleware_name, event_type, agent_name, session_id, ticker,
		input_data, output_data, metadata, requires_approval, approval_status, approval_reason
		FROM middleware_events`
	var (
		clauses []string
		args    []any
	)
	if f.SessionID != "" {
		clauses = append(clauses, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, f.EventType)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("event: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			evt                     Event
			createdAt               string
			input, output, metadata sql.NullString
			requiresApproval        int
		)
		if err := rows.Scan(&evt.EventID, &createdAt, &evt.MiddlewareName, &evt.EventType,
			&evt.AgentName, &evt.SessionID, &evt.Ticker,
			&input, &output, &metadata,
			&requiresApproval, &evt.ApprovalStatus, &evt.ApprovalReason); err != nil {
			return nil, fmt.Errorf("event: scan: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			evt.Timestamp = ts
		}
		evt.InputData = unmarshalMap(input)
		evt.OutputData = unmarshalMap(output)
		evt.Metadata = unmarshalMap(metadata)
		evt.RequiresApproval = requiresApproval != 0
		out = append(out, evt)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error { return s.db.Close() }

func marshalMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("event: marshal payload: %w", err)
	}
	return string(payload), nil
}

func unmarshalMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
