// Package audit provides a persistent trail of tool-call executions.
// Records are append-only and indexed by timestamp, conversation, and
// tool for aggregation queries.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/voslund/tether/internal/agent"
)

// ToolStat is the aggregated view of one tool's executions.
type ToolStat struct {
	Tool          string  `json:"tool"`
	Server        string  `json:"server"`
	Calls         int     `json:"calls"`
	Failures      int     `json:"failures"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
	MaxDurationMS int64   `json:"max_duration_ms"`
	LastCalledAt  string  `json:"last_called_at"`
}

// Store is an append-only SQLite store for tool-call records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates the audit store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tool_calls (
		id              TEXT PRIMARY KEY,
		timestamp       TEXT NOT NULL,
		conversation_id TEXT,
		tool            TEXT NOT NULL,
		server          TEXT,
		duration_ms     INTEGER NOT NULL,
		ok              INTEGER NOT NULL,
		error           TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_timestamp ON tool_calls(timestamp);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordToolCall persists one execution. Implements agent.Recorder.
func (s *Store) RecordToolCall(ctx context.Context, rec agent.ToolCallRecord) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate audit record ID: %w", err)
	}
	at := rec.At
	if at.IsZero() {
		at = time.Now()
	}

	ok := 0
	if rec.OK && rec.Error == "" {
		ok = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_calls
			(id, timestamp, conversation_id, tool, server, duration_ms, ok, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(),
		at.UTC().Format(time.RFC3339),
		rec.Conversation,
		rec.Tool,
		rec.Server,
		rec.DurationMS,
		ok,
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert tool-call record: %w", err)
	}
	return nil
}

// ToolStats returns per-tool aggregates for records within [start, end),
// busiest tools first.
func (s *Store) ToolStats(ctx context.Context, start, end time.Time) ([]ToolStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tool, COALESCE(server, ''), COUNT(*),
		        SUM(CASE WHEN ok = 0 THEN 1 ELSE 0 END),
		        COALESCE(AVG(duration_ms), 0),
		        COALESCE(MAX(duration_ms), 0),
		        COALESCE(MAX(timestamp), '')
		 FROM tool_calls
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY tool, server
		 ORDER BY COUNT(*) DESC`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query tool stats: %w", err)
	}
	defer rows.Close()

	var stats []ToolStat
	for rows.Next() {
		var st ToolStat
		if err := rows.Scan(&st.Tool, &st.Server, &st.Calls, &st.Failures,
			&st.AvgDurationMS, &st.MaxDurationMS, &st.LastCalledAt); err != nil {
			return nil, fmt.Errorf("scan tool stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// RecentFailures returns the most recent failed executions, newest
// first, capped at limit.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]agent.ToolCallRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp, conversation_id, tool, COALESCE(server, ''), duration_ms, COALESCE(error, '')
		 FROM tool_calls
		 WHERE ok = 0
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent failures: %w", err)
	}
	defer rows.Close()

	var out []agent.ToolCallRecord
	for rows.Next() {
		var rec agent.ToolCallRecord
		var ts string
		if err := rows.Scan(&ts, &rec.Conversation, &rec.Tool, &rec.Server, &rec.DurationMS, &rec.Error); err != nil {
			return nil, fmt.Errorf("scan failure record: %w", err)
		}
		if at, perr := time.Parse(time.RFC3339, ts); perr == nil {
			rec.At = at
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
