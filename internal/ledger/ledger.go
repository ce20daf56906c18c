// Package ledger keeps an append-only audit trail of control commands.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventType is the lifecycle step a ledger entry records.
type EventType string

const (
	EventCommandSent     EventType = "command_sent"
	EventCommandAccepted EventType = "command_accepted"
	EventCommandFailed   EventType = "command_failed"
)

// Entry is one row of the command ledger.
type Entry struct {
	ID         int64          `json:"id"`
	EventType  EventType      `json:"event_type"`
	Command    string         `json:"command"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Source     string         `json:"source,omitempty"`
	StatusCode int            `json:"status_code,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Ledger appends to and queries the command_ledger table.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Append records e. Timestamp defaults to now. A second outcome
// (accepted/failed) for the same request id is ignored.
func (l *Ledger) Append(e Entry) error {
	var payloadJSON []byte
	if e.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = l.now()
	}

	insertSQL := `INSERT INTO command_ledger (event_type, command, timestamp, request_id, source, status_code, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if e.EventType != EventCommandSent {
		insertSQL = `INSERT OR IGNORE INTO command_ledger (event_type, command, timestamp, request_id, source, status_code, payload) VALUES (?, ?, ?, ?, ?, ?, ?)`
	}

	_, err := l.db.Exec(insertSQL,
		string(e.EventType), e.Command, ts.UTC().UnixMilli(), e.RequestID, e.Source, e.StatusCode, nullString(payloadJSON))
	return err
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, command, timestamp, request_id, source, status_code, payload
		FROM command_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ByRequest returns the entries of one command request in insertion order.
func (l *Ledger) ByRequest(requestID string) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, command, timestamp, request_id, source, status_code, payload
		FROM command_ledger
		WHERE request_id = ?
		ORDER BY id
	`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// DeleteOlderThan removes entries older than retention.
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`DELETE FROM command_ledger WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var source, payload sql.NullString
		var status sql.NullInt64
		var ts int64

		if err := rows.Scan(
			&entry.ID, &entry.EventType, &entry.Command, &ts, &entry.RequestID, &source, &status, &payload,
		); err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(ts).UTC()
		entry.Source = source.String
		entry.StatusCode = int(status.Int64)

		if payload.Valid && payload.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payload.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
