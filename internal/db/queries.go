package db

import (
	"fmt"
	"time"
)

// Event is a row in the iteration_events table.
type Event struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEvent inserts an iteration event.
func (d *DB) LogEvent(runID string, iteration int, event, detail string) error {
	_, err := d.conn.Exec(
		d.rebind(`INSERT INTO iteration_events (run_id, iteration, event, detail, timestamp) VALUES (?, ?, ?, ?, ?)`),
		runID, iteration, event, detail, now(),
	)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// RecentEvents returns the newest limit events, oldest first.
func (d *DB) RecentEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		d.rebind(`SELECT id, run_id, iteration, event, detail, timestamp FROM (
		   SELECT id, run_id, iteration, event, detail, timestamp
		   FROM iteration_events ORDER BY id DESC LIMIT ?
		 ) recent ORDER BY id ASC`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return scanEvents(rows)
}

// RunEvents returns every event of one controller run, oldest first.
func (d *DB) RunEvents(runID string) ([]Event, error) {
	rows, err := d.conn.Query(
		d.rebind(`SELECT id, run_id, iteration, event, detail, timestamp
		 FROM iteration_events WHERE run_id = ? ORDER BY id ASC`),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	return scanEvents(rows)
}

// LastRunID returns the run id of the newest event, or "" when the log is
// empty.
func (d *DB) LastRunID() (string, error) {
	var runID string
	err := d.conn.QueryRow(`SELECT run_id FROM iteration_events ORDER BY id DESC LIMIT 1`).Scan(&runID)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("last run id: %w", err)
	}
	return runID, nil
}
