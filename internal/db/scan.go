package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func scanEvents(rows *sql.Rows) ([]Event, error) {
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var detail sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Iteration, &e.Event, &detail, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Detail = detail.String
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
