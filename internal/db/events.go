package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// RecordEvent logs a change of FCP usage
func (d *DB) RecordEvent(e *Event, details map[string]interface{}) error {
	var detailsJSON string
	if details != nil {
		b, err := json.Marshal(details)
		if err == nil {
			detailsJSON = string(b)
		}
	}

	_, err := d.conn.Exec(`
		INSERT INTO fcp_events (fcp_id, assigner_id, event_type, op_id, connections, reserved, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.FCPID, e.AssignerID, e.EventType, e.OpID, e.Connections, e.Reserved, detailsJSON)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// RecentEvents returns the most recent events across all devices
func (d *DB) RecentEvents(limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT id, fcp_id, assigner_id, event_type, op_id, connections, reserved, details, timestamp
		FROM fcp_events
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// EventsOfFCP returns the most recent events of one device
func (d *DB) EventsOfFCP(fcp string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := d.conn.Query(`
		SELECT id, fcp_id, assigner_id, event_type, op_id, connections, reserved, details, timestamp
		FROM fcp_events
		WHERE fcp_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, fcp, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query fcp events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		var event Event
		var assignerID, opID, details sql.NullString
		var connections sql.NullInt64
		var reserved sql.NullBool

		err := rows.Scan(
			&event.ID, &event.FCPID, &assignerID, &event.EventType, &opID,
			&connections, &reserved, &details, &event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.AssignerID = assignerID.String
		event.OpID = opID.String
		event.Connections = int(connections.Int64)
		event.Reserved = reserved.Bool
		event.Details = details.String

		events = append(events, &event)
	}

	return events, rows.Err()
}
