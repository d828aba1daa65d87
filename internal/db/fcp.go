package db

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/haoxy000/feilong/internal/errdefs"
)

const selectFCP = `SELECT fcp_id, assigner_id, connections, reserved, path, comment FROM fcp`

// GetAll returns every FCP record ordered by device number
func (d *DB) GetAll() ([]*FCPRecord, error) {
	return d.queryFCPs(selectFCP + ` ORDER BY fcp_id`)
}

// GetFromFCP returns the record of one device, or nil when it is not in the database
func (d *DB) GetFromFCP(fcp string) (*FCPRecord, error) {
	row := d.conn.QueryRow(selectFCP+` WHERE fcp_id = ?`, fcp)
	return scanFCPRow(row)
}

// GetAllOfAssigner returns the records owned by assigner, or all records when assigner is empty
func (d *DB) GetAllOfAssigner(assigner string) ([]*FCPRecord, error) {
	if assigner == "" {
		return d.GetAll()
	}
	return d.queryFCPs(selectFCP+` WHERE assigner_id = ? ORDER BY fcp_id`, assigner)
}

// GetAllocatedFromAssigner returns the devices assigner is using or has reserved
func (d *DB) GetAllocatedFromAssigner(assigner string) ([]*FCPRecord, error) {
	return d.queryFCPs(selectFCP+`
		WHERE assigner_id = ? AND (connections <> 0 OR reserved <> 0)
		ORDER BY fcp_id`, assigner)
}

// GetReservedFromAssigner returns the devices reserved by assigner
func (d *DB) GetReservedFromAssigner(assigner string) ([]*FCPRecord, error) {
	return d.queryFCPs(selectFCP+`
		WHERE assigner_id = ? AND reserved <> 0
		ORDER BY fcp_id`, assigner)
}

// New adds a free record for fcp on the given path
func (d *DB) New(fcp string, path int) error {
	_, err := d.conn.Exec(`INSERT INTO fcp (fcp_id, path) VALUES (?, ?)`, fcp, path)
	if err != nil {
		return fmt.Errorf("failed to add fcp %s: %w", fcp, err)
	}
	return nil
}

// UpdatePath moves fcp to another path
func (d *DB) UpdatePath(fcp string, path int) error {
	return d.execOne(`UPDATE fcp SET path = ? WHERE fcp_id = ?`, fcp, path, fcp)
}

// Delete removes the record of fcp
func (d *DB) Delete(fcp string) error {
	_, err := d.conn.Exec(`DELETE FROM fcp WHERE fcp_id = ?`, fcp)
	if err != nil {
		return fmt.Errorf("failed to delete fcp %s: %w", fcp, err)
	}
	return nil
}

// PathCount returns the number of distinct paths in the database
func (d *DB) PathCount() (int, error) {
	var count int
	err := d.conn.QueryRow(`SELECT COUNT(DISTINCT path) FROM fcp`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count paths: %w", err)
	}
	return count, nil
}

func (d *DB) queryFCPs(query string, args ...interface{}) ([]*FCPRecord, error) {
	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fcp records: %w", err)
	}
	defer rows.Close()

	var records []*FCPRecord
	for rows.Next() {
		rec, err := scanFCPRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// execOne runs a statement that must touch exactly the record of fcp
func (d *DB) execOne(query, fcp string, args ...interface{}) error {
	result, err := d.conn.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to update fcp %s: %w", fcp, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update fcp %s: %w", fcp, err)
	}
	if n == 0 {
		return errors.Wrapf(errdefs.ErrNotFound, "FCP %s", fcp)
	}
	return nil
}

// scanFCPRow scans a single row into an FCPRecord
func scanFCPRow(row *sql.Row) (*FCPRecord, error) {
	var rec FCPRecord
	err := row.Scan(&rec.FCPID, &rec.AssignerID, &rec.Connections, &rec.Reserved, &rec.Path, &rec.Comment)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan fcp: %w", err)
	}
	return &rec, nil
}

// scanFCPRows scans a row from Rows into an FCPRecord
func scanFCPRows(rows *sql.Rows) (*FCPRecord, error) {
	var rec FCPRecord
	err := rows.Scan(&rec.FCPID, &rec.AssignerID, &rec.Connections, &rec.Reserved, &rec.Path, &rec.Comment)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fcp row: %w", err)
	}
	return &rec, nil
}
