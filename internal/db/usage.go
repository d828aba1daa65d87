package db

import (
	"database/sql"
	"fmt"

	"github.com/pkg/errors"

	"github.com/haoxy000/feilong/internal/errdefs"
)

// Every counter update below is a single statement, so concurrent callers
// on the same device are serialized by SQLite itself.

// FindAndReserve reserves the first free device for assigner and returns its
// number. It returns "" when no device is free.
func (d *DB) FindAndReserve(assigner string) (string, error) {
	var fcp string
	err := d.conn.QueryRow(`
		UPDATE fcp SET reserved = 1, assigner_id = ?
		WHERE fcp_id = (
			SELECT fcp_id FROM fcp
			WHERE connections = 0 AND reserved = 0
			ORDER BY fcp_id LIMIT 1
		)
		RETURNING fcp_id
	`, assigner).Scan(&fcp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to reserve a free fcp: %w", err)
	}
	return fcp, nil
}

// Reserve sets the reserved flag of fcp
func (d *DB) Reserve(fcp string) error {
	return d.execOne(`UPDATE fcp SET reserved = 1 WHERE fcp_id = ?`, fcp, fcp)
}

// Unreserve clears the reserved flag of fcp, connections are left alone
func (d *DB) Unreserve(fcp string) error {
	return d.execOne(`UPDATE fcp SET reserved = 0 WHERE fcp_id = ?`, fcp, fcp)
}

// IsReserved returns the reserved flag of fcp
func (d *DB) IsReserved(fcp string) (bool, error) {
	u, err := d.GetUsage(fcp)
	if err != nil {
		return false, err
	}
	return u.Reserved, nil
}

// AllocateFCPs assigns and reserves every device in fcps for assigner in one
// transaction, without touching connections. It returns false, and changes
// nothing, when any of the devices stopped being free.
func (d *DB) AllocateFCPs(assigner string, fcps []string) (bool, error) {
	tx, err := d.conn.Begin()
	if err != nil {
		return false, fmt.Errorf("failed to begin allocation: %w", err)
	}
	defer tx.Rollback()

	for _, fcp := range fcps {
		result, err := tx.Exec(`
			UPDATE fcp SET assigner_id = ?, reserved = 1
			WHERE fcp_id = ? AND connections = 0 AND reserved = 0
		`, assigner, fcp)
		if err != nil {
			return false, fmt.Errorf("failed to allocate fcp %s: %w", fcp, err)
		}
		if n, err := result.RowsAffected(); err != nil || n == 0 {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit allocation: %w", err)
	}
	return true, nil
}

// IncreaseUsage adds one connection to fcp on behalf of assigner and
// returns the new count. A device without connections is bound to assigner
// and reserved. A device in use by another assigner is refused with
// ErrOperationFailed and left untouched.
func (d *DB) IncreaseUsage(fcp, assigner string) (int, error) {
	var connections int
	// Right-hand sides see the values from before the update.
	err := d.conn.QueryRow(`
		UPDATE fcp SET
			assigner_id = CASE WHEN connections = 0 OR assigner_id = '' THEN ? ELSE assigner_id END,
			reserved = 1,
			connections = connections + 1
		WHERE fcp_id = ?
		  AND (connections = 0 OR assigner_id = '' OR UPPER(assigner_id) = UPPER(?))
		RETURNING connections
	`, assigner, fcp, assigner).Scan(&connections)
	if err == sql.ErrNoRows {
		return 0, d.usageConflict(fcp)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increase usage of fcp %s: %w", fcp, err)
	}
	return connections, nil
}

// DecreaseUsage removes one connection that assigner holds on fcp and
// returns the new count. It fails with ErrNotFound when the record is
// missing or has no connection left, and with ErrOperationFailed when the
// connections belong to another assigner.
func (d *DB) DecreaseUsage(fcp, assigner string) (int, error) {
	var connections int
	err := d.conn.QueryRow(`
		UPDATE fcp SET connections = connections - 1
		WHERE fcp_id = ? AND connections > 0
		  AND (assigner_id = '' OR UPPER(assigner_id) = UPPER(?))
		RETURNING connections
	`, fcp, assigner).Scan(&connections)
	if err == sql.ErrNoRows {
		return 0, d.usageConflict(fcp)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to decrease usage of fcp %s: %w", fcp, err)
	}
	return connections, nil
}

// usageConflict explains why a guarded counter update matched no row
func (d *DB) usageConflict(fcp string) error {
	u, err := d.GetUsage(fcp)
	if err != nil {
		return err
	}
	if u.Connections == 0 {
		return errors.Wrapf(errdefs.ErrNotFound, "connections of FCP %s", fcp)
	}
	return errors.Wrapf(errdefs.ErrOperationFailed, "FCP %s is in use by %s", fcp, u.AssignerID)
}

// GetConnections returns the connection count of fcp
func (d *DB) GetConnections(fcp string) (int, error) {
	u, err := d.GetUsage(fcp)
	if err != nil {
		return 0, err
	}
	return u.Connections, nil
}

// GetUsage returns the usage tuple of fcp
func (d *DB) GetUsage(fcp string) (*Usage, error) {
	var u Usage
	err := d.conn.QueryRow(`
		SELECT assigner_id, reserved, connections FROM fcp WHERE fcp_id = ?
	`, fcp).Scan(&u.AssignerID, &u.Reserved, &u.Connections)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errdefs.ErrNotFound, "FCP %s", fcp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage of fcp %s: %w", fcp, err)
	}
	return &u, nil
}

// UpdateUsage overwrites the usage tuple of fcp
func (d *DB) UpdateUsage(fcp string, u Usage) error {
	if u.Connections < 0 {
		return fmt.Errorf("connections of fcp %s must not be negative", fcp)
	}
	return d.execOne(`
		UPDATE fcp SET assigner_id = ?, reserved = ?, connections = ? WHERE fcp_id = ?
	`, fcp, u.AssignerID, u.Reserved, u.Connections, fcp)
}
