package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is the default database location
const DefaultPath = "/var/lib/feilong/fcp.db"

// DB wraps the SQLite database holding FCP usage records
type DB struct {
	conn *sql.DB
	path string
}

// New opens or creates the SQLite database at the given path
func New(path string) (*DB, error) {
	if path == "" {
		path = DefaultPath
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go into the DSN so that every pooled connection gets them.
	// Immediate transactions take the write lock at BEGIN, which keeps
	// read-modify-write sequences on a record serialized.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn, path: path}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// migrate runs the database schema migrations
func (d *DB) migrate() error {
	_, err := d.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return err
	}

	var version int
	err = d.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return err
	}

	migrations := []string{
		migrationV1,
		migrationV2,
	}

	for i, migration := range migrations {
		v := i + 1
		if v <= version {
			continue
		}

		tx, err := d.conn.Begin()
		if err != nil {
			return err
		}

		if _, err := tx.Exec(migration); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d failed: %w", v, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			tx.Rollback()
			return err
		}

		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

// migrationV1 creates the FCP usage table
const migrationV1 = `
-- One row per FCP device managed from fcp_list
CREATE TABLE IF NOT EXISTS fcp (
    fcp_id TEXT PRIMARY KEY,
    assigner_id TEXT NOT NULL DEFAULT '',
    connections INTEGER NOT NULL DEFAULT 0 CHECK (connections >= 0),
    reserved INTEGER NOT NULL DEFAULT 0,
    path INTEGER NOT NULL DEFAULT 0,
    comment TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_fcp_assigner ON fcp(assigner_id);
CREATE INDEX IF NOT EXISTS idx_fcp_path ON fcp(path);
`

// migrationV2 adds the usage event log
const migrationV2 = `
CREATE TABLE IF NOT EXISTS fcp_events (
    id INTEGER PRIMARY KEY,
    fcp_id TEXT NOT NULL,
    assigner_id TEXT,
    event_type TEXT NOT NULL,
    op_id TEXT,
    connections INTEGER,
    reserved INTEGER,
    details TEXT,
    timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fcp_events_fcp ON fcp_events(fcp_id);
CREATE INDEX IF NOT EXISTS idx_fcp_events_time ON fcp_events(timestamp);
`

// FCPRecord is the persisted usage of one FCP device
type FCPRecord struct {
	FCPID       string `json:"fcp_id"`
	AssignerID  string `json:"assigner_id"`
	Connections int    `json:"connections"`
	Reserved    bool   `json:"reserved"`
	Path        int    `json:"path"`
	Comment     string `json:"comment,omitempty"`
}

// Free reports whether nobody holds or uses the device
func (r *FCPRecord) Free() bool {
	return r.Connections == 0 && !r.Reserved
}

// Usage is the (assigner, reserved, connections) tuple of one device
type Usage struct {
	AssignerID  string `json:"assigner_id"`
	Reserved    bool   `json:"reserved"`
	Connections int    `json:"connections"`
}

// Event records one change of FCP usage made by an attach, detach or rollback
type Event struct {
	ID          int64     `json:"id"`
	FCPID       string    `json:"fcp_id"`
	AssignerID  string    `json:"assigner_id"`
	EventType   string    `json:"event_type"`
	OpID        string    `json:"op_id,omitempty"`
	Connections int       `json:"connections"`
	Reserved    bool      `json:"reserved"`
	Details     string    `json:"details,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event types
const (
	EventAttached   = "attached"
	EventDetached   = "detached"
	EventRolledBack = "rolled_back"
	EventReserved   = "reserved"
	EventUnreserved = "unreserved"
	EventAdded      = "added"
	EventRemoved    = "removed"
	EventUsageSet   = "usage_set"
)
