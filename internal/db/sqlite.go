package db

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
)

// OpenSQLite opens (creating if needed) the SQLite file at path and applies
// the schema. WAL mode plus a busy timeout lets several worker processes share
// one file.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		path = "scan-worker.db"
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrapf(err, "open sqlite %q", path)
	}
	if err := MigrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// MigrateSQLite creates the scan_tasks and jobs tables when missing.
func MigrateSQLite(db *sql.DB) error {
	if _, err := db.Exec(sqliteSchema); err != nil {
		return errors.Wrap(err, "apply sqlite schema")
	}
	return nil
}
