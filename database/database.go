package database

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the registry database and applies connection
// settings.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	// A single connection serializes all writes, which is exactly the
	// single-writer model the registry needs: every mutating call is one
	// transaction, strictly ordered. Reads share the same connection;
	// WAL keeps them cheap.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	return db, nil
}
