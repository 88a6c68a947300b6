package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir        = ".repairline"
	projectionName  = "projection.db"
	ledgerDirectory = "ledger"
)

// StateDir returns the per-workspace state directory.
func StateDir(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// Path returns the default projection database path for the workspace.
func Path(workspace string) string {
	return filepath.Join(StateDir(workspace), projectionName)
}

// LedgerPath returns the default ledger directory for the workspace.
func LedgerPath(workspace string) string {
	return filepath.Join(StateDir(workspace), ledgerDirectory)
}

// Open opens the SQLite projection at path, creating its directory.
// The pool holds one connection: writes are serialized by SQLite anyway and
// a single connection keeps transactions from tripping over busy locks.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
