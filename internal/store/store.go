// Package store persists document records, the audit log, and poller locks
// in an embedded DuckDB database accessed through database/sql.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/marcboeker/go-duckdb"
)

var (
	// ErrDuplicate is returned when a document with the same content hash
	// already exists.
	ErrDuplicate = errors.New("store: duplicate content hash")

	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("store: not found")
)

// Store wraps the embedded database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens (creating if necessary) the database at dbPath and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	connector, err := duckdb.NewConnector(dbPath, func(execer driver.ExecerContext) error {
		pragmas := []string{
			"PRAGMA threads=4",
			"PRAGMA enable_progress_bar=false",
		}
		for _, pragma := range pragmas {
			if _, err := execer.ExecContext(context.Background(), pragma, nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create connector: %w", err)
	}

	db := sql.OpenDB(connector)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id            VARCHAR PRIMARY KEY,
			content_hash  VARCHAR NOT NULL UNIQUE,
			original_name VARCHAR NOT NULL,
			size          BIGINT NOT NULL,
			media_type    VARCHAR NOT NULL,
			working_path  VARCHAR NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id            VARCHAR PRIMARY KEY,
			task_id       VARCHAR NOT NULL,
			document_id   VARCHAR,
			stage         VARCHAR NOT NULL,
			status        VARCHAR NOT NULL,
			message       VARCHAR,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_task ON audit_log (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_log (document_id)`,
		`CREATE TABLE IF NOT EXISTS poll_locks (
			name           VARCHAR PRIMARY KEY,
			holder         VARCHAR NOT NULL,
			acquired_at_ms BIGINT NOT NULL,
			expires_at_ms  BIGINT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
