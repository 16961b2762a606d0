// Package store provides the SQLite-backed durable local store: one record
// set per collection plus the ordered pending-action log. Everything here
// survives process restarts and works with no network at all.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// ErrStorageUnavailable is wrapped into every error returned by the store.
// Callers check it with errors.Is and treat it as fatal for the current
// user action, never for the process.
var ErrStorageUnavailable = errors.New("local store unavailable")

// Store is a SQLite database holding the offline state.
type Store struct {
	path string
	conn *sql.DB
}

// Record is one locally persisted record of a collection.
// Provisional records carry a negative ID and CreatedOffline=true until the
// synchronizer confirms them against the remote API.
type Record struct {
	ID             int64
	Collection     string
	Payload        json.RawMessage
	CreatedOffline bool
	UpdatedAt      string
}

// ActionKind is the verb a pending action replays remotely.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
)

// PendingAction is one not-yet-confirmed mutation in the durable log.
// The AUTOINCREMENT ID is the replay order; CreatedAt is display-only.
type PendingAction struct {
	ID               int64
	Kind             ActionKind
	Collection       string
	RecordID         int64
	Data             json.RawMessage
	IdempotencyKey   string
	CreatedAt        string
	Attempts         int
	NextAttemptAfter string // RFC3339; empty means immediately eligible
}

// createRecordsTableSQL defines the schema for collection records.
const createRecordsTableSQL = `
CREATE TABLE IF NOT EXISTS records (
    collection TEXT NOT NULL,
    id INTEGER NOT NULL,
    payload TEXT,
    created_offline INTEGER DEFAULT 0,
    updated_at TEXT,
    PRIMARY KEY (collection, id)
);
`

// createPendingActionsTableSQL defines the schema for the pending-action log.
const createPendingActionsTableSQL = `
CREATE TABLE IF NOT EXISTS pending_actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    collection TEXT NOT NULL,
    record_id INTEGER NOT NULL DEFAULT 0,
    data TEXT,
    idempotency_key TEXT NOT NULL,
    created_at TEXT,
    attempts INTEGER DEFAULT 0,
    next_attempt_after TEXT DEFAULT ''
);
`

// createIDMapTableSQL defines the provisional-to-authoritative id mapping.
const createIDMapTableSQL = `
CREATE TABLE IF NOT EXISTS id_map (
    collection TEXT NOT NULL,
    provisional_id INTEGER NOT NULL,
    authoritative_id INTEGER NOT NULL,
    PRIMARY KEY (collection, provisional_id)
);
`

// createMetaTableSQL holds the provisional id counter.
const createMetaTableSQL = `
CREATE TABLE IF NOT EXISTS meta (
    key TEXT PRIMARY KEY,
    value INTEGER NOT NULL
);
`

// Open creates or opens a SQLite database at the given path and initializes the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, unavailable("failed to open database", err)
	}

	// SQLite only supports a single writer, so we limit to one connection
	// to prevent "database is locked" errors when the façade and the
	// synchronizer interleave.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		createRecordsTableSQL,
		createPendingActionsTableSQL,
		createIDMapTableSQL,
		createMetaTableSQL,
	} {
		if _, err := conn.Exec(stmt); err != nil {
			conn.Close()
			return nil, unavailable("failed to initialize schema", err)
		}
	}

	return &Store{path: path, conn: conn}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// unavailable wraps a low-level database error so callers can detect it
// with errors.Is(err, ErrStorageUnavailable).
func unavailable(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, ErrStorageUnavailable, err)
}

// Put upserts a record by (collection, id). Last write wins.
func (s *Store) Put(rec Record) error {
	offlineInt := 0
	if rec.CreatedOffline {
		offlineInt = 1
	}

	query := `
		INSERT OR REPLACE INTO records (collection, id, payload, created_offline, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := s.conn.Exec(query,
		rec.Collection,
		rec.ID,
		string(rec.Payload),
		offlineInt,
		sql.NullString{String: rec.UpdatedAt, Valid: rec.UpdatedAt != ""},
	)
	if err != nil {
		return unavailable("failed to upsert record", err)
	}

	return nil
}

// GetByID retrieves a record by collection and id. Returns nil if absent.
func (s *Store) GetByID(collection string, id int64) (*Record, error) {
	query := `
		SELECT collection, id, payload, created_offline, updated_at
		FROM records
		WHERE collection = ? AND id = ?
	`

	row := s.conn.QueryRow(query, collection, id)
	return scanRecordFrom(row)
}

// GetAll retrieves every record of a collection. Storage order carries no
// business meaning; callers sort themselves if they need one.
func (s *Store) GetAll(collection string) ([]Record, error) {
	query := `
		SELECT collection, id, payload, created_offline, updated_at
		FROM records
		WHERE collection = ?
		ORDER BY id ASC
	`

	rows, err := s.conn.Query(query, collection)
	if err != nil {
		return nil, unavailable("failed to query records", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecordFrom(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating record rows", err)
	}

	return records, nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (s *Store) Delete(collection string, id int64) error {
	_, err := s.conn.Exec("DELETE FROM records WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return unavailable("failed to delete record", err)
	}
	return nil
}

// Clear removes every record of one collection.
func (s *Store) Clear(collection string) error {
	_, err := s.conn.Exec("DELETE FROM records WHERE collection = ?", collection)
	if err != nil {
		return unavailable("failed to clear collection", err)
	}
	return nil
}

// ClearAll removes all records, pending actions and id mappings.
func (s *Store) ClearAll() error {
	for _, table := range []string{"records", "pending_actions", "id_map"} {
		if _, err := s.conn.Exec("DELETE FROM " + table); err != nil {
			return unavailable("failed to clear "+table, err)
		}
	}
	return nil
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanRecordFrom scans a row into a Record using the scanner interface.
func scanRecordFrom(sc scanner) (*Record, error) {
	var rec Record
	var payload, updatedAt sql.NullString
	var createdOffline int

	err := sc.Scan(&rec.Collection, &rec.ID, &payload, &createdOffline, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, unavailable("failed to scan record", err)
	}

	if payload.Valid && payload.String != "" {
		rec.Payload = json.RawMessage(payload.String)
	}
	rec.CreatedOffline = createdOffline == 1
	rec.UpdatedAt = updatedAt.String

	return &rec, nil
}

// NextProvisionalID returns the next negative provisional id. The counter is
// persisted so ids never repeat across restarts, and the negative space never
// collides with server-assigned positive ids.
func (s *Store) NextProvisionalID() (int64, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return 0, unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRow("SELECT value FROM meta WHERE key = 'provisional_id'").Scan(&current)
	if err == sql.ErrNoRows {
		current = 0
	} else if err != nil {
		return 0, unavailable("failed to read provisional counter", err)
	}

	next := current - 1
	_, err = tx.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('provisional_id', ?)", next)
	if err != nil {
		return 0, unavailable("failed to advance provisional counter", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("failed to commit provisional counter", err)
	}

	return next, nil
}
