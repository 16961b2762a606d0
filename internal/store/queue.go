package store

import (
	"database/sql"
	"time"
)

// AppendPendingAction appends a mutation to the durable log and returns its
// assigned log position. CreatedAt is filled in if empty.
func (s *Store) AppendPendingAction(action PendingAction) (int64, error) {
	createdAt := action.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	query := `
		INSERT INTO pending_actions (kind, collection, record_id, data, idempotency_key, created_at, attempts, next_attempt_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.conn.Exec(query,
		string(action.Kind),
		action.Collection,
		action.RecordID,
		string(action.Data),
		action.IdempotencyKey,
		createdAt,
		action.Attempts,
		action.NextAttemptAfter,
	)
	if err != nil {
		return 0, unavailable("failed to append pending action", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, unavailable("failed to get last insert id", err)
	}

	return id, nil
}

// ListPendingActions retrieves the full log in log order. Log order is
// replay order.
func (s *Store) ListPendingActions() ([]PendingAction, error) {
	query := `
		SELECT id, kind, collection, record_id, data, idempotency_key, created_at, attempts, next_attempt_after
		FROM pending_actions
		ORDER BY id ASC
	`

	rows, err := s.conn.Query(query)
	if err != nil {
		return nil, unavailable("failed to query pending actions", err)
	}
	defer rows.Close()

	var actions []PendingAction
	for rows.Next() {
		var a PendingAction
		var kind string
		var data, createdAt, nextAfter sql.NullString

		err := rows.Scan(&a.ID, &kind, &a.Collection, &a.RecordID, &data, &a.IdempotencyKey, &createdAt, &a.Attempts, &nextAfter)
		if err != nil {
			return nil, unavailable("failed to scan pending action", err)
		}

		a.Kind = ActionKind(kind)
		if data.Valid && data.String != "" {
			a.Data = []byte(data.String)
		}
		a.CreatedAt = createdAt.String
		a.NextAttemptAfter = nextAfter.String
		actions = append(actions, a)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("error iterating pending action rows", err)
	}

	return actions, nil
}

// RemovePendingAction removes an action after successful replay or abandonment.
func (s *Store) RemovePendingAction(id int64) error {
	_, err := s.conn.Exec("DELETE FROM pending_actions WHERE id = ?", id)
	if err != nil {
		return unavailable("failed to remove pending action", err)
	}
	return nil
}

// UpdatePendingAttempts rewrites an action's retry bookkeeping in place so
// its log position, and therefore replay order, is undisturbed.
func (s *Store) UpdatePendingAttempts(id int64, attempts int, nextAttemptAfter string) error {
	query := `
		UPDATE pending_actions
		SET attempts = ?, next_attempt_after = ?
		WHERE id = ?
	`

	_, err := s.conn.Exec(query, attempts, nextAttemptAfter, id)
	if err != nil {
		return unavailable("failed to update pending action attempts", err)
	}
	return nil
}

// UpdatePendingData replaces an action's payload. Used when an offline edit
// folds into a still-queued create for the same record.
func (s *Store) UpdatePendingData(id int64, data []byte) error {
	_, err := s.conn.Exec("UPDATE pending_actions SET data = ? WHERE id = ?", string(data), id)
	if err != nil {
		return unavailable("failed to update pending action data", err)
	}
	return nil
}

// FindPendingCreate returns the queued create action for a provisional
// record, or nil if none is queued.
func (s *Store) FindPendingCreate(collection string, recordID int64) (*PendingAction, error) {
	query := `
		SELECT id, kind, collection, record_id, data, idempotency_key, created_at, attempts, next_attempt_after
		FROM pending_actions
		WHERE kind = 'create' AND collection = ? AND record_id = ?
		ORDER BY id ASC
		LIMIT 1
	`

	row := s.conn.QueryRow(query, collection, recordID)

	var a PendingAction
	var kind string
	var data, createdAt, nextAfter sql.NullString

	err := row.Scan(&a.ID, &kind, &a.Collection, &a.RecordID, &data, &a.IdempotencyKey, &createdAt, &a.Attempts, &nextAfter)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to scan pending create", err)
	}

	a.Kind = ActionKind(kind)
	if data.Valid && data.String != "" {
		a.Data = []byte(data.String)
	}
	a.CreatedAt = createdAt.String
	a.NextAttemptAfter = nextAfter.String
	return &a, nil
}

// CountPendingActions returns the current size of the log.
func (s *Store) CountPendingActions() (int, error) {
	var count int
	err := s.conn.QueryRow("SELECT COUNT(*) FROM pending_actions").Scan(&count)
	if err != nil {
		return 0, unavailable("failed to count pending actions", err)
	}
	return count, nil
}

// RecordIDMapping persists a provisional-to-authoritative id pair at
// confirmation time.
func (s *Store) RecordIDMapping(collection string, provisionalID, authoritativeID int64) error {
	query := `
		INSERT OR REPLACE INTO id_map (collection, provisional_id, authoritative_id)
		VALUES (?, ?, ?)
	`

	_, err := s.conn.Exec(query, collection, provisionalID, authoritativeID)
	if err != nil {
		return unavailable("failed to record id mapping", err)
	}
	return nil
}

// LookupAuthoritativeID resolves a provisional id to its confirmed
// authoritative id, if the create has been confirmed.
func (s *Store) LookupAuthoritativeID(collection string, provisionalID int64) (int64, bool, error) {
	var id int64
	err := s.conn.QueryRow(
		"SELECT authoritative_id FROM id_map WHERE collection = ? AND provisional_id = ?",
		collection, provisionalID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("failed to look up id mapping", err)
	}
	return id, true, nil
}
