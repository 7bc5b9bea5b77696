package database

import (
	"database/sql"
	"fmt"
)

const entryColumns = `id, timestamp, request_id, user, endpoint, method, backend_id, model, prompt, response, status_code, latency_ms, error_kind, error, backend_url, backend_request, backend_response, history_turns, kept_turns, prompt_tokens`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (LogEntry, error) {
	var entry LogEntry
	var backendID, model, prompt, response, errorKind, errMsg, backendURL, backendRequest, backendResponse sql.NullString
	var statusCode, latencyMs sql.NullInt64

	err := row.Scan(
		&entry.ID,
		&entry.Timestamp,
		&entry.RequestID,
		&entry.User,
		&entry.Endpoint,
		&entry.Method,
		&backendID,
		&model,
		&prompt,
		&response,
		&statusCode,
		&latencyMs,
		&errorKind,
		&errMsg,
		&backendURL,
		&backendRequest,
		&backendResponse,
		&entry.HistoryTurns,
		&entry.KeptTurns,
		&entry.PromptTokens,
	)
	if err != nil {
		return entry, err
	}

	entry.BackendID = backendID.String
	entry.Model = model.String
	entry.Prompt = prompt.String
	entry.Response = response.String
	entry.StatusCode = int(statusCode.Int64)
	entry.LatencyMs = latencyMs.Int64
	entry.ErrorKind = errorKind.String
	entry.Error = errMsg.String
	entry.BackendURL = backendURL.String
	entry.BackendRequest = backendRequest.String
	entry.BackendResponse = backendResponse.String
	return entry, nil
}

// userFilter matches every row when the user argument is empty
const userFilter = `(? = '' OR user = ?)`

// GetRecentEntries returns the most recent log entries of user with
// pagination. An empty user returns entries of all users.
func (db *DB) GetRecentEntries(user string, limit, offset int) ([]LogEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM request
		WHERE ` + userFilter + `
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := db.conn.Query(query, user, user, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return entries, nil
}

// GetEntryByID returns a single log entry by ID, or nil if it does not exist
func (db *DB) GetEntryByID(id int64) (*LogEntry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM request
		WHERE id = ?
	`

	entry, err := scanEntry(db.conn.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query entry: %w", err)
	}

	return &entry, nil
}

// GetTotalCount returns the total number of log entries
func (db *DB) GetTotalCount() (int64, error) {
	return db.CountEntries("")
}

// CountEntries returns the number of log entries of user, or of all users when empty
func (db *DB) CountEntries(user string) (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM request WHERE "+userFilter, user, user).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return count, nil
}

// GetNextEntryID returns the ID of user's next entry (chronologically newer, higher ID)
func (db *DB) GetNextEntryID(user string, currentID int64) (*int64, error) {
	return db.adjacentID(`SELECT id FROM request WHERE id > ? AND `+userFilter+` ORDER BY id ASC LIMIT 1`, user, currentID)
}

// GetPreviousEntryID returns the ID of user's previous entry (chronologically older, lower ID)
func (db *DB) GetPreviousEntryID(user string, currentID int64) (*int64, error) {
	return db.adjacentID(`SELECT id FROM request WHERE id < ? AND `+userFilter+` ORDER BY id DESC LIMIT 1`, user, currentID)
}

func (db *DB) adjacentID(query, user string, currentID int64) (*int64, error) {
	var id int64
	err := db.conn.QueryRow(query, currentID, user, user).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query adjacent entry: %w", err)
	}
	return &id, nil
}

// CleanupOldRequests removes the oldest requests, keeping only the most recent maxRequests
// Returns the number of deleted rows
func (db *DB) CleanupOldRequests(maxRequests int) (int64, error) {
	totalCount, err := db.GetTotalCount()
	if err != nil {
		return 0, err
	}

	// If we're under the limit, nothing to do
	if totalCount <= int64(maxRequests) {
		return 0, nil
	}

	query := `
		DELETE FROM request
		WHERE id NOT IN (
			SELECT id
			FROM request
			ORDER BY timestamp DESC, id DESC
			LIMIT ?
		)
	`

	result, err := db.conn.Exec(query, maxRequests)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old requests: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}
