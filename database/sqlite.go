package database

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// LogEntry represents a logged chat request and its outcome
type LogEntry struct {
	ID              int64     `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	RequestID       string    `json:"request_id"`
	User            string    `json:"user"`
	Endpoint        string    `json:"endpoint"`
	Method          string    `json:"method"`
	BackendID       string    `json:"backend_id"`
	Model           string    `json:"model"`
	Prompt          string    `json:"prompt"`
	Response        string    `json:"response"`
	StatusCode      int       `json:"status_code"`
	LatencyMs       int64     `json:"latency_ms"`
	ErrorKind       string    `json:"error_kind,omitempty"` // empty on success
	Error           string    `json:"error,omitempty"`
	BackendURL      string    `json:"backend_url,omitempty"`      // Backend URL that was called
	BackendRequest  string    `json:"backend_request,omitempty"`  // Raw backend request JSON
	BackendResponse string    `json:"backend_response,omitempty"` // Raw backend response data
	HistoryTurns    int       `json:"history_turns"`              // turns submitted
	KeptTurns       int       `json:"kept_turns"`                 // turns that fit the context window
	PromptTokens    int       `json:"prompt_tokens"`              // estimated
}

// New creates a new database connection and initializes the schema
func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; this also keeps :memory: databases on a single connection
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// initSchema creates the required tables if they don't exist
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS request (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		request_id TEXT NOT NULL DEFAULT '',
		user TEXT NOT NULL DEFAULT '',
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		backend_id TEXT,
		model TEXT,
		prompt TEXT,
		response TEXT,
		status_code INTEGER,
		latency_ms INTEGER,
		error_kind TEXT,
		error TEXT,
		backend_url TEXT,
		backend_request TEXT,
		backend_response TEXT,
		history_turns INTEGER NOT NULL DEFAULT 0,
		kept_turns INTEGER NOT NULL DEFAULT 0,
		prompt_tokens INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_timestamp ON request(timestamp);
	CREATE INDEX IF NOT EXISTS idx_backend_id ON request(backend_id);
	CREATE INDEX IF NOT EXISTS idx_user ON request(user);

	CREATE TABLE IF NOT EXISTS conversation (
		user TEXT NOT NULL,
		name TEXT NOT NULL,
		messages TEXT NOT NULL,
		meta TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user, name)
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Log inserts a log entry into the database
func (db *DB) Log(entry LogEntry) error {
	query := `
		INSERT INTO request (timestamp, request_id, user, endpoint, method, backend_id, model, prompt, response, status_code, latency_ms, error_kind, error, backend_url, backend_request, backend_response, history_turns, kept_turns, prompt_tokens)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.conn.Exec(
		query,
		entry.Timestamp,
		entry.RequestID,
		entry.User,
		entry.Endpoint,
		entry.Method,
		entry.BackendID,
		entry.Model,
		entry.Prompt,
		entry.Response,
		entry.StatusCode,
		entry.LatencyMs,
		entry.ErrorKind,
		entry.Error,
		entry.BackendURL,
		entry.BackendRequest,
		entry.BackendResponse,
		entry.HistoryTurns,
		entry.KeptTurns,
		entry.PromptTokens,
	)

	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}
