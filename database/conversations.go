package database

import (
	"encoding/json"
	"fmt"
	"time"

	"llm_gateway/models"
)

// LoadConversations returns every stored conversation of a user keyed by name.
// A user without conversations gets an empty map.
func (db *DB) LoadConversations(user string) (models.Conversations, error) {
	rows, err := db.conn.Query(`
		SELECT name, messages, meta, created_at, updated_at
		FROM conversation
		WHERE user = ?
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make(models.Conversations)
	for rows.Next() {
		var name, messages, meta string
		var createdAt, updatedAt int64
		if err := rows.Scan(&name, &messages, &meta, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}

		var conv models.Conversation
		if err := json.Unmarshal([]byte(messages), &conv.Messages); err != nil {
			return nil, fmt.Errorf("conversation %q has corrupt messages: %w", name, err)
		}
		if err := json.Unmarshal([]byte(meta), &conv.Meta); err != nil {
			return nil, fmt.Errorf("conversation %q has corrupt settings: %w", name, err)
		}
		conv.CreatedAt = time.Unix(0, createdAt).UTC()
		conv.UpdatedAt = time.Unix(0, updatedAt).UTC()
		conversations[name] = conv
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return conversations, nil
}

// SaveConversations replaces all conversations of a user in one transaction
func (db *DB) SaveConversations(user string, conversations models.Conversations) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM conversation WHERE user = ?`, user); err != nil {
		return fmt.Errorf("failed to clear conversations: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO conversation (user, name, messages, meta, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for name, conv := range conversations {
		messages, err := json.Marshal(conv.Messages)
		if err != nil {
			return fmt.Errorf("failed to encode conversation %q: %w", name, err)
		}
		meta, err := json.Marshal(conv.Meta)
		if err != nil {
			return fmt.Errorf("failed to encode conversation %q settings: %w", name, err)
		}

		if _, err := stmt.Exec(user, name, string(messages), string(meta), conv.CreatedAt.UnixNano(), conv.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("failed to insert conversation %q: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversations: %w", err)
	}
	return nil
}
