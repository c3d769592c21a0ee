package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// Store persists messages in PostgreSQL. Messages are append-only except for
// the read flag and moderation metadata.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a message. Attachments are stored as a text array and
// moderation flags as JSONB.
func (s *Store) Create(ctx context.Context, m *Message) error {
	var flagsJSON []byte
	if len(m.ModerationFlags) > 0 {
		var err error
		flagsJSON, err = json.Marshal(m.ModerationFlags)
		if err != nil {
			return fmt.Errorf("chat: marshal moderation flags: %w", err)
		}
	}

	const query = `
		INSERT INTO messages (id, sender_id, receiver_id, job_id, content, attachments,
		                      is_read, is_moderated, moderation_flags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		m.ID,
		m.SenderID,
		m.ReceiverID,
		m.JobID,
		m.Content,
		pq.Array(m.Attachments),
		m.IsRead,
		m.IsModerated,
		flagsJSON,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

// Get retrieves a message by ID. Returns nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, job_id, content, attachments,
		       is_read, is_moderated, moderation_flags, created_at
		FROM messages WHERE id = $1`

	var (
		m         Message
		flagsJSON []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.JobID, &m.Content,
		pq.Array(&m.Attachments), &m.IsRead, &m.IsModerated, &flagsJSON, &m.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chat: get message: %w", err)
	}
	if len(flagsJSON) > 0 {
		if err := json.Unmarshal(flagsJSON, &m.ModerationFlags); err != nil {
			return nil, fmt.Errorf("chat: unmarshal moderation flags: %w", err)
		}
	}
	return &m, nil
}

// MarkRead flips the read flag for a message addressed to readerID. The
// WHERE clause matches only unread rows, so the returned bool reports
// whether this call performed the false -> true transition. A second call
// for the same message returns false, which is the idempotence guard for
// the unread-counter decrement.
func (s *Store) MarkRead(ctx context.Context, messageID, readerID string) (bool, error) {
	const query = `
		UPDATE messages SET is_read = TRUE
		WHERE id = $1 AND receiver_id = $2 AND is_read = FALSE`

	res, err := s.db.ExecContext(ctx, query, messageID, readerID)
	if err != nil {
		return false, fmt.Errorf("chat: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: mark read rows: %w", err)
	}
	return n == 1, nil
}

// SetModeration records the moderation outcome on an already persisted
// message, replacing its content with the filtered form.
func (s *Store) SetModeration(ctx context.Context, messageID string, flags []string, filteredContent string) error {
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("chat: marshal moderation flags: %w", err)
	}

	const query = `
		UPDATE messages
		SET is_moderated = TRUE, moderation_flags = $2, content = $3
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, messageID, flagsJSON, filteredContent); err != nil {
		return fmt.Errorf("chat: set moderation: %w", err)
	}
	return nil
}

// ListByConversation returns messages between the two participants for a
// job, oldest first, limited to the given count.
func (s *Store) ListByConversation(ctx context.Context, userA, userB string, limit int) ([]Message, error) {
	const query = `
		SELECT id, sender_id, receiver_id, job_id, content, attachments,
		       is_read, is_moderated, moderation_flags, created_at
		FROM messages
		WHERE (sender_id = $1 AND receiver_id = $2)
		   OR (sender_id = $2 AND receiver_id = $1)
		ORDER BY created_at ASC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, userA, userB, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			flagsJSON []byte
		)
		if err := rows.Scan(
			&m.ID, &m.SenderID, &m.ReceiverID, &m.JobID, &m.Content,
			pq.Array(&m.Attachments), &m.IsRead, &m.IsModerated, &flagsJSON, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("chat: scan message: %w", err)
		}
		if len(flagsJSON) > 0 {
			if err := json.Unmarshal(flagsJSON, &m.ModerationFlags); err != nil {
				return nil, fmt.Errorf("chat: unmarshal moderation flags: %w", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
