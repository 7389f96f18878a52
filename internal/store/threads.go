package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// CreateThread records the (user, Gmail thread) mapping after the first
// send of a pair. Duplicate inserts for the same thread are no-ops.
func (s *Store) CreateThread(ctx context.Context, t *models.EmailThread) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `INSERT INTO email_threads (id, user_id, gmail_thread_id, sequence_id,
		contact_id, first_message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id, gmail_thread_id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, t.ID, t.UserID, t.GmailThreadID,
		t.SequenceID, t.ContactID, t.FirstMessageID)
	return err
}

// GetThreadByGmailID resolves a Gmail thread back to its pair.
func (s *Store) GetThreadByGmailID(ctx context.Context, userID uuid.UUID, gmailThreadID string) (*models.EmailThread, error) {
	query := `SELECT id, user_id, gmail_thread_id, sequence_id, contact_id,
		first_message_id, created_at
		FROM email_threads WHERE user_id = $1 AND gmail_thread_id = $2`

	t := &models.EmailThread{}
	err := s.db.QueryRowContext(ctx, query, userID, gmailThreadID).Scan(
		&t.ID, &t.UserID, &t.GmailThreadID, &t.SequenceID, &t.ContactID,
		&t.FirstMessageID, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}
