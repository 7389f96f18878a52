package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// AppendEvent appends to the per-tracking event log. Events are unique
// on (tracking_hash, type, reply_message_id); a duplicate push is a
// no-op and the returned flag reports whether a row actually landed.
func (s *Store) AppendEvent(ctx context.Context, e *models.EmailEvent) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	var meta []byte
	if e.Metadata != nil {
		meta, _ = json.Marshal(e.Metadata)
	}
	replyMessageID := ""
	if e.Metadata != nil {
		replyMessageID = e.Metadata["replyMessageId"]
	}

	query := `INSERT INTO email_events (id, tracking_hash, type, reply_message_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (tracking_hash, type, reply_message_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, e.ID, e.TrackingHash, e.Type, replyMessageID, meta)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasEvent reports whether any event of the given type exists for a hash.
func (s *Store) HasEvent(ctx context.Context, hash, eventType string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM email_events WHERE tracking_hash = $1 AND type = $2)`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, hash, eventType).Scan(&exists)
	return exists, err
}

// HasEventForPair reports whether any event of the given type exists for
// a (sequence, contact) pair across all of its tracking rows.
func (s *Store) HasEventForPair(ctx context.Context, sequenceID, contactID uuid.UUID, eventType string) (bool, error) {
	query := `SELECT EXISTS (
		SELECT 1 FROM email_events ee
		JOIN email_tracking et ON et.hash = ee.tracking_hash
		WHERE ee.type = $3
		  AND et.metadata->>'sequenceId' = $1
		  AND et.metadata->>'contactId' = $2)`
	var exists bool
	err := s.db.QueryRowContext(ctx, query, sequenceID.String(), contactID.String(), eventType).Scan(&exists)
	return exists, err
}
