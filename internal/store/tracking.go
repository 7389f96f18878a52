package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// CreateTracking inserts one tracking row per send attempt.
func (s *Store) CreateTracking(ctx context.Context, t *models.EmailTracking) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return err
	}

	query := `INSERT INTO email_tracking (id, user_id, hash, message_id, thread_id,
		status, open_count, sent_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = s.db.ExecContext(ctx, query, t.ID, t.UserID, t.Hash, t.MessageID,
		t.ThreadID, t.Status, t.OpenCount, t.SentAt, meta)
	return err
}

// GetTrackingByHash retrieves a tracking row by its opaque hash.
func (s *Store) GetTrackingByHash(ctx context.Context, hash string) (*models.EmailTracking, error) {
	query := `SELECT id, user_id, hash, message_id, thread_id, status, open_count,
		sent_at, opened_at, clicked_at, metadata
		FROM email_tracking WHERE hash = $1`

	t := &models.EmailTracking{}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&t.ID, &t.UserID, &t.Hash, &t.MessageID, &t.ThreadID, &t.Status,
		&t.OpenCount, &t.SentAt, &t.OpenedAt, &t.ClickedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &t.Metadata)
	}
	return t, nil
}

// GetTrackingByMessageID resolves a tracking row from an RFC 5322
// Message-ID seen in inbound References headers.
func (s *Store) GetTrackingByMessageID(ctx context.Context, userID uuid.UUID, messageID string) (*models.EmailTracking, error) {
	query := `SELECT id, user_id, hash, message_id, thread_id, status, open_count,
		sent_at, opened_at, clicked_at, metadata
		FROM email_tracking WHERE user_id = $1 AND message_id = $2`

	t := &models.EmailTracking{}
	var meta []byte
	err := s.db.QueryRowContext(ctx, query, userID, messageID).Scan(
		&t.ID, &t.UserID, &t.Hash, &t.MessageID, &t.ThreadID, &t.Status,
		&t.OpenCount, &t.SentAt, &t.OpenedAt, &t.ClickedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		json.Unmarshal(meta, &t.Metadata)
	}
	return t, nil
}

// UpdateTrackingSent records the Gmail identifiers after a send.
func (s *Store) UpdateTrackingSent(ctx context.Context, hash, messageID, threadID string, sentAt time.Time) error {
	query := `UPDATE email_tracking
		SET status = 'sent', message_id = $2, thread_id = $3, sent_at = $4
		WHERE hash = $1`
	_, err := s.db.ExecContext(ctx, query, hash, messageID, threadID, sentAt)
	return err
}

// RecordOpen bumps the open counter and reports whether this was the
// first open. The openedAt stamp lands exactly once.
func (s *Store) RecordOpen(ctx context.Context, hash string, now time.Time) (bool, error) {
	query := `UPDATE email_tracking SET open_count = open_count + 1 WHERE hash = $1`
	if _, err := s.db.ExecContext(ctx, query, hash); err != nil {
		return false, err
	}

	first := `UPDATE email_tracking SET opened_at = $2
		WHERE hash = $1 AND opened_at IS NULL`
	res, err := s.db.ExecContext(ctx, first, hash, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTrackingBounced flips a tracking row to bounced.
func (s *Store) MarkTrackingBounced(ctx context.Context, hash string) error {
	query := `UPDATE email_tracking SET status = 'bounced' WHERE hash = $1`
	_, err := s.db.ExecContext(ctx, query, hash)
	return err
}

// CreateTrackedLinks persists the rewritten links of one tracked email.
func (s *Store) CreateTrackedLinks(ctx context.Context, links []*models.TrackedLink) error {
	query := `INSERT INTO tracked_links (id, email_tracking_id, original_url, click_count)
		VALUES ($1, $2, $3, 0)`
	for _, l := range links {
		if l.ID == uuid.Nil {
			l.ID = uuid.New()
		}
		if _, err := s.db.ExecContext(ctx, query, l.ID, l.EmailTrackingID, l.OriginalURL); err != nil {
			return err
		}
	}
	return nil
}

// GetTrackedLink resolves a link id under a tracking hash. A link that
// belongs to a different tracking row is treated as unknown.
func (s *Store) GetTrackedLink(ctx context.Context, hash string, linkID uuid.UUID) (*models.TrackedLink, error) {
	query := `SELECT tl.id, tl.email_tracking_id, tl.original_url, tl.click_count
		FROM tracked_links tl
		JOIN email_tracking et ON et.id = tl.email_tracking_id
		WHERE tl.id = $1 AND et.hash = $2`

	l := &models.TrackedLink{}
	err := s.db.QueryRowContext(ctx, query, linkID, hash).Scan(
		&l.ID, &l.EmailTrackingID, &l.OriginalURL, &l.ClickCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// RecordClick appends a click and bumps counters. The returned flag
// reports whether this was the tracking row's first click.
func (s *Store) RecordClick(ctx context.Context, linkID uuid.UUID, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	insert := `INSERT INTO link_clicks (id, tracked_link_id, timestamp) VALUES ($1, $2, $3)`
	if _, err := tx.ExecContext(ctx, insert, uuid.New(), linkID, now); err != nil {
		return false, err
	}

	bump := `UPDATE tracked_links SET click_count = click_count + 1 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, bump, linkID); err != nil {
		return false, err
	}

	first := `UPDATE email_tracking SET clicked_at = $2
		WHERE clicked_at IS NULL
		  AND id = (SELECT email_tracking_id FROM tracked_links WHERE id = $1)`
	res, err := tx.ExecContext(ctx, first, linkID, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}
