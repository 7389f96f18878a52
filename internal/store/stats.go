package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// Stats counters are upserted per sequence; rates are recomputed in SQL
// on every bump so readers never see a stale ratio.

// RecordSentStat bumps send counters after a successful delivery.
func (s *Store) RecordSentStat(ctx context.Context, sequenceID uuid.UUID, newContact bool) error {
	contacted := 0
	if newContact {
		contacted = 1
	}
	query := `INSERT INTO sequence_stats (sequence_id, total_emails, sent_emails, people_contacted, updated_at)
		VALUES ($1, 1, 1, $2, NOW())
		ON CONFLICT (sequence_id) DO UPDATE SET
			total_emails = sequence_stats.total_emails + 1,
			sent_emails = sequence_stats.sent_emails + 1,
			people_contacted = sequence_stats.people_contacted + $2,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, sequenceID, contacted)
	return err
}

// RecordOpenStat bumps open counters. uniqueOpen is true on the first
// open of a tracking row only.
func (s *Store) RecordOpenStat(ctx context.Context, sequenceID uuid.UUID, uniqueOpen bool) error {
	unique := 0
	if uniqueOpen {
		unique = 1
	}
	query := `UPDATE sequence_stats SET
			opened_emails = opened_emails + 1,
			unique_opens = unique_opens + $2,
			open_rate = CASE WHEN sent_emails > 0
				THEN (unique_opens + $2)::float / sent_emails ELSE 0 END,
			updated_at = NOW()
		WHERE sequence_id = $1`
	_, err := s.db.ExecContext(ctx, query, sequenceID, unique)
	return err
}

// RecordClickStat bumps click counters on a first-click-per-row basis.
func (s *Store) RecordClickStat(ctx context.Context, sequenceID uuid.UUID, firstClick bool) error {
	first := 0
	if firstClick {
		first = 1
	}
	query := `UPDATE sequence_stats SET
			clicked_emails = clicked_emails + $2,
			click_rate = CASE WHEN sent_emails > 0
				THEN (clicked_emails + $2)::float / sent_emails ELSE 0 END,
			updated_at = NOW()
		WHERE sequence_id = $1`
	_, err := s.db.ExecContext(ctx, query, sequenceID, first)
	return err
}

// RecordReplyStat bumps reply counters.
func (s *Store) RecordReplyStat(ctx context.Context, sequenceID uuid.UUID) error {
	query := `UPDATE sequence_stats SET
			replied_emails = replied_emails + 1,
			reply_rate = CASE WHEN sent_emails > 0
				THEN (replied_emails + 1)::float / sent_emails ELSE 0 END,
			updated_at = NOW()
		WHERE sequence_id = $1`
	_, err := s.db.ExecContext(ctx, query, sequenceID)
	return err
}

// RecordBounceStat bumps bounce counters.
func (s *Store) RecordBounceStat(ctx context.Context, sequenceID uuid.UUID) error {
	query := `UPDATE sequence_stats SET
			bounced_emails = bounced_emails + 1,
			bounce_rate = CASE WHEN sent_emails > 0
				THEN (bounced_emails + 1)::float / sent_emails ELSE 0 END,
			updated_at = NOW()
		WHERE sequence_id = $1`
	_, err := s.db.ExecContext(ctx, query, sequenceID)
	return err
}

// RecordFailedStat bumps the failed-send counter.
func (s *Store) RecordFailedStat(ctx context.Context, sequenceID uuid.UUID) error {
	query := `INSERT INTO sequence_stats (sequence_id, failed_emails, updated_at)
		VALUES ($1, 1, NOW())
		ON CONFLICT (sequence_id) DO UPDATE SET
			failed_emails = sequence_stats.failed_emails + 1,
			updated_at = NOW()`
	_, err := s.db.ExecContext(ctx, query, sequenceID)
	return err
}

// GetSequenceStats retrieves the aggregate counters for a sequence.
func (s *Store) GetSequenceStats(ctx context.Context, sequenceID uuid.UUID) (*models.SequenceStats, error) {
	query := `SELECT sequence_id, total_emails, sent_emails, opened_emails, unique_opens,
		clicked_emails, replied_emails, bounced_emails, failed_emails, people_contacted,
		open_rate, click_rate, reply_rate, bounce_rate, updated_at
		FROM sequence_stats WHERE sequence_id = $1`

	st := &models.SequenceStats{}
	err := s.db.QueryRowContext(ctx, query, sequenceID).Scan(
		&st.SequenceID, &st.TotalEmails, &st.SentEmails, &st.OpenedEmails, &st.UniqueOpens,
		&st.ClickedEmails, &st.RepliedEmails, &st.BouncedEmails, &st.FailedEmails,
		&st.PeopleContacted, &st.OpenRate, &st.ClickRate, &st.ReplyRate, &st.BounceRate,
		&st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// RecordHealthError increments the per-sequence error counter and
// derives the health status: warning at 3 errors, error at 10.
func (s *Store) RecordHealthError(ctx context.Context, sequenceID uuid.UUID, lastError string) error {
	query := `INSERT INTO sequence_health (sequence_id, status, error_count, last_error, last_check)
		VALUES ($1, 'healthy', 1, $2, NOW())
		ON CONFLICT (sequence_id) DO UPDATE SET
			error_count = sequence_health.error_count + 1,
			last_error = $2,
			status = CASE
				WHEN sequence_health.error_count + 1 >= 10 THEN 'error'
				WHEN sequence_health.error_count + 1 >= 3 THEN 'warning'
				ELSE 'healthy' END,
			last_check = NOW()`
	_, err := s.db.ExecContext(ctx, query, sequenceID, lastError)
	return err
}

// MarkHealthy resets a sequence's health after a clean run.
func (s *Store) MarkHealthy(ctx context.Context, sequenceID uuid.UUID) error {
	query := `INSERT INTO sequence_health (sequence_id, status, error_count, last_check)
		VALUES ($1, 'healthy', 0, NOW())
		ON CONFLICT (sequence_id) DO UPDATE SET
			status = 'healthy', error_count = 0, last_error = NULL, last_check = NOW()`
	_, err := s.db.ExecContext(ctx, query, sequenceID)
	return err
}

// GetSequenceHealth retrieves the health row for a sequence.
func (s *Store) GetSequenceHealth(ctx context.Context, sequenceID uuid.UUID) (*models.SequenceHealth, error) {
	query := `SELECT sequence_id, status, error_count, last_error, last_check
		FROM sequence_health WHERE sequence_id = $1`

	h := &models.SequenceHealth{}
	err := s.db.QueryRowContext(ctx, query, sequenceID).Scan(
		&h.SequenceID, &h.Status, &h.ErrorCount, &h.LastError, &h.LastCheck)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return h, err
}
