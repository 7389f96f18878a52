package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
)

// GetContact retrieves a contact by ID.
func (s *Store) GetContact(ctx context.Context, contactID uuid.UUID) (*models.Contact, error) {
	query := `SELECT id, user_id, email, first_name, last_name, company, created_at
		FROM contacts WHERE id = $1`

	c := &models.Contact{}
	err := s.db.QueryRowContext(ctx, query, contactID).Scan(
		&c.ID, &c.UserID, &c.Email, &c.FirstName, &c.LastName, &c.Company, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// GetActiveSequenceContacts retrieves the progress rows a launch fans out
// to: everything not completed or opted out.
func (s *Store) GetActiveSequenceContacts(ctx context.Context, sequenceID uuid.UUID) ([]*models.SequenceContact, error) {
	query := `SELECT id, sequence_id, contact_id, status, current_step, next_scheduled_at,
		thread_id, completed, started_at, last_processed_at, completed_at
		FROM sequence_contacts
		WHERE sequence_id = $1 AND status NOT IN ('completed', 'opted_out')
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SequenceContact
	for rows.Next() {
		sc := &models.SequenceContact{}
		err := rows.Scan(&sc.ID, &sc.SequenceID, &sc.ContactID, &sc.Status, &sc.CurrentStep,
			&sc.NextScheduledAt, &sc.ThreadID, &sc.Completed, &sc.StartedAt,
			&sc.LastProcessedAt, &sc.CompletedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSequenceContact retrieves one progress row by (sequence, contact).
func (s *Store) GetSequenceContact(ctx context.Context, sequenceID, contactID uuid.UUID) (*models.SequenceContact, error) {
	query := `SELECT id, sequence_id, contact_id, status, current_step, next_scheduled_at,
		thread_id, completed, started_at, last_processed_at, completed_at
		FROM sequence_contacts WHERE sequence_id = $1 AND contact_id = $2`

	sc := &models.SequenceContact{}
	err := s.db.QueryRowContext(ctx, query, sequenceID, contactID).Scan(
		&sc.ID, &sc.SequenceID, &sc.ContactID, &sc.Status, &sc.CurrentStep,
		&sc.NextScheduledAt, &sc.ThreadID, &sc.Completed, &sc.StartedAt,
		&sc.LastProcessedAt, &sc.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sc, err
}

// GetDueContacts claims up to limit progress rows whose schedule has come
// due on an active sequence. SKIP LOCKED keeps concurrent sweepers off
// the same rows.
func (s *Store) GetDueContacts(ctx context.Context, now time.Time, limit int) ([]*models.SequenceContact, error) {
	query := `SELECT sc.id, sc.sequence_id, sc.contact_id, sc.status, sc.current_step,
		sc.next_scheduled_at, sc.thread_id, sc.completed, sc.started_at,
		sc.last_processed_at, sc.completed_at
		FROM sequence_contacts sc
		JOIN sequences s ON s.id = sc.sequence_id
		WHERE sc.completed = FALSE
		  AND s.status = 'active'
		  AND sc.next_scheduled_at IS NOT NULL
		  AND sc.next_scheduled_at <= $1
		ORDER BY sc.next_scheduled_at ASC
		LIMIT $2
		FOR UPDATE OF sc SKIP LOCKED`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.SequenceContact
	for rows.Next() {
		sc := &models.SequenceContact{}
		err := rows.Scan(&sc.ID, &sc.SequenceID, &sc.ContactID, &sc.Status, &sc.CurrentStep,
			&sc.NextScheduledAt, &sc.ThreadID, &sc.Completed, &sc.StartedAt,
			&sc.LastProcessedAt, &sc.CompletedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SeedContact writes the launch-path schedule for a pair: the step the
// pair will be at after the seeded send, and when the sweeper should
// next look at the row.
func (s *Store) SeedContact(ctx context.Context, id uuid.UUID, newStep int, nextAt time.Time) error {
	query := `UPDATE sequence_contacts
		SET status = 'scheduled', current_step = $2, next_scheduled_at = $3,
		    started_at = COALESCE(started_at, NOW()), last_processed_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, newStep, nextAt)
	return err
}

// AdvanceContact performs the sweeper's compare-and-set advance: the
// update only lands if the row still carries the step and schedule the
// sweeper observed. A false return means another sweeper won the race.
func (s *Store) AdvanceContact(ctx context.Context, id uuid.UUID, observedStep int, observedAt time.Time, newStep int, nextAt sql.NullTime, completed bool) (bool, error) {
	query := `UPDATE sequence_contacts
		SET current_step = $4,
		    next_scheduled_at = $5,
		    completed = $6,
		    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END,
		    status = CASE WHEN $6 THEN 'completed' ELSE status END,
		    last_processed_at = NOW()
		WHERE id = $1 AND current_step = $2 AND next_scheduled_at = $3`

	res, err := s.db.ExecContext(ctx, query, id, observedStep, observedAt, newStep, nextAt, completed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RetryContactAt pushes the schedule back without advancing the step.
func (s *Store) RetryContactAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE sequence_contacts SET next_scheduled_at = $2, last_processed_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id, at)
	return err
}

// CompleteContact finalizes a pair whose steps are exhausted.
func (s *Store) CompleteContact(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE sequence_contacts
		SET status = 'completed', completed = TRUE, completed_at = NOW(),
		    next_scheduled_at = NULL, last_processed_at = NOW()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	return err
}

// UpdateContactStatus applies a guarded status transition. Terminal
// states (completed, replied, opted_out) are never overwritten.
func (s *Store) UpdateContactStatus(ctx context.Context, sequenceID, contactID uuid.UUID, status string) (bool, error) {
	query := `UPDATE sequence_contacts SET status = $3, last_processed_at = NOW()
		WHERE sequence_id = $1 AND contact_id = $2
		  AND status NOT IN ('completed', 'replied', 'opted_out')`

	res, err := s.db.ExecContext(ctx, query, sequenceID, contactID, status)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// StopContactSchedule clears the pending schedule for a pair that
// replied or bounced so the sweeper never picks it up again.
func (s *Store) StopContactSchedule(ctx context.Context, sequenceID, contactID uuid.UUID) error {
	query := `UPDATE sequence_contacts SET next_scheduled_at = NULL
		WHERE sequence_id = $1 AND contact_id = $2`
	_, err := s.db.ExecContext(ctx, query, sequenceID, contactID)
	return err
}

// SetContactThread records the Gmail thread after the first send.
func (s *Store) SetContactThread(ctx context.Context, sequenceID, contactID uuid.UUID, threadID string) error {
	query := `UPDATE sequence_contacts SET thread_id = $3
		WHERE sequence_id = $1 AND contact_id = $2 AND thread_id IS NULL`
	_, err := s.db.ExecContext(ctx, query, sequenceID, contactID, threadID)
	return err
}

// CountScheduledInMinute reports rows scheduled inside t's minute slot.
// Implements the scheduler's rate window.
func (s *Store) CountScheduledInMinute(ctx context.Context, t time.Time) (int, error) {
	start := t.UTC().Truncate(time.Minute)
	return s.countScheduledBetween(ctx, start, start.Add(time.Minute))
}

// CountScheduledInHour reports rows scheduled inside t's hour slot.
func (s *Store) CountScheduledInHour(ctx context.Context, t time.Time) (int, error) {
	start := t.UTC().Truncate(time.Hour)
	return s.countScheduledBetween(ctx, start, start.Add(time.Hour))
}

func (s *Store) countScheduledBetween(ctx context.Context, from, to time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM sequence_contacts
		WHERE next_scheduled_at >= $1 AND next_scheduled_at < $2`
	var n int
	err := s.db.QueryRowContext(ctx, query, from, to).Scan(&n)
	return n, err
}
