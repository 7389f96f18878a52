package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/dropocol/coldjot/internal/models"
)

// GetSequence retrieves a sequence with its ordered steps and resolved
// business hours. Sequence-level hours override user-level.
func (s *Store) GetSequence(ctx context.Context, sequenceID uuid.UUID) (*models.Sequence, error) {
	query := `SELECT id, user_id, name, status, test_mode, created_at, updated_at
		FROM sequences WHERE id = $1`

	seq := &models.Sequence{}
	err := s.db.QueryRowContext(ctx, query, sequenceID).Scan(
		&seq.ID, &seq.UserID, &seq.Name, &seq.Status, &seq.TestMode,
		&seq.CreatedAt, &seq.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seq.Steps, err = s.GetSteps(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	seq.BusinessHours, err = s.GetBusinessHours(ctx, seq.UserID, sequenceID)
	if err != nil {
		return nil, err
	}
	return seq, nil
}

// GetSequenceForUser retrieves a sequence only if owned by the user.
func (s *Store) GetSequenceForUser(ctx context.Context, sequenceID, userID uuid.UUID) (*models.Sequence, error) {
	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil || seq == nil {
		return nil, err
	}
	if seq.UserID != userID {
		return nil, nil
	}
	return seq, nil
}

// GetSteps retrieves a sequence's steps ordered by step_order (0-based).
func (s *Store) GetSteps(ctx context.Context, sequenceID uuid.UUID) ([]models.SequenceStep, error) {
	query := `SELECT id, sequence_id, step_order, step_type, timing, delay_amount,
		delay_unit, subject, content, reply_to_thread, previous_step_id
		FROM sequence_steps WHERE sequence_id = $1 ORDER BY step_order`

	rows, err := s.db.QueryContext(ctx, query, sequenceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []models.SequenceStep
	for rows.Next() {
		var st models.SequenceStep
		err := rows.Scan(&st.ID, &st.SequenceID, &st.Order, &st.StepType, &st.Timing,
			&st.DelayAmount, &st.DelayUnit, &st.Subject, &st.Content,
			&st.ReplyToThread, &st.PreviousStepID)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// GetStep retrieves a single step by ID.
func (s *Store) GetStep(ctx context.Context, stepID uuid.UUID) (*models.SequenceStep, error) {
	query := `SELECT id, sequence_id, step_order, step_type, timing, delay_amount,
		delay_unit, subject, content, reply_to_thread, previous_step_id
		FROM sequence_steps WHERE id = $1`

	st := &models.SequenceStep{}
	err := s.db.QueryRowContext(ctx, query, stepID).Scan(
		&st.ID, &st.SequenceID, &st.Order, &st.StepType, &st.Timing,
		&st.DelayAmount, &st.DelayUnit, &st.Subject, &st.Content,
		&st.ReplyToThread, &st.PreviousStepID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return st, err
}

// GetBusinessHours resolves the effective business hours for a sequence.
// A sequence-level row wins over the user-level row; nil means none.
func (s *Store) GetBusinessHours(ctx context.Context, userID, sequenceID uuid.UUID) (*models.BusinessHours, error) {
	query := `SELECT timezone, work_days, work_hours_start, work_hours_end, holidays
		FROM business_hours
		WHERE (sequence_id = $1) OR (user_id = $2 AND sequence_id IS NULL)
		ORDER BY sequence_id NULLS LAST
		LIMIT 1`

	bh := &models.BusinessHours{}
	var workDays []int64
	var holidays []time.Time
	err := s.db.QueryRowContext(ctx, query, sequenceID, userID).Scan(
		&bh.Timezone, pq.Array(&workDays), &bh.WorkHoursStart, &bh.WorkHoursEnd,
		pq.Array(&holidays))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, d := range workDays {
		bh.WorkDays = append(bh.WorkDays, time.Weekday(d))
	}
	bh.Holidays = holidays
	return bh, nil
}

// UpdateSequenceStatus sets the sequence status.
func (s *Store) UpdateSequenceStatus(ctx context.Context, sequenceID uuid.UUID, status string) error {
	query := `UPDATE sequences SET status = $2, updated_at = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, sequenceID, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sequence %s not found", sequenceID)
	}
	return nil
}

// ResetSequence destructively returns a sequence to its initial state:
// tracking, events, clicks, stats and health rows are deleted and every
// progress row goes back to (not_sent, step 0, no timestamps).
func (s *Store) ResetSequence(ctx context.Context, sequenceID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM link_clicks WHERE tracked_link_id IN (
			SELECT tl.id FROM tracked_links tl
			JOIN email_tracking et ON et.id = tl.email_tracking_id
			WHERE et.metadata->>'sequenceId' = $1)`,
		`DELETE FROM tracked_links WHERE email_tracking_id IN (
			SELECT id FROM email_tracking WHERE metadata->>'sequenceId' = $1)`,
		`DELETE FROM email_events WHERE tracking_hash IN (
			SELECT hash FROM email_tracking WHERE metadata->>'sequenceId' = $1)`,
		`DELETE FROM email_tracking WHERE metadata->>'sequenceId' = $1`,
		`DELETE FROM email_threads WHERE sequence_id = $1::uuid`,
		`DELETE FROM sequence_stats WHERE sequence_id = $1::uuid`,
		`DELETE FROM sequence_health WHERE sequence_id = $1::uuid`,
		`UPDATE sequence_contacts SET status = 'not_sent', current_step = 0,
			next_scheduled_at = NULL, thread_id = NULL, completed = FALSE,
			started_at = NULL, last_processed_at = NULL, completed_at = NULL
			WHERE sequence_id = $1::uuid`,
		`UPDATE sequences SET status = 'draft', test_mode = FALSE, updated_at = NOW()
			WHERE id = $1::uuid`,
	}
	for _, q := range statements {
		if _, err := tx.ExecContext(ctx, q, sequenceID.String()); err != nil {
			return fmt.Errorf("reset sequence: %w", err)
		}
	}
	return tx.Commit()
}
