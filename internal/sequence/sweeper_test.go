package sequence

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/schedule"
)

func TestSweepAdvancesDueContactAndEnqueues(t *testing.T) {
	st, mock, q, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 0, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive,
		immediateStep(0, "Quick question"), immediateStep(1, "Following up"))
	mock.ExpectExec(`UPDATE sequence_contacts\s+SET current_step`).
		WithArgs(pairID, 0, sqlmock.AnyArg(), 1, sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM contacts WHERE id`).
		WillReturnRows(contactRows(contactID, userID, "jordan@acme.com"))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 1 {
		t.Errorf("email queue depth = %d, want 1", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepFinalizesLastStep(t *testing.T) {
	st, mock, q, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 1, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive,
		immediateStep(0, "Quick question"), immediateStep(1, "Following up"))
	// Last step: the advance marks the pair completed with no next scan.
	mock.ExpectExec(`UPDATE sequence_contacts\s+SET current_step`).
		WithArgs(pairID, 1, sqlmock.AnyArg(), 2, sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM contacts WHERE id`).
		WillReturnRows(contactRows(contactID, userID, "jordan@acme.com"))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 1 {
		t.Errorf("email queue depth = %d, want 1", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepExhaustedStepsCompleteWithoutEmail(t *testing.T) {
	st, mock, q, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 2, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive,
		immediateStep(0, "Quick question"), immediateStep(1, "Following up"))
	mock.ExpectExec(`UPDATE sequence_contacts\s+SET current_step`).
		WithArgs(pairID, 2, sqlmock.AnyArg(), 2, sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 0 {
		t.Errorf("exhausted pair enqueued an email job, depth = %d", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepCASLoserDoesNotEnqueue(t *testing.T) {
	st, mock, q, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 0, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive,
		immediateStep(0, "Quick question"), immediateStep(1, "Following up"))
	mock.ExpectExec(`UPDATE sequence_contacts\s+SET current_step`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 0 {
		t.Errorf("CAS loser enqueued an email job, depth = %d", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepRateLimitedRowLeftUntouched(t *testing.T) {
	st, mock, q, rl, mr := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	contactKey := fmt.Sprintf("ratelimit:contact:%s:%s:%s:day:%s",
		userID, seqID, contactID, time.Now().UTC().Format("2006-01-02"))
	mr.Set(contactKey, "3")

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 0, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive,
		immediateStep(0, "Quick question"), immediateStep(1, "Following up"))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 0 {
		t.Errorf("rate limited pair enqueued an email job, depth = %d", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSweepPausedSequenceSkipped(t *testing.T) {
	st, mock, q, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	due := time.Now().Add(-time.Minute).UTC()

	mock.ExpectQuery(`FROM sequence_contacts sc`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusSent, 0, due))
	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusPaused,
		immediateStep(0, "Quick question"))

	w := NewSweeper(st, q, rl, schedule.NewGenerator(), nil)
	if err := w.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error: %v", err)
	}

	depth, _ := q.Depth(context.Background(), queue.EmailJobs)
	if depth != 0 {
		t.Errorf("paused sequence enqueued an email job, depth = %d", depth)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
