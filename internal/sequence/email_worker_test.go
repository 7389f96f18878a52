package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/gmail"
	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/queue"
)

type fakeMailer struct {
	sent     []*gmail.OutgoingMessage
	result   *gmail.SendResult
	sendErr  error
	rewrites int
}

func (f *fakeMailer) Send(ctx context.Context, userID uuid.UUID, msg *gmail.OutgoingMessage) (*gmail.SendResult, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, msg)
	return f.result, nil
}

func (f *fakeMailer) FetchMessageID(ctx context.Context, userID uuid.UUID, gmailID string) (string, error) {
	return f.result.MessageID, nil
}

func (f *fakeMailer) RewriteSentCopy(ctx context.Context, userID uuid.UUID, gmailID, threadID, trackedHTML, originalHTML string) error {
	f.rewrites++
	return nil
}

func emailJob(t *testing.T, p queue.EmailPayload) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Job{ID: "job-1", Queue: queue.EmailJobs, Payload: raw, MaxAttempts: 2}
}

func linkedStep(subject string) *models.SequenceStep {
	st := immediateStep(0, subject)
	st.Content.String = `<p>Hi {{firstName}}</p><a href="https://example.com/pricing">pricing</a>`
	return st
}

func TestHandleEmailJobSendsAndPersists(t *testing.T) {
	st, mock, _, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	step := linkedStep("Quick question")
	trackingID := uuid.New()

	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive, step)
	mock.ExpectQuery(`FROM sequence_contacts\s+WHERE sequence_id`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusScheduled, 1, nil))
	mock.ExpectQuery(`FROM sequence_steps WHERE id`).
		WillReturnRows(stepRows(seqID, step))
	mock.ExpectQuery(`FROM contacts WHERE id`).
		WillReturnRows(contactRows(contactID, userID, "jordan@acme.com"))

	mock.ExpectQuery(`SELECT EXISTS .* FROM email_events ee`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO email_tracking`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM email_tracking WHERE hash`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "hash", "message_id", "thread_id", "status", "open_count",
			"sent_at", "opened_at", "clicked_at", "metadata",
		}).AddRow(trackingID, userID, "h", "<m1@acme.com>", "t-1", "sent", 0, time.Now(), nil, nil, []byte(`{}`)))
	mock.ExpectExec(`INSERT INTO tracked_links`).
		WithArgs(sqlmock.AnyArg(), trackingID, "https://example.com/pricing").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_contacts SET thread_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_contacts SET status`).
		WithArgs(seqID, contactID, models.ContactStatusSent).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sequence_stats`).
		WithArgs(seqID, 1).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mailer := &fakeMailer{result: &gmail.SendResult{
		GmailID: "g-1", ThreadID: "t-1", MessageID: "<m1@acme.com>",
	}}
	w := NewEmailWorker(st, rl, mailer, "https://track.example.com")

	err := w.HandleEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: seqID, ContactID: contactID, StepID: step.ID, UserID: userID,
		To: "jordan@acme.com", Subject: "Quick question",
	}))
	if err != nil {
		t.Fatalf("HandleEmailJob() error: %v", err)
	}

	if len(mailer.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(mailer.sent))
	}
	msg := mailer.sent[0]
	if msg.To != "jordan@acme.com" {
		t.Errorf("To = %q", msg.To)
	}
	if !strings.Contains(msg.HTML, "Hi Jordan") {
		t.Errorf("body not rendered: %q", msg.HTML)
	}
	if !strings.Contains(msg.HTML, "/api/track/") || !strings.Contains(msg.HTML, `width="1"`) {
		t.Errorf("tracking not injected: %q", msg.HTML)
	}
	if strings.Contains(msg.HTML, `href="https://example.com/pricing"`) {
		t.Error("original link left untracked")
	}
	if mailer.rewrites != 1 {
		t.Errorf("sent-copy rewrites = %d, want 1", mailer.rewrites)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestHandleEmailJobTestModeReroutes(t *testing.T) {
	st, mock, _, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	step := immediateStep(0, "Quick question")
	trackingID := uuid.New()

	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive, step)
	mock.ExpectQuery(`FROM sequence_contacts\s+WHERE sequence_id`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusScheduled, 1, nil))
	mock.ExpectQuery(`FROM sequence_steps WHERE id`).
		WillReturnRows(stepRows(seqID, step))
	mock.ExpectQuery(`FROM contacts WHERE id`).
		WillReturnRows(contactRows(contactID, userID, "jordan@acme.com"))
	mock.ExpectQuery(`SELECT EXISTS .* FROM email_events ee`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(`INSERT INTO email_tracking`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM email_tracking WHERE hash`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "hash", "message_id", "thread_id", "status", "open_count",
			"sent_at", "opened_at", "clicked_at", "metadata",
		}).AddRow(trackingID, userID, "h", nil, nil, "sent", 0, time.Now(), nil, nil, []byte(`{}`)))
	mock.ExpectExec(`INSERT INTO email_threads`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_contacts SET thread_id`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_contacts SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sequence_stats`).
		WithArgs(seqID, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mailer := &fakeMailer{result: &gmail.SendResult{
		GmailID: "g-1", ThreadID: "t-1", MessageID: "<m1@acme.com>",
	}}
	w := NewEmailWorker(st, rl, mailer, "https://track.example.com")
	w.SetTestEmail("sandbox@coldjot.dev")

	err := w.HandleEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: seqID, ContactID: contactID, StepID: step.ID, UserID: userID,
		To: "jordan@acme.com", Subject: "Quick question", TestMode: true,
	}))
	if err != nil {
		t.Fatalf("HandleEmailJob() error: %v", err)
	}
	if mailer.sent[0].To != "sandbox@coldjot.dev" {
		t.Errorf("test mode To = %q, want sandbox@coldjot.dev", mailer.sent[0].To)
	}
}

func TestHandleEmailJobSkipsCooldown(t *testing.T) {
	st, _, _, rl, mr := setupDeps(t)
	userID, contactID := uuid.New(), uuid.New()

	mr.Set(fmt.Sprintf("cooldown:bounce:%s:%s", userID, contactID), "1")

	mailer := &fakeMailer{result: &gmail.SendResult{}}
	w := NewEmailWorker(st, rl, mailer, "https://track.example.com")

	err := w.HandleEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: uuid.New(), ContactID: contactID, StepID: uuid.New(), UserID: userID,
		To: "jordan@acme.com",
	}))
	if err != nil {
		t.Fatalf("HandleEmailJob() error: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Error("cooldown send must be skipped")
	}
}

func TestHandleEmailJobSkipsPausedSequence(t *testing.T) {
	st, mock, _, rl, _ := setupDeps(t)
	seqID, userID := uuid.New(), uuid.New()

	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusPaused, immediateStep(0, "s"))

	mailer := &fakeMailer{result: &gmail.SendResult{}}
	w := NewEmailWorker(st, rl, mailer, "https://track.example.com")

	err := w.HandleEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: seqID, ContactID: uuid.New(), StepID: uuid.New(), UserID: userID,
		To: "jordan@acme.com",
	}))
	if err != nil {
		t.Fatalf("HandleEmailJob() error: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Error("paused sequence send must be skipped")
	}
}

func TestHandleEmailJobSkipsRepliedContact(t *testing.T) {
	st, mock, _, rl, _ := setupDeps(t)
	seqID, userID, contactID, pairID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	expectSequenceLoad(mock, seqID, userID, models.SequenceStatusActive, immediateStep(0, "s"))
	mock.ExpectQuery(`FROM sequence_contacts\s+WHERE sequence_id`).
		WillReturnRows(pairRows(pairID, seqID, contactID, models.ContactStatusReplied, 1, nil))

	mailer := &fakeMailer{result: &gmail.SendResult{}}
	w := NewEmailWorker(st, rl, mailer, "https://track.example.com")

	err := w.HandleEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: seqID, ContactID: contactID, StepID: uuid.New(), UserID: userID,
		To: "jordan@acme.com",
	}))
	if err != nil {
		t.Fatalf("HandleEmailJob() error: %v", err)
	}
	if len(mailer.sent) != 0 {
		t.Error("replied contact must not receive further sends")
	}
}

func TestHandleDeadEmailJobRecordsFailure(t *testing.T) {
	st, mock, _, rl, mr := setupDeps(t)
	seqID, userID, contactID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectExec(`INSERT INTO email_tracking`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_contacts SET status`).
		WithArgs(seqID, contactID, models.ContactStatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sequence_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO sequence_health`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w := NewEmailWorker(st, rl, &fakeMailer{}, "https://track.example.com")
	err := w.HandleDeadEmailJob(context.Background(), emailJob(t, queue.EmailPayload{
		SequenceID: seqID, ContactID: contactID, StepID: uuid.New(), UserID: userID,
		To: "jordan@acme.com",
	}))
	if err != nil {
		t.Fatalf("HandleDeadEmailJob() error: %v", err)
	}

	if !mr.Exists(fmt.Sprintf("cooldown:error:%s", userID)) {
		t.Error("error cooldown not set")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
