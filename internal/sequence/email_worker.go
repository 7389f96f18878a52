package sequence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/gmail"
	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/store"
	"github.com/dropocol/coldjot/internal/templates"
	"github.com/dropocol/coldjot/internal/tracking"
)

// Mailer is the Gmail surface the email worker needs. *gmail.Sender
// implements it; tests substitute a fake.
type Mailer interface {
	Send(ctx context.Context, userID uuid.UUID, msg *gmail.OutgoingMessage) (*gmail.SendResult, error)
	FetchMessageID(ctx context.Context, userID uuid.UUID, gmailID string) (string, error)
	RewriteSentCopy(ctx context.Context, userID uuid.UUID, gmailID, threadID, trackedHTML, originalHTML string) error
}

// EmailWorker handles email-jobs: render, inject tracking, deliver
// through Gmail and persist the send.
type EmailWorker struct {
	store    *store.Store
	limiter  *ratelimit.Limiter
	mailer   Mailer
	renderer *templates.Renderer

	baseURL   string // public origin for pixel and click URLs
	testEmail string // reroute target for test-mode sends
}

// NewEmailWorker wires the send path. baseURL is the public origin the
// tracking endpoints are served from.
func NewEmailWorker(st *store.Store, rl *ratelimit.Limiter, mailer Mailer, baseURL string) *EmailWorker {
	return &EmailWorker{
		store:    st,
		limiter:  rl,
		mailer:   mailer,
		renderer: templates.NewRenderer(),
		baseURL:  baseURL,
	}
}

// SetTestEmail sets the reroute address for test-mode sends. Test-mode
// jobs without a reroute address are dropped.
func (w *EmailWorker) SetTestEmail(addr string) { w.testEmail = addr }

// HandleEmailJob delivers one email. A nil return with no send means the
// job was deliberately skipped (cooldown, paused sequence, terminal
// contact); errors trigger the queue's retry ladder.
func (w *EmailWorker) HandleEmailJob(ctx context.Context, job *queue.Job) error {
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode email job: %w", err)
	}

	cooling, err := w.limiter.InCooldown(ctx, payload.UserID, payload.ContactID)
	if err != nil {
		return fmt.Errorf("cooldown check: %w", err)
	}
	if cooling {
		log.Printf("[EmailWorker] job %s skipped: cooldown active", job.ID)
		return nil
	}

	seq, err := w.store.GetSequence(ctx, payload.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	if seq == nil || seq.Status != models.SequenceStatusActive {
		log.Printf("[EmailWorker] job %s skipped: sequence not active", job.ID)
		return nil
	}

	sc, err := w.store.GetSequenceContact(ctx, payload.SequenceID, payload.ContactID)
	if err != nil {
		return fmt.Errorf("load pair: %w", err)
	}
	if sc == nil {
		return fmt.Errorf("pair (%s, %s) not found", payload.SequenceID, payload.ContactID)
	}
	switch sc.Status {
	case models.ContactStatusReplied, models.ContactStatusBounced,
		models.ContactStatusOptedOut, models.ContactStatusCompleted:
		log.Printf("[EmailWorker] job %s skipped: contact %s is %s", job.ID, payload.ContactID, sc.Status)
		return nil
	}

	step, err := w.store.GetStep(ctx, payload.StepID)
	if err != nil {
		return fmt.Errorf("load step: %w", err)
	}
	if step == nil {
		return fmt.Errorf("step %s not found", payload.StepID)
	}

	contact, err := w.store.GetContact(ctx, payload.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact == nil {
		return fmt.Errorf("contact %s not found", payload.ContactID)
	}

	bindings := templates.ContactContext(contact)
	subject, err := w.renderer.Render(payload.Subject, bindings)
	if err != nil {
		return fmt.Errorf("render subject: %w", err)
	}
	body := ""
	if step.Content.Valid {
		body = step.Content.String
	}
	html, err := w.renderer.Render(body, bindings)
	if err != nil {
		return fmt.Errorf("render body: %w", err)
	}

	hash := store.NewTrackingHash()
	trackedHTML, links := tracking.Inject(html, hash, w.baseURL)

	to := payload.To
	if payload.TestMode {
		if w.testEmail == "" {
			log.Printf("[EmailWorker] job %s dropped: test mode with no test address", job.ID)
			return nil
		}
		to = w.testEmail
	}

	res, err := w.mailer.Send(ctx, payload.UserID, &gmail.OutgoingMessage{
		To:       to,
		Subject:  subject,
		HTML:     trackedHTML,
		ThreadID: payload.ThreadID,
	})
	if err != nil {
		if errors.Is(err, gmail.ErrTokenExpired) {
			if herr := w.store.RecordHealthError(ctx, payload.SequenceID, "gmail token expired"); herr != nil {
				log.Printf("[EmailWorker] record health: %v", herr)
			}
		}
		return fmt.Errorf("gmail send: %w", err)
	}

	now := time.Now().UTC()
	if err := w.persistSend(ctx, &payload, hash, res, links, now); err != nil {
		// The email left the building; persistence failures must not
		// trigger a duplicate send.
		log.Printf("[EmailWorker] job %s persist after send: %v", job.ID, err)
	}

	if canonical, err := w.mailer.FetchMessageID(ctx, payload.UserID, res.GmailID); err == nil && canonical != res.MessageID {
		if uerr := w.store.UpdateTrackingSent(ctx, hash, canonical, res.ThreadID, now); uerr != nil {
			log.Printf("[EmailWorker] update canonical message id: %v", uerr)
		}
	}

	if err := w.mailer.RewriteSentCopy(ctx, payload.UserID, res.GmailID, res.ThreadID, trackedHTML, html); err != nil {
		log.Printf("[EmailWorker] job %s sent-copy rewrite: %v", job.ID, err)
	}

	if err := w.limiter.Increment(ctx, payload.UserID, payload.SequenceID, payload.ContactID); err != nil {
		log.Printf("[EmailWorker] increment counters: %v", err)
	}

	log.Printf("[EmailWorker] sent step %s to contact %s (thread %s)",
		payload.StepID, payload.ContactID, res.ThreadID)
	return nil
}

// persistSend records everything a successful delivery produces:
// tracking row, rewritten links, thread mapping, contact status, event
// log entry and stats.
func (w *EmailWorker) persistSend(ctx context.Context, p *queue.EmailPayload, hash string, res *gmail.SendResult, links []*models.TrackedLink, now time.Time) error {
	newContact, err := w.store.HasEventForPair(ctx, p.SequenceID, p.ContactID, models.EventSent)
	if err != nil {
		return fmt.Errorf("prior sends check: %w", err)
	}
	newContact = !newContact

	err = w.store.CreateTracking(ctx, &models.EmailTracking{
		UserID:    p.UserID,
		Hash:      hash,
		MessageID: sql.NullString{String: res.MessageID, Valid: res.MessageID != ""},
		ThreadID:  sql.NullString{String: res.ThreadID, Valid: res.ThreadID != ""},
		Status:    models.TrackingStatusSent,
		SentAt:    sql.NullTime{Time: now, Valid: true},
		Metadata: models.TrackingMetadata{
			Email:      p.To,
			UserID:     p.UserID,
			SequenceID: p.SequenceID,
			StepID:     p.StepID,
			ContactID:  p.ContactID,
		},
	})
	if err != nil {
		return fmt.Errorf("create tracking: %w", err)
	}

	tr, err := w.store.GetTrackingByHash(ctx, hash)
	if err != nil || tr == nil {
		return fmt.Errorf("reload tracking %s: %w", hash, err)
	}
	for _, l := range links {
		l.EmailTrackingID = tr.ID
	}
	if len(links) > 0 {
		if err := w.store.CreateTrackedLinks(ctx, links); err != nil {
			return fmt.Errorf("create tracked links: %w", err)
		}
	}

	if p.ThreadID == "" && res.ThreadID != "" {
		if err := w.store.CreateThread(ctx, &models.EmailThread{
			UserID:         p.UserID,
			GmailThreadID:  res.ThreadID,
			SequenceID:     p.SequenceID,
			ContactID:      p.ContactID,
			FirstMessageID: res.MessageID,
		}); err != nil {
			return fmt.Errorf("create thread: %w", err)
		}
		if err := w.store.SetContactThread(ctx, p.SequenceID, p.ContactID, res.ThreadID); err != nil {
			return fmt.Errorf("set contact thread: %w", err)
		}
	}

	if _, err := w.store.UpdateContactStatus(ctx, p.SequenceID, p.ContactID, models.ContactStatusSent); err != nil {
		return fmt.Errorf("update contact status: %w", err)
	}

	if _, err := w.store.AppendEvent(ctx, &models.EmailEvent{
		TrackingHash: hash,
		Type:         models.EventSent,
		Metadata: map[string]string{
			"messageId": res.MessageID,
			"stepId":    p.StepID.String(),
		},
	}); err != nil {
		return fmt.Errorf("append sent event: %w", err)
	}

	if err := w.store.RecordSentStat(ctx, p.SequenceID, newContact); err != nil {
		return fmt.Errorf("record sent stat: %w", err)
	}
	return nil
}

// HandleDeadEmailJob records the terminal failure of an email job whose
// retries are exhausted.
func (w *EmailWorker) HandleDeadEmailJob(ctx context.Context, job *queue.Job) error {
	var payload queue.EmailPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode dead email job: %w", err)
	}

	hash := store.NewTrackingHash()
	if err := w.store.CreateTracking(ctx, &models.EmailTracking{
		UserID: payload.UserID,
		Hash:   hash,
		Status: models.TrackingStatusPending,
		Metadata: models.TrackingMetadata{
			Email:      payload.To,
			UserID:     payload.UserID,
			SequenceID: payload.SequenceID,
			StepID:     payload.StepID,
			ContactID:  payload.ContactID,
		},
	}); err != nil {
		return fmt.Errorf("create failure tracking: %w", err)
	}
	if _, err := w.store.AppendEvent(ctx, &models.EmailEvent{
		TrackingHash: hash,
		Type:         models.EventFailed,
		Metadata:     map[string]string{"jobId": job.ID},
	}); err != nil {
		return fmt.Errorf("append failed event: %w", err)
	}

	if _, err := w.store.UpdateContactStatus(ctx, payload.SequenceID, payload.ContactID, models.ContactStatusFailed); err != nil {
		return fmt.Errorf("mark contact failed: %w", err)
	}
	if err := w.store.RecordFailedStat(ctx, payload.SequenceID); err != nil {
		return fmt.Errorf("record failed stat: %w", err)
	}
	if err := w.store.RecordHealthError(ctx, payload.SequenceID, "email job exhausted retries"); err != nil {
		return fmt.Errorf("record health: %w", err)
	}
	if err := w.limiter.SetErrorCooldown(ctx, payload.UserID); err != nil {
		log.Printf("[EmailWorker] set error cooldown: %v", err)
	}
	return nil
}
