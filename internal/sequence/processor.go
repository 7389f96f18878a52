// Package sequence drives the orchestration core: the launch-path
// processor that fans a sequence out to its contacts, the schedule
// sweeper that moves due rows into the email queue, and the email-send
// worker that delivers through Gmail.
package sequence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/schedule"
	"github.com/dropocol/coldjot/internal/store"
	"github.com/dropocol/coldjot/internal/templates"
)

// testModeMaxDelay caps scheduling distance when a sequence runs in
// test mode, mirroring the demo cap.
const testModeMaxDelay = 8 * time.Hour

// Processor handles sequence-jobs: the launch/resume fan-out that seeds
// the first schedule per contact. The sweeper owns everything after.
type Processor struct {
	store     *store.Store
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	generator *schedule.Generator
	renderer  *templates.Renderer

	contactSleep time.Duration // smoothing between contacts
}

// NewProcessor wires the launch-path processor.
func NewProcessor(st *store.Store, q *queue.Queue, rl *ratelimit.Limiter, gen *schedule.Generator) *Processor {
	return &Processor{
		store:        st,
		queue:        q,
		limiter:      rl,
		generator:    gen,
		renderer:     templates.NewRenderer(),
		contactSleep: time.Second,
	}
}

// SetContactSleep overrides the inter-contact smoothing delay.
func (p *Processor) SetContactSleep(d time.Duration) { p.contactSleep = d }

// HandleSequenceJob processes one sequence-job. Per-contact errors are
// logged and skipped; the job only fails when the sequence itself
// cannot be loaded or the user-scope rate cap is hit.
func (p *Processor) HandleSequenceJob(ctx context.Context, job *queue.Job) error {
	var payload queue.SequencePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode sequence job: %w", err)
	}

	allowed, info, err := p.limiter.Check(ctx, payload.UserID, payload.SequenceID, uuid.Nil)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if !allowed {
		return fmt.Errorf("sequence %s rate limited (%s)", payload.SequenceID, info.DeniedBy)
	}

	seq, err := p.store.GetSequence(ctx, payload.SequenceID)
	if err != nil {
		return fmt.Errorf("load sequence: %w", err)
	}
	if seq == nil {
		return fmt.Errorf("sequence %s not found", payload.SequenceID)
	}
	if len(seq.Steps) == 0 {
		return fmt.Errorf("sequence %s has no steps", payload.SequenceID)
	}

	contacts, err := p.store.GetActiveSequenceContacts(ctx, seq.ID)
	if err != nil {
		return fmt.Errorf("load contacts: %w", err)
	}
	log.Printf("[Processor] sequence %s: fanning out to %d contacts", seq.ID, len(contacts))

	testMode := payload.TestMode || seq.TestMode
	for i, sc := range contacts {
		if err := p.processContact(ctx, seq, sc, testMode); err != nil {
			log.Printf("[Processor] sequence %s contact %s: %v", seq.ID, sc.ContactID, err)
		}
		if i < len(contacts)-1 {
			select {
			case <-time.After(p.contactSleep):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

func (p *Processor) processContact(ctx context.Context, seq *models.Sequence, sc *models.SequenceContact, testMode bool) error {
	allowed, info, err := p.limiter.Check(ctx, seq.UserID, seq.ID, sc.ContactID)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if !allowed {
		log.Printf("[Processor] contact %s skipped: %s cap", sc.ContactID, info.DeniedBy)
		return nil
	}

	if sc.CurrentStep >= len(seq.Steps) {
		return p.store.CompleteContact(ctx, sc.ID)
	}
	step := seq.Steps[sc.CurrentStep]

	now := time.Now().UTC()
	sendTime := p.generator.NextSendTime(ctx, now, &step, seq.BusinessHours)
	if testMode && sendTime.Sub(now) > testModeMaxDelay {
		sendTime = now.Add(testModeMaxDelay)
	}

	if isEmailStep(&step) {
		contact, err := p.store.GetContact(ctx, sc.ContactID)
		if err != nil {
			return fmt.Errorf("load contact: %w", err)
		}
		if contact == nil {
			return fmt.Errorf("contact %s not found", sc.ContactID)
		}

		subject, err := p.subjectFor(seq, sc, &step, contact)
		if err != nil {
			return err
		}

		threadID := ""
		if step.ReplyToThread && sc.ThreadID.Valid {
			threadID = sc.ThreadID.String
		}
		_, err = p.queue.Enqueue(ctx, queue.EmailJobs, queue.EmailPayload{
			SequenceID:    seq.ID,
			ContactID:     sc.ContactID,
			StepID:        step.ID,
			UserID:        seq.UserID,
			To:            contact.Email,
			Subject:       subject,
			ThreadID:      threadID,
			ScheduledTime: sendTime,
			TestMode:      testMode,
		}, queue.Options{
			RunAt:       sendTime,
			Priority:    queue.PriorityDefault,
			MaxAttempts: 2,
		})
		if err != nil {
			return fmt.Errorf("enqueue email job: %w", err)
		}
	}

	if err := p.store.SeedContact(ctx, sc.ID, sc.CurrentStep+1, sendTime); err != nil {
		return fmt.Errorf("seed schedule: %w", err)
	}
	if err := p.limiter.Increment(ctx, seq.UserID, seq.ID, sc.ContactID); err != nil {
		log.Printf("[Processor] increment counters: %v", err)
	}
	return nil
}

// subjectFor computes the rendered subject, applying the reply rule:
// replies reuse the previous email step's subject under a Re: prefix.
func (p *Processor) subjectFor(seq *models.Sequence, sc *models.SequenceContact, step *models.SequenceStep, contact *models.Contact) (string, error) {
	raw := ""
	if step.Subject.Valid {
		raw = step.Subject.String
	}
	if step.ReplyToThread {
		if prev := previousEmailStep(seq.Steps, sc.CurrentStep); prev != nil && prev.Subject.Valid {
			raw = "Re: " + prev.Subject.String
		}
	}
	rendered, err := p.renderer.Render(raw, templates.ContactContext(contact))
	if err != nil {
		return "", fmt.Errorf("render subject: %w", err)
	}
	return rendered, nil
}

func previousEmailStep(steps []models.SequenceStep, current int) *models.SequenceStep {
	for i := current - 1; i >= 0; i-- {
		if isEmailStep(&steps[i]) {
			return &steps[i]
		}
	}
	return nil
}

func isEmailStep(step *models.SequenceStep) bool {
	return step.StepType == models.StepTypeManualEmail ||
		step.StepType == models.StepTypeAutomatedEmail
}
