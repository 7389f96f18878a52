package sequence

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/models"
	"github.com/dropocol/coldjot/internal/pkg/distlock"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/schedule"
	"github.com/dropocol/coldjot/internal/store"
)

const (
	// sweepInterval is how often the sweeper scans for due rows.
	sweepInterval = 30 * time.Second

	// sweepBatchSize bounds one scan.
	sweepBatchSize = 100

	// sweepLockTTL covers one full sweep; the lock self-expires if the
	// holder dies.
	sweepLockTTL = 60 * time.Second

	// retryDelay pushes a row back when processing it fails.
	retryDelay = 5 * time.Minute

	// stepCacheTTL bounds staleness of the per-sequence step cache.
	stepCacheTTL = time.Minute
)

// Sweeper scans sequence_contacts for due rows and moves each one
// forward exactly one step: the compare-and-set advance happens before
// the email job is enqueued, so concurrent sweepers can never enqueue
// the same (pair, step) twice.
type Sweeper struct {
	store     *store.Store
	queue     *queue.Queue
	limiter   *ratelimit.Limiter
	generator *schedule.Generator
	lock      distlock.Lock

	interval time.Duration

	mu        sync.Mutex
	stepCache map[uuid.UUID]*cachedSteps
}

type cachedSteps struct {
	seq      *models.Sequence
	loadedAt time.Time
}

// NewSweeper wires the schedule sweeper. lock must be shared across
// every sweeper instance under the key "sweeper".
func NewSweeper(st *store.Store, q *queue.Queue, rl *ratelimit.Limiter, gen *schedule.Generator, lock distlock.Lock) *Sweeper {
	return &Sweeper{
		store:     st,
		queue:     q,
		limiter:   rl,
		generator: gen,
		lock:      lock,
		interval:  sweepInterval,
		stepCache: make(map[uuid.UUID]*cachedSteps),
	}
}

// SetInterval overrides the scan interval.
func (w *Sweeper) SetInterval(d time.Duration) { w.interval = d }

// Run sweeps until ctx is canceled.
func (w *Sweeper) Run(ctx context.Context) {
	log.Printf("[Sweeper] starting, interval %s", w.interval)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sweeper] stopped")
			return
		case <-ticker.C:
			ran, err := distlock.WithLock(ctx, w.lock, w.Sweep)
			if err != nil {
				log.Printf("[Sweeper] sweep: %v", err)
			}
			if !ran {
				log.Printf("[Sweeper] another instance holds the lock, skipping")
			}
		}
	}
}

// Sweep performs one scan over due rows.
func (w *Sweeper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := w.store.GetDueContacts(ctx, now, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("load due contacts: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	log.Printf("[Sweeper] %d rows due", len(due))

	for _, sc := range due {
		if err := w.sweepContact(ctx, sc, now); err != nil {
			log.Printf("[Sweeper] pair %s: %v", sc.ID, err)
			if rerr := w.store.RetryContactAt(ctx, sc.ID, now.Add(retryDelay)); rerr != nil {
				log.Printf("[Sweeper] pair %s retry reschedule: %v", sc.ID, rerr)
			}
		}
	}
	return nil
}

func (w *Sweeper) sweepContact(ctx context.Context, sc *models.SequenceContact, now time.Time) error {
	seq, err := w.sequenceFor(ctx, sc.SequenceID)
	if err != nil {
		return err
	}
	if seq == nil || seq.Status != models.SequenceStatusActive {
		return nil
	}
	if !sc.NextScheduledAt.Valid {
		return nil
	}
	observedAt := sc.NextScheduledAt.Time

	// Steps exhausted: finalize through the same CAS so a concurrent
	// advance cannot be clobbered.
	if sc.CurrentStep >= len(seq.Steps) {
		won, err := w.store.AdvanceContact(ctx, sc.ID, sc.CurrentStep, observedAt,
			sc.CurrentStep, sql.NullTime{}, true)
		if err != nil {
			return fmt.Errorf("finalize: %w", err)
		}
		if won {
			log.Printf("[Sweeper] pair %s completed", sc.ID)
		}
		return nil
	}

	allowed, info, err := w.limiter.Check(ctx, seq.UserID, seq.ID, sc.ContactID)
	if err != nil {
		return fmt.Errorf("rate check: %w", err)
	}
	if !allowed {
		// Leave the row untouched; the next sweep re-checks.
		log.Printf("[Sweeper] pair %s held back: %s cap", sc.ID, info.DeniedBy)
		return nil
	}

	step := seq.Steps[sc.CurrentStep]
	sendTime := now
	if isEmailStep(&step) {
		sendTime = w.generator.NextSendTime(ctx, now, &step, seq.BusinessHours)
		if seq.TestMode && sendTime.Sub(now) > testModeMaxDelay {
			sendTime = now.Add(testModeMaxDelay)
		}
	}

	lastStep := sc.CurrentStep == len(seq.Steps)-1
	nextAt := sql.NullTime{Time: sendTime, Valid: !lastStep}

	// Advance first. The CAS loser exits without enqueueing, so at most
	// one email job exists per (pair, step).
	won, err := w.store.AdvanceContact(ctx, sc.ID, sc.CurrentStep, observedAt,
		sc.CurrentStep+1, nextAt, lastStep)
	if err != nil {
		return fmt.Errorf("advance: %w", err)
	}
	if !won {
		return nil
	}

	if isEmailStep(&step) {
		if err := w.enqueueEmail(ctx, seq, sc, &step, sendTime); err != nil {
			return err
		}
		if err := w.limiter.Increment(ctx, seq.UserID, seq.ID, sc.ContactID); err != nil {
			log.Printf("[Sweeper] increment counters: %v", err)
		}
	}
	return nil
}

func (w *Sweeper) enqueueEmail(ctx context.Context, seq *models.Sequence, sc *models.SequenceContact, step *models.SequenceStep, sendTime time.Time) error {
	contact, err := w.store.GetContact(ctx, sc.ContactID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact == nil {
		return fmt.Errorf("contact %s not found", sc.ContactID)
	}

	subject := ""
	if step.Subject.Valid {
		subject = step.Subject.String
	}
	if step.ReplyToThread {
		if prev := previousEmailStep(seq.Steps, sc.CurrentStep); prev != nil && prev.Subject.Valid {
			subject = "Re: " + prev.Subject.String
		}
	}

	threadID := ""
	if step.ReplyToThread && sc.ThreadID.Valid {
		threadID = sc.ThreadID.String
	}
	_, err = w.queue.Enqueue(ctx, queue.EmailJobs, queue.EmailPayload{
		SequenceID:    seq.ID,
		ContactID:     sc.ContactID,
		StepID:        step.ID,
		UserID:        seq.UserID,
		To:            contact.Email,
		Subject:       subject,
		ThreadID:      threadID,
		ScheduledTime: sendTime,
		TestMode:      seq.TestMode,
	}, queue.Options{
		RunAt:       sendTime,
		Priority:    queue.PriorityDefault,
		MaxAttempts: 2,
	})
	if err != nil {
		return fmt.Errorf("enqueue email job: %w", err)
	}
	return nil
}

// sequenceFor returns the sequence with steps, served from a short TTL
// cache so one sweep does not reload the same sequence per row.
func (w *Sweeper) sequenceFor(ctx context.Context, id uuid.UUID) (*models.Sequence, error) {
	w.mu.Lock()
	if c, ok := w.stepCache[id]; ok && time.Since(c.loadedAt) < stepCacheTTL {
		w.mu.Unlock()
		return c.seq, nil
	}
	w.mu.Unlock()

	seq, err := w.store.GetSequence(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load sequence: %w", err)
	}

	w.mu.Lock()
	w.stepCache[id] = &cachedSteps{seq: seq, loadedAt: time.Now()}
	w.mu.Unlock()
	return seq, nil
}
