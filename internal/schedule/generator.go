// Package schedule computes the next eligible send instant for a
// sequence step, honoring business hours, holidays and the global
// rate-distribution windows.
package schedule

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dropocol/coldjot/internal/models"
)

const (
	// DefaultDelayMinutes is applied when a step carries no usable
	// delay declaration.
	DefaultDelayMinutes = 30

	// MaxEmailsPerMinute is the global distribution cap per minute slot.
	MaxEmailsPerMinute = 50

	// MaxEmailsPerHour is the global distribution cap per hour slot.
	MaxEmailsPerHour = 1000

	// DistributionWindowMinutes is the jitter window applied when a
	// minute slot is saturated.
	DistributionWindowMinutes = 15

	// demoMaxDelay caps computed delays when demo mode is on.
	demoMaxDelay = 8 * time.Hour

	// maxBusinessDayHops bounds the walk to the next valid business day.
	maxBusinessDayHops = 14

	// maxRateRetries bounds the saturation re-check loop.
	maxRateRetries = 5
)

// RateWindow reports how many sends are already scheduled around a
// candidate instant. Implementations query the store; a nil RateWindow
// skips distribution checks entirely.
type RateWindow interface {
	CountScheduledInMinute(ctx context.Context, t time.Time) (int, error)
	CountScheduledInHour(ctx context.Context, t time.Time) (int, error)
}

// Generator turns (now, step, businessHours) into a concrete future send
// time. It is a pure computation except for the RateWindow queries; the
// PRNG is injectable so tests can seed it.
type Generator struct {
	window RateWindow

	mu  sync.Mutex
	rng *rand.Rand

	demoMode            bool
	bypassBusinessHours bool
}

// NewGenerator creates a generator with a time-seeded PRNG.
func NewGenerator() *Generator {
	return &Generator{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRand replaces the PRNG. Tests inject a seeded source.
func (g *Generator) SetRand(r *rand.Rand) { g.rng = r }

// SetRateWindow wires the scheduled-send counter used for distribution.
func (g *Generator) SetRateWindow(w RateWindow) { g.window = w }

// SetDemoMode caps delays at 8h and bypasses business-hours adjustment.
func (g *Generator) SetDemoMode(on bool) { g.demoMode = on }

// SetBypassBusinessHours skips business-hours adjustment only.
func (g *Generator) SetBypassBusinessHours(on bool) { g.bypassBusinessHours = on }

func (g *Generator) intn(n int) int {
	if n <= 0 {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Intn(n)
}

// BaseDelay computes the step's declared delay. Missing or partial delay
// declarations fall back to the 30-minute default with a warning; no
// other unit is inferred.
func (g *Generator) BaseDelay(step *models.SequenceStep) time.Duration {
	var d time.Duration

	switch {
	case step.StepType == models.StepTypeWait:
		if step.DelayAmount.Valid && step.DelayUnit.Valid {
			d = delayDuration(step.DelayAmount.Int64, step.DelayUnit.String)
		} else {
			log.Printf("[Scheduler] wait step %s missing delay declaration, using %dm default", step.ID, DefaultDelayMinutes)
			d = DefaultDelayMinutes * time.Minute
		}
	case step.Timing == models.TimingImmediate:
		d = 0
	case step.Timing == models.TimingDelay && step.DelayAmount.Valid:
		unit := models.DelayUnitMinutes
		if step.DelayUnit.Valid {
			unit = step.DelayUnit.String
		}
		d = delayDuration(step.DelayAmount.Int64, unit)
	default:
		log.Printf("[Scheduler] step %s has no usable timing, using %dm default", step.ID, DefaultDelayMinutes)
		d = DefaultDelayMinutes * time.Minute
	}

	if g.demoMode && d > demoMaxDelay {
		d = demoMaxDelay
	}
	return d
}

func delayDuration(amount int64, unit string) time.Duration {
	switch unit {
	case models.DelayUnitMinutes:
		return time.Duration(amount) * time.Minute
	case models.DelayUnitHours:
		return time.Duration(amount) * time.Hour
	case models.DelayUnitDays:
		return time.Duration(amount) * 24 * time.Hour
	default:
		log.Printf("[Scheduler] unknown delay unit %q, treating as minutes", unit)
		return time.Duration(amount) * time.Minute
	}
}

// NextSendTime returns the next eligible send instant in UTC. It never
// fails: any internal error falls back to now + 1h.
func (g *Generator) NextSendTime(ctx context.Context, now time.Time, step *models.SequenceStep, hours *models.BusinessHours) time.Time {
	target, err := g.nextSendTime(ctx, now.UTC(), step, hours)
	if err != nil {
		log.Printf("[Scheduler] falling back to now+1h: %v", err)
		return now.UTC().Add(time.Hour)
	}
	return target
}

func (g *Generator) nextSendTime(ctx context.Context, now time.Time, step *models.SequenceStep, hours *models.BusinessHours) (time.Time, error) {
	target := now.Add(g.BaseDelay(step))

	if hours == nil || g.demoMode || g.bypassBusinessHours {
		return target, nil
	}

	loc, err := time.LoadLocation(hours.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("load timezone %q: %w", hours.Timezone, err)
	}

	startH, startM, err := parseWallClock(hours.WorkHoursStart)
	if err != nil {
		return time.Time{}, fmt.Errorf("work hours start: %w", err)
	}
	endH, endM, err := parseWallClock(hours.WorkHoursEnd)
	if err != nil {
		return time.Time{}, fmt.Errorf("work hours end: %w", err)
	}

	local := target.In(loc)
	local, err = g.adjustToBusinessHours(local, hours, startH, startM, endH, endM)
	if err != nil {
		return time.Time{}, err
	}

	local, err = g.applyRateWindow(ctx, local, hours, startH, startM, endH, endM)
	if err != nil {
		return time.Time{}, err
	}

	return local.UTC(), nil
}

// adjustToBusinessHours moves t forward until it sits inside the window
// on a work day that is not a holiday. When a move happens, an intraday
// offset spreads sends across the day instead of bursting at open time.
func (g *Generator) adjustToBusinessHours(t time.Time, hours *models.BusinessHours, startH, startM, endH, endM int) (time.Time, error) {
	windowMinutes := (endH*60 + endM) - (startH*60 + startM)
	if windowMinutes <= 0 {
		return time.Time{}, fmt.Errorf("invalid business window %s-%s", hours.WorkHoursStart, hours.WorkHoursEnd)
	}

	moved := false
	for i := 0; i < maxBusinessDayHops; i++ {
		dayStart := time.Date(t.Year(), t.Month(), t.Day(), startH, startM, 0, 0, t.Location())
		dayEnd := time.Date(t.Year(), t.Month(), t.Day(), endH, endM, 0, 0, t.Location())

		switch {
		case hours.IsHoliday(t) || !hours.WorksOn(t.Weekday()):
			t = dayStart.AddDate(0, 0, 1)
			moved = true
		case t.Before(dayStart):
			t = dayStart
			moved = true
		case !t.Before(dayEnd):
			t = dayStart.AddDate(0, 0, 1)
			moved = true
		default:
			if moved {
				t = dayStart.Add(time.Duration(g.intn(windowMinutes)) * time.Minute)
			}
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no valid business day within %d days", maxBusinessDayHops)
}

// applyRateWindow spreads the target away from saturated minute/hour
// slots, re-validating business hours after every move.
func (g *Generator) applyRateWindow(ctx context.Context, t time.Time, hours *models.BusinessHours, startH, startM, endH, endM int) (time.Time, error) {
	if g.window == nil {
		return t, nil
	}

	for i := 0; i < maxRateRetries; i++ {
		minuteCount, err := g.window.CountScheduledInMinute(ctx, t.UTC())
		if err != nil {
			return time.Time{}, fmt.Errorf("minute window query: %w", err)
		}
		hourCount, err := g.window.CountScheduledInHour(ctx, t.UTC())
		if err != nil {
			return time.Time{}, fmt.Errorf("hour window query: %w", err)
		}

		if minuteCount < MaxEmailsPerMinute && hourCount < MaxEmailsPerHour {
			return t, nil
		}

		if hourCount >= MaxEmailsPerHour {
			next := t.Truncate(time.Hour).Add(time.Hour)
			t = next.Add(time.Duration(g.intn(60)) * time.Minute)
		} else {
			t = t.Add(time.Duration(1+g.intn(DistributionWindowMinutes)) * time.Minute)
		}

		var err2 error
		t, err2 = g.adjustToBusinessHours(t, hours, startH, startM, endH, endM)
		if err2 != nil {
			return time.Time{}, err2
		}
	}
	return t, nil
}

func parseWallClock(s string) (h, m int, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid wall clock %q", s)
	}
	h, err = strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err = strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
