// Package ratelimit enforces the per-user, per-sequence and per-contact
// send caps on sliding minute/hour/day windows, backed by Redis counters.
//
// Check followed by Increment is deliberately not linearizable: the
// engine tolerates slight over-admission because the next window bucket
// self-corrects. Increment itself is atomic across all scopes via a Lua
// script so counters never drift from each other.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Caps holds the configured limits per scope.
type Caps struct {
	PerMinute             int
	PerHour               int
	PerDay                int
	PerContactPerSequence int
	PerSequence           int
}

// DefaultCaps mirrors the engine defaults.
var DefaultCaps = Caps{
	PerMinute:             60,
	PerHour:               500,
	PerDay:                2000,
	PerContactPerSequence: 3,
	PerSequence:           1000,
}

// Cooldown windows applied after delivery problems.
const (
	BounceCooldown = 24 * time.Hour
	ErrorCooldown  = 15 * time.Minute
)

// Info reports current counter values alongside a Check result.
type Info struct {
	UserMinute  int64
	UserHour    int64
	UserDay     int64
	SequenceDay int64
	ContactDay  int64
	DeniedBy    string // empty when allowed
}

// Limiter maintains sliding counters in Redis.
type Limiter struct {
	redis *redis.Client
	caps  Caps

	incrementScript *redis.Script
}

// incrementLua bumps every scope counter and stamps TTLs on first use.
const incrementLua = `
for i, key in ipairs(KEYS) do
    local v = redis.call("INCR", key)
    if v == 1 then
        redis.call("EXPIRE", key, tonumber(ARGV[i]))
    end
end
return 1
`

// New creates a limiter with the given caps. Zero-valued caps fall back
// to the defaults.
func New(client *redis.Client, caps Caps) *Limiter {
	if caps.PerMinute == 0 {
		caps.PerMinute = DefaultCaps.PerMinute
	}
	if caps.PerHour == 0 {
		caps.PerHour = DefaultCaps.PerHour
	}
	if caps.PerDay == 0 {
		caps.PerDay = DefaultCaps.PerDay
	}
	if caps.PerContactPerSequence == 0 {
		caps.PerContactPerSequence = DefaultCaps.PerContactPerSequence
	}
	if caps.PerSequence == 0 {
		caps.PerSequence = DefaultCaps.PerSequence
	}
	return &Limiter{
		redis:           client,
		caps:            caps,
		incrementScript: redis.NewScript(incrementLua),
	}
}

func (l *Limiter) userKeys(userID uuid.UUID, now time.Time) (minute, hour, day string) {
	minute = fmt.Sprintf("ratelimit:user:%s:min:%d", userID, now.Unix()/60)
	hour = fmt.Sprintf("ratelimit:user:%s:hour:%d", userID, now.Unix()/3600)
	day = fmt.Sprintf("ratelimit:user:%s:day:%s", userID, now.UTC().Format("2006-01-02"))
	return
}

func (l *Limiter) sequenceKey(userID, sequenceID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("ratelimit:seq:%s:%s:day:%s", userID, sequenceID, now.UTC().Format("2006-01-02"))
}

func (l *Limiter) contactKey(userID, sequenceID, contactID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("ratelimit:contact:%s:%s:%s:day:%s", userID, sequenceID, contactID, now.UTC().Format("2006-01-02"))
}

// Check reports whether a send at any of the given scopes would exceed a
// cap. sequenceID and contactID are optional (uuid.Nil skips the scope).
// The read is non-blocking and does not reserve capacity.
func (l *Limiter) Check(ctx context.Context, userID, sequenceID, contactID uuid.UUID) (bool, Info, error) {
	now := time.Now()
	minuteKey, hourKey, dayKey := l.userKeys(userID, now)

	pipe := l.redis.Pipeline()
	minCmd := pipe.Get(ctx, minuteKey)
	hourCmd := pipe.Get(ctx, hourKey)
	dayCmd := pipe.Get(ctx, dayKey)
	var seqCmd, contactCmd *redis.StringCmd
	if sequenceID != uuid.Nil {
		seqCmd = pipe.Get(ctx, l.sequenceKey(userID, sequenceID, now))
	}
	if sequenceID != uuid.Nil && contactID != uuid.Nil {
		contactCmd = pipe.Get(ctx, l.contactKey(userID, sequenceID, contactID, now))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, Info{}, fmt.Errorf("rate limit read: %w", err)
	}

	var info Info
	info.UserMinute, _ = minCmd.Int64()
	info.UserHour, _ = hourCmd.Int64()
	info.UserDay, _ = dayCmd.Int64()
	if seqCmd != nil {
		info.SequenceDay, _ = seqCmd.Int64()
	}
	if contactCmd != nil {
		info.ContactDay, _ = contactCmd.Int64()
	}

	switch {
	case info.UserMinute >= int64(l.caps.PerMinute):
		info.DeniedBy = "user_per_minute"
	case info.UserHour >= int64(l.caps.PerHour):
		info.DeniedBy = "user_per_hour"
	case info.UserDay >= int64(l.caps.PerDay):
		info.DeniedBy = "user_per_day"
	case seqCmd != nil && info.SequenceDay >= int64(l.caps.PerSequence):
		info.DeniedBy = "sequence_per_day"
	case contactCmd != nil && info.ContactDay >= int64(l.caps.PerContactPerSequence):
		info.DeniedBy = "contact_per_sequence"
	}

	return info.DeniedBy == "", info, nil
}

// Increment atomically bumps the counters at every scope after a send.
func (l *Limiter) Increment(ctx context.Context, userID, sequenceID, contactID uuid.UUID) error {
	now := time.Now()
	minuteKey, hourKey, dayKey := l.userKeys(userID, now)

	keys := []string{minuteKey, hourKey, dayKey}
	ttls := []interface{}{120, 7200, 90000}
	if sequenceID != uuid.Nil {
		keys = append(keys, l.sequenceKey(userID, sequenceID, now))
		ttls = append(ttls, 90000)
	}
	if sequenceID != uuid.Nil && contactID != uuid.Nil {
		keys = append(keys, l.contactKey(userID, sequenceID, contactID, now))
		ttls = append(ttls, 90000)
	}

	if err := l.incrementScript.Run(ctx, l.redis, keys, ttls...).Err(); err != nil {
		return fmt.Errorf("rate limit increment: %w", err)
	}
	return nil
}

// Reset clears all counters for a (user, sequence) pair, including the
// per-contact counters underneath it.
func (l *Limiter) Reset(ctx context.Context, userID, sequenceID uuid.UUID) error {
	patterns := []string{
		fmt.Sprintf("ratelimit:seq:%s:%s:*", userID, sequenceID),
		fmt.Sprintf("ratelimit:contact:%s:%s:*", userID, sequenceID),
	}
	for _, pattern := range patterns {
		iter := l.redis.Scan(ctx, 0, pattern, 100).Iterator()
		for iter.Next(ctx) {
			if err := l.redis.Del(ctx, iter.Val()).Err(); err != nil {
				return fmt.Errorf("rate limit reset: %w", err)
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("rate limit reset scan: %w", err)
		}
	}
	return nil
}

// SetBounceCooldown blocks sends to a contact for 24h after a bounce.
func (l *Limiter) SetBounceCooldown(ctx context.Context, userID, contactID uuid.UUID) error {
	key := fmt.Sprintf("cooldown:bounce:%s:%s", userID, contactID)
	return l.redis.Set(ctx, key, 1, BounceCooldown).Err()
}

// SetErrorCooldown pauses sends for a user for 15m after a send error.
func (l *Limiter) SetErrorCooldown(ctx context.Context, userID uuid.UUID) error {
	key := fmt.Sprintf("cooldown:error:%s", userID)
	return l.redis.Set(ctx, key, 1, ErrorCooldown).Err()
}

// InCooldown reports whether the user or contact is inside a cooldown
// window. contactID may be uuid.Nil to check only the user scope.
func (l *Limiter) InCooldown(ctx context.Context, userID, contactID uuid.UUID) (bool, error) {
	keys := []string{fmt.Sprintf("cooldown:error:%s", userID)}
	if contactID != uuid.Nil {
		keys = append(keys, fmt.Sprintf("cooldown:bounce:%s:%s", userID, contactID))
	}
	n, err := l.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check: %w", err)
	}
	return n > 0, nil
}
