// Package queue implements the durable Redis job queues: a delayed
// sorted set promoted into per-priority ready lists, with a claimed
// hash for crash recovery. Enqueues are at-least-once; consumers must
// be idempotent on job id.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Queue names.
const (
	SequenceJobs    = "sequence-jobs"
	EmailJobs       = "email-jobs"
	ContactJobs     = "contact-jobs"
	ThreadWatchJobs = "thread-watch-jobs"
)

// PriorityHigh jobs jump the ready line. Default priority is 1.
const (
	PriorityHigh    = 0
	PriorityDefault = 1
)

// Job is the envelope stored on the wire.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Priority    int             `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	RunAt       int64           `json:"runAt"` // unix millis
	ClaimedAt   int64           `json:"claimedAt,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// SequencePayload triggers a launch/resume fan-out.
type SequencePayload struct {
	SequenceID uuid.UUID `json:"sequenceId"`
	UserID     uuid.UUID `json:"userId"`
	TestMode   bool      `json:"testMode"`
}

// EmailPayload is one email-send job.
type EmailPayload struct {
	SequenceID    uuid.UUID `json:"sequenceId"`
	ContactID     uuid.UUID `json:"contactId"`
	StepID        uuid.UUID `json:"stepId"`
	UserID        uuid.UUID `json:"userId"`
	To            string    `json:"to"`
	Subject       string    `json:"subject"`
	ThreadID      string    `json:"threadId,omitempty"`
	ScheduledTime time.Time `json:"scheduledTime"`
	TestMode      bool      `json:"testMode"`
}

// WatchPayload asks for a Gmail users.watch renewal.
type WatchPayload struct {
	UserID uuid.UUID `json:"userId"`
}

// Options control a single enqueue.
type Options struct {
	RunAt       time.Time // zero means now
	Priority    int       // PriorityDefault when unset via Enqueue helpers
	MaxAttempts int
}

// Queue is a handle on the Redis-backed queues under one key prefix.
type Queue struct {
	redis  *redis.Client
	prefix string

	promoteScript *redis.Script
}

// promoteLua moves due jobs from the delayed set into the ready list
// matching their priority, atomically.
const promoteLua = `
local due = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, 100)
for _, payload in ipairs(due) do
    redis.call("ZREM", KEYS[1], payload)
    local job = cjson.decode(payload)
    if job.priority == 0 then
        redis.call("LPUSH", KEYS[3], payload)
    else
        redis.call("LPUSH", KEYS[2], payload)
    end
end
return #due
`

// New creates a queue handle. prefix namespaces every key.
func New(client *redis.Client, prefix string) *Queue {
	if prefix == "" {
		prefix = "coldjot"
	}
	return &Queue{
		redis:         client,
		prefix:        prefix,
		promoteScript: redis.NewScript(promoteLua),
	}
}

func (q *Queue) delayedKey(queue string) string { return q.prefix + ":" + queue + ":delayed" }
func (q *Queue) readyKey(queue string) string   { return q.prefix + ":" + queue + ":ready" }
func (q *Queue) highKey(queue string) string    { return q.prefix + ":" + queue + ":ready:high" }
func (q *Queue) claimedKey(queue string) string { return q.prefix + ":" + queue + ":claimed" }

// Enqueue adds a job. A zero RunAt goes straight to the ready list;
// anything in the future lands in the delayed set.
func (q *Queue) Enqueue(ctx context.Context, queue string, payload interface{}, opts Options) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Priority:    opts.Priority,
		MaxAttempts: opts.MaxAttempts,
		Payload:     raw,
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}
	if !opts.RunAt.IsZero() {
		job.RunAt = opts.RunAt.UnixMilli()
	}

	return job.ID, q.push(ctx, &job)
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	if job.RunAt > time.Now().UnixMilli() {
		err = q.redis.ZAdd(ctx, q.delayedKey(job.Queue), redis.Z{
			Score:  float64(job.RunAt),
			Member: data,
		}).Err()
	} else if job.Priority == PriorityHigh {
		err = q.redis.LPush(ctx, q.highKey(job.Queue), data).Err()
	} else {
		err = q.redis.LPush(ctx, q.readyKey(job.Queue), data).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Queue, err)
	}
	return nil
}

// Promote moves due delayed jobs into their ready lists. Called inside
// every dequeue so delayed jobs surface without a separate mover.
func (q *Queue) Promote(ctx context.Context, queue string) (int, error) {
	n, err := q.promoteScript.Run(ctx,
		q.redis,
		[]string{q.delayedKey(queue), q.readyKey(queue), q.highKey(queue)},
		time.Now().UnixMilli(),
	).Int()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("promote %s: %w", queue, err)
	}
	return n, nil
}

// Dequeue blocks up to timeout for the next job, draining the high
// priority list first. The job is parked in the claimed hash until
// Ack so a crashed worker's jobs can be recovered.
func (q *Queue) Dequeue(ctx context.Context, queue string, timeout time.Duration) (*Job, error) {
	if _, err := q.Promote(ctx, queue); err != nil {
		return nil, err
	}

	res, err := q.redis.BRPop(ctx, timeout, q.highKey(queue), q.readyKey(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue %s: %w", queue, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}

	job.ClaimedAt = time.Now().UnixMilli()
	claimed, _ := json.Marshal(job)
	if err := q.redis.HSet(ctx, q.claimedKey(queue), job.ID, claimed).Err(); err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	return &job, nil
}

// Ack removes a finished job from the claimed hash.
func (q *Queue) Ack(ctx context.Context, queue, jobID string) error {
	return q.redis.HDel(ctx, q.claimedKey(queue), jobID).Err()
}

// Requeue re-enqueues a failed job with a bumped attempt counter at the
// given run time.
func (q *Queue) Requeue(ctx context.Context, job *Job, runAt time.Time) error {
	if err := q.Ack(ctx, job.Queue, job.ID); err != nil {
		return err
	}
	job.Attempts++
	job.RunAt = runAt.UnixMilli()
	job.ClaimedAt = 0
	return q.push(ctx, job)
}

// RecoverStale re-enqueues jobs claimed longer ago than maxAge, for
// workers that died mid-job. Returns the number recovered.
func (q *Queue) RecoverStale(ctx context.Context, queue string, maxAge time.Duration) (int, error) {
	entries, err := q.redis.HGetAll(ctx, q.claimedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("recover %s: %w", queue, err)
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	recovered := 0
	for jobID, raw := range entries {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.redis.HDel(ctx, q.claimedKey(queue), jobID)
			continue
		}
		if job.ClaimedAt >= cutoff {
			continue
		}
		if err := q.redis.HDel(ctx, q.claimedKey(queue), jobID).Err(); err != nil {
			return recovered, err
		}
		job.ClaimedAt = 0
		if err := q.push(ctx, &job); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Depth reports ready + high + delayed lengths for a queue.
func (q *Queue) Depth(ctx context.Context, queue string) (int64, error) {
	ready, err := q.redis.LLen(ctx, q.readyKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	high, err := q.redis.LLen(ctx, q.highKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := q.redis.ZCard(ctx, q.delayedKey(queue)).Result()
	if err != nil {
		return 0, err
	}
	return ready + high + delayed, nil
}
