package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func setupQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "test"), mr
}

func TestEnqueueDequeueImmediate(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	payload := SequencePayload{SequenceID: uuid.New(), UserID: uuid.New()}
	jobID, err := q.Enqueue(ctx, SequenceJobs, payload, Options{Priority: PriorityDefault})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	job, err := q.Dequeue(ctx, SequenceJobs, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job == nil || job.ID != jobID {
		t.Fatalf("Dequeue() = %+v, want job %s", job, jobID)
	}

	var got SequencePayload
	if err := json.Unmarshal(job.Payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.SequenceID != payload.SequenceID {
		t.Errorf("payload sequence = %s, want %s", got.SequenceID, payload.SequenceID)
	}
}

func TestDelayedJobNotVisibleUntilDue(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "a@ex.com"}, Options{
		RunAt:    time.Now().Add(time.Hour),
		Priority: PriorityDefault,
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	job, err := q.Dequeue(ctx, EmailJobs, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job != nil {
		t.Errorf("delayed job surfaced early: %+v", job)
	}

	depth, err := q.Depth(ctx, EmailJobs)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("Depth() = %d, want 1", depth)
	}
}

func TestPromoteMovesDueJobs(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "a@ex.com"}, Options{
		RunAt:    time.Now().Add(-time.Minute),
		Priority: PriorityDefault,
	})
	if err != nil {
		t.Fatalf("Enqueue() error: %v", err)
	}

	job, err := q.Dequeue(ctx, EmailJobs, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job == nil {
		t.Fatal("due delayed job not promoted")
	}
}

func TestHighPriorityDrainedFirst(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "normal@ex.com"}, Options{Priority: PriorityDefault}); err != nil {
		t.Fatal(err)
	}
	urgent, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "urgent@ex.com"}, Options{Priority: PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	job, err := q.Dequeue(ctx, EmailJobs, time.Second)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if job == nil || job.ID != urgent {
		t.Errorf("expected high priority job first, got %+v", job)
	}
}

func TestAckRemovesClaim(t *testing.T) {
	q, mr := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "a@ex.com"}, Options{Priority: PriorityDefault})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx, EmailJobs, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %+v, %v", job, err)
	}

	if !mr.Exists("test:email-jobs:claimed") {
		t.Fatal("claim not recorded")
	}
	if err := q.Ack(ctx, EmailJobs, job.ID); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}
	if mr.Exists("test:email-jobs:claimed") {
		t.Error("claim hash not emptied after ack")
	}
}

func TestRecoverStale(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "a@ex.com"}, Options{Priority: PriorityDefault})
	if err != nil {
		t.Fatal(err)
	}
	job, err := q.Dequeue(ctx, EmailJobs, time.Second)
	if err != nil || job == nil {
		t.Fatalf("Dequeue() = %+v, %v", job, err)
	}

	// Worker never acks; a claim this fresh is not yet stale.
	n, err := q.RecoverStale(ctx, EmailJobs, 10*time.Minute)
	if err != nil {
		t.Fatalf("RecoverStale() error: %v", err)
	}
	if n != 0 {
		t.Errorf("recovered %d fresh claims", n)
	}

	// With a zero age everything claimed counts as stale.
	time.Sleep(5 * time.Millisecond)
	n, err = q.RecoverStale(ctx, EmailJobs, 0)
	if err != nil {
		t.Fatalf("RecoverStale() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	again, err := q.Dequeue(ctx, EmailJobs, time.Second)
	if err != nil || again == nil {
		t.Fatalf("recovered job not dequeued: %+v, %v", again, err)
	}
	if again.ID != job.ID {
		t.Errorf("recovered job id = %s, want %s", again.ID, job.ID)
	}
}

func TestConsumerRetriesThenDeadLetters(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Enqueue(ctx, EmailJobs, EmailPayload{To: "a@ex.com"}, Options{
		Priority:    PriorityDefault,
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	var attempts, dead int64
	c := NewConsumer(q, EmailJobs, 1, func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&attempts, 1)
		return context.DeadlineExceeded
	})
	c.SetBackoffBase(time.Millisecond)
	c.DeadHandler = func(ctx context.Context, job *Job) error {
		atomic.AddInt64(&dead, 1)
		cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("consumer did not finish")
	}

	if got := atomic.LoadInt64(&attempts); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	if atomic.LoadInt64(&dead) != 1 {
		t.Error("dead handler not invoked exactly once")
	}
}
