package queue

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one job. A returned error triggers a retry until
// the job's attempts are exhausted.
type Handler func(ctx context.Context, job *Job) error

// Consumer runs a pool of workers draining one queue.
type Consumer struct {
	queue       *Queue
	name        string
	handler     Handler
	concurrency int
	backoffBase time.Duration

	// DeadHandler, when set, receives jobs whose retries are exhausted.
	DeadHandler Handler

	processed int64
	failed    int64

	wg sync.WaitGroup
}

// NewConsumer creates a consumer for one named queue.
func NewConsumer(q *Queue, name string, concurrency int, handler Handler) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		queue:       q,
		name:        name,
		handler:     handler,
		concurrency: concurrency,
		backoffBase: 5 * time.Second,
	}
}

// SetBackoffBase overrides the retry backoff base. Tests shrink it.
func (c *Consumer) SetBackoffBase(d time.Duration) { c.backoffBase = d }

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (c *Consumer) Run(ctx context.Context) {
	log.Printf("[Queue] starting %d workers on %s", c.concurrency, c.name)
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go func(id int) {
			defer c.wg.Done()
			c.loop(ctx, id)
		}(i)
	}
	c.wg.Wait()
	log.Printf("[Queue] %s drained: processed=%d failed=%d",
		c.name, atomic.LoadInt64(&c.processed), atomic.LoadInt64(&c.failed))
}

func (c *Consumer) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := c.queue.Dequeue(ctx, c.name, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue] %s worker %d dequeue: %v", c.name, id, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		c.process(ctx, job)
	}
}

func (c *Consumer) process(ctx context.Context, job *Job) {
	err := c.handler(ctx, job)
	if err == nil {
		atomic.AddInt64(&c.processed, 1)
		if ackErr := c.queue.Ack(ctx, c.name, job.ID); ackErr != nil {
			log.Printf("[Queue] %s ack %s: %v", c.name, job.ID, ackErr)
		}
		return
	}

	if job.Attempts+1 < job.MaxAttempts {
		delay := c.backoffBase << uint(job.Attempts)
		log.Printf("[Queue] %s job %s attempt %d failed, retry in %v: %v",
			c.name, job.ID, job.Attempts+1, delay, err)
		if reqErr := c.queue.Requeue(ctx, job, time.Now().Add(delay)); reqErr != nil {
			log.Printf("[Queue] %s requeue %s: %v", c.name, job.ID, reqErr)
		}
		return
	}

	atomic.AddInt64(&c.failed, 1)
	log.Printf("[Queue] %s job %s exhausted after %d attempts: %v",
		c.name, job.ID, job.Attempts+1, err)
	if c.DeadHandler != nil {
		if deadErr := c.DeadHandler(ctx, job); deadErr != nil {
			log.Printf("[Queue] %s dead handler %s: %v", c.name, job.ID, deadErr)
		}
	}
	if ackErr := c.queue.Ack(ctx, c.name, job.ID); ackErr != nil {
		log.Printf("[Queue] %s ack %s: %v", c.name, job.ID, ackErr)
	}
}

// Stats reports processed and failed counts.
func (c *Consumer) Stats() (processed, failed int64) {
	return atomic.LoadInt64(&c.processed), atomic.LoadInt64(&c.failed)
}
