// The worker binary runs everything asynchronous: the queue consumers
// for sequence fan-out, email sends and watch renewals, the schedule
// sweeper, and the cron maintenance jobs. Multiple instances are safe;
// the sweeper lock and the compare-and-set step advance keep them from
// double-sending.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/dropocol/coldjot/internal/config"
	"github.com/dropocol/coldjot/internal/gmail"
	"github.com/dropocol/coldjot/internal/pkg/distlock"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/schedule"
	"github.com/dropocol/coldjot/internal/sequence"
	"github.com/dropocol/coldjot/internal/store"
)

const retentionDays = 90

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	st := store.NewStore(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr(), err)
	}
	defer rdb.Close()

	q := queue.New(rdb, cfg.Redis.QueuePrefix)
	limiter := ratelimit.New(rdb, ratelimit.Caps{
		PerMinute:             cfg.RateLimit.PerMinute,
		PerHour:               cfg.RateLimit.PerHour,
		PerDay:                cfg.RateLimit.PerDay,
		PerContactPerSequence: cfg.RateLimit.PerContactPerSequence,
		PerSequence:           cfg.RateLimit.PerSequence,
	})

	gen := schedule.NewGenerator()
	gen.SetRateWindow(st)
	gen.SetDemoMode(cfg.Demo.DemoMode)
	gen.SetBypassBusinessHours(cfg.Demo.BypassBusinessHours)

	factory := gmail.NewFactory(st, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.Timeout())
	sender := gmail.NewSender(factory)

	processor := sequence.NewProcessor(st, q, limiter, gen)
	emailWorker := sequence.NewEmailWorker(st, limiter, sender, cfg.Tracking.BaseURL())
	emailWorker.SetTestEmail(cfg.Tracking.TestEmail)

	sweepLock := distlock.New(rdb, db, "sweeper", 2*cfg.Scheduler.CheckInterval())
	sweeper := sequence.NewSweeper(st, q, limiter, gen, sweepLock)
	sweeper.SetInterval(cfg.Scheduler.CheckInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sequenceConsumer := queue.NewConsumer(q, queue.SequenceJobs, 1, processor.HandleSequenceJob)
	emailConsumer := queue.NewConsumer(q, queue.EmailJobs, cfg.Scheduler.EmailWorkers, emailWorker.HandleEmailJob)
	emailConsumer.DeadHandler = emailWorker.HandleDeadEmailJob
	watchConsumer := queue.NewConsumer(q, queue.ThreadWatchJobs, 1, func(ctx context.Context, job *queue.Job) error {
		var payload queue.WatchPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode watch payload: %w", err)
		}
		return factory.RegisterWatch(ctx, payload.UserID, cfg.Google.PubSubTopic)
	})

	var wg sync.WaitGroup
	for _, c := range []*queue.Consumer{sequenceConsumer, emailConsumer, watchConsumer} {
		wg.Add(1)
		go func(c *queue.Consumer) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(ctx)
	}()

	workerID := registerWorker(ctx, st, &wg)

	cr := cron.New()
	cr.AddFunc("0 3 * * *", func() { renewWatches(ctx, st, q) })
	cr.AddFunc("*/10 * * * *", func() { recoverStale(ctx, q) })
	cr.AddFunc("0 * * * *", func() { pruneOldRows(ctx, st) })
	cr.Start()

	log.Printf("[Worker] %s running with %d email workers", workerID, cfg.Scheduler.EmailWorkers)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[Worker] shutting down")
	cronCtx := cr.Stop()
	cancel()
	wg.Wait()
	<-cronCtx.Done()
	log.Printf("[Worker] stopped")
}

// registerWorker records this instance in the registry and starts the
// heartbeat goroutine.
func registerWorker(ctx context.Context, st *store.Store, wg *sync.WaitGroup) string {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	if err := st.RegisterWorker(ctx, workerID, "worker", hostname); err != nil {
		log.Printf("[Worker] register: %v", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := st.HeartbeatWorker(ctx, workerID); err != nil {
					log.Printf("[Worker] heartbeat: %v", err)
				}
			}
		}
	}()
	return workerID
}

// renewWatches re-registers the Gmail users.watch for every account
// whose watch is missing or expiring. Gmail expires watches after seven
// days; renewing daily keeps a wide margin.
func renewWatches(ctx context.Context, st *store.Store, q *queue.Queue) {
	accounts, err := st.ListWatchRenewals(ctx)
	if err != nil {
		log.Printf("[Worker] list watch renewals: %v", err)
		return
	}
	for _, acct := range accounts {
		_, err := q.Enqueue(ctx, queue.ThreadWatchJobs, queue.WatchPayload{UserID: acct.UserID},
			queue.Options{MaxAttempts: 3})
		if err != nil {
			log.Printf("[Worker] enqueue watch renewal for %s: %v", acct.Email, err)
		}
	}
	if len(accounts) > 0 {
		log.Printf("[Worker] queued %d watch renewals", len(accounts))
	}
}

// recoverStale requeues jobs claimed by consumers that died mid-flight.
func recoverStale(ctx context.Context, q *queue.Queue) {
	for _, name := range []string{queue.SequenceJobs, queue.EmailJobs, queue.ThreadWatchJobs} {
		n, err := q.RecoverStale(ctx, name, 10*time.Minute)
		if err != nil {
			log.Printf("[Worker] recover %s: %v", name, err)
			continue
		}
		if n > 0 {
			log.Printf("[Worker] recovered %d stale jobs on %s", n, name)
		}
	}
}

// pruneOldRows trims event and click history past the retention window.
func pruneOldRows(ctx context.Context, st *store.Store) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	events, err := st.DeleteOldEvents(ctx, cutoff)
	if err != nil {
		log.Printf("[Worker] prune events: %v", err)
	}
	clicks, err := st.DeleteOldClicks(ctx, cutoff)
	if err != nil {
		log.Printf("[Worker] prune clicks: %v", err)
	}
	if events > 0 || clicks > 0 {
		log.Printf("[Worker] pruned %d events, %d clicks", events, clicks)
	}
}
