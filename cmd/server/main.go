// The server binary hosts the HTTP surface: the sequence control API,
// the Gmail Pub/Sub push endpoint and the tracking redirector. All
// heavy lifting runs in the worker binary; this process only validates,
// enqueues and records.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/dropocol/coldjot/internal/api"
	"github.com/dropocol/coldjot/internal/config"
	"github.com/dropocol/coldjot/internal/gmail"
	"github.com/dropocol/coldjot/internal/inbound"
	"github.com/dropocol/coldjot/internal/queue"
	"github.com/dropocol/coldjot/internal/ratelimit"
	"github.com/dropocol/coldjot/internal/store"
	"github.com/dropocol/coldjot/internal/tracking"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	db, err := store.Open(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	st := store.NewStore(db)
	log.Printf("[Server] database connected")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", cfg.Redis.Addr(), err)
	}
	defer rdb.Close()
	log.Printf("[Server] redis connected at %s", cfg.Redis.Addr())

	q := queue.New(rdb, cfg.Redis.QueuePrefix)
	limiter := ratelimit.New(rdb, ratelimit.Caps{
		PerMinute:             cfg.RateLimit.PerMinute,
		PerHour:               cfg.RateLimit.PerHour,
		PerDay:                cfg.RateLimit.PerDay,
		PerContactPerSequence: cfg.RateLimit.PerContactPerSequence,
		PerSequence:           cfg.RateLimit.PerSequence,
	})

	factory := gmail.NewFactory(st, cfg.Google.ClientID, cfg.Google.ClientSecret, cfg.Google.Timeout())
	pipeline := inbound.NewPipeline(st, factory, limiter)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.Tracking.WebAppURL},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		workers, err := st.CountLiveWorkers(r.Context(), 30*time.Second)
		if err != nil {
			http.Error(w, "worker registry unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"status":"ok","liveWorkers":%d}`, workers)
	})

	api.NewHandler(st, q, limiter).Routes(r)
	tracking.NewHandler(st).Routes(r)
	inbound.NewHandler(st, pipeline, cfg.Google.PubSubAudience).Routes(r)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("[Server] listening on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("[Server] shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
	log.Printf("[Server] stopped")
}
