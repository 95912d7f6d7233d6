// Package queue consumes durable jobs from Postgres. Workers claim with
// SKIP LOCKED, heartbeat a lease while working, and requeue on failure, which
// gives at-least-once execution; handlers are responsible for being
// checkpoint-resumable.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/telemetry"
)

// Handler runs one claimed job. A nil return means the handler finalized the
// job state itself (completed or cancelled); an error requeues or fails it.
type Handler func(ctx context.Context, job model.SyncJob) error

// Config tunes one worker pool.
type Config struct {
	Kinds       []model.JobKind
	Handler     Handler
	Concurrency int

	// Lease is how long a claim holds before another worker may steal the
	// job. Heartbeats extend it at a third of this interval.
	Lease        time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration

	// WorkerID defaults to hostname/pid.
	WorkerID string

	// Wakeups, when set, triggers an immediate poll; the progress listener
	// feeds it from the jobs notify channel.
	Wakeups <-chan struct{}
}

// Worker is a pool of claim loops over one set of job kinds.
type Worker struct {
	db       *storage.DB
	cfg      Config
	logger   *slog.Logger
	wg       sync.WaitGroup
	outcomes metric.Int64Counter
}

// New creates a worker pool. A nil logger falls back to slog.Default.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.WorkerID == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	meter := telemetry.Meter("recoup/queue")
	outcomes, _ := meter.Int64Counter("recoup.queue.jobs",
		metric.WithDescription("Claimed job outcomes by kind"),
	)
	return &Worker{db: db, cfg: cfg, logger: logger, outcomes: outcomes}
}

// Start launches the claim loops. It returns immediately; call Drain to wait
// for in-flight jobs after cancelling ctx.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("queue workers starting",
		"kinds", w.cfg.Kinds,
		"concurrency", w.cfg.Concurrency,
		"worker_id", w.cfg.WorkerID,
	)
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.loop(ctx, n)
		}(i)
	}
}

// Drain waits for every claim loop to finish or for ctx to expire.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("queue workers drained", "kinds", w.cfg.Kinds)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: drain: %w", ctx.Err())
	}
}

func (w *Worker) loop(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.db.ClaimJob(ctx, w.cfg.Kinds, w.cfg.WorkerID, w.cfg.Lease, w.cfg.MaxAttempts)
		switch {
		case err == nil:
			w.run(ctx, job)
			continue
		case err == storage.ErrNoJobs:
			// fall through to wait
		case ctx.Err() != nil:
			return
		default:
			w.logger.Warn("queue: claim failed", "error", err, "loop", n)
		}

		if !w.wait(ctx) {
			return
		}
	}
}

// wait sleeps a jittered poll interval, cut short by a wakeup notification.
func (w *Worker) wait(ctx context.Context) bool {
	jitter := time.Duration(rand.Int63n(int64(w.cfg.PollInterval) / 2))
	timer := time.NewTimer(w.cfg.PollInterval/2 + jitter)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-w.wakeups():
		return true
	}
}

func (w *Worker) wakeups() <-chan struct{} {
	if w.cfg.Wakeups != nil {
		return w.cfg.Wakeups
	}
	// Never fires; the poll timer drives the loop.
	return make(chan struct{})
}

// run executes one claimed job with a lease heartbeat and panic isolation.
func (w *Worker) run(ctx context.Context, job model.SyncJob) {
	logger := w.logger.With("job_id", job.ID, "job_kind", job.Kind, "seller_id", job.SellerID, "attempt", job.Attempts)
	logger.Info("job claimed")

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hb sync.WaitGroup
	hb.Add(1)
	go func() {
		defer hb.Done()
		w.heartbeat(hbCtx, job, logger)
	}()

	err := w.invoke(ctx, job)
	stopHeartbeat()
	hb.Wait()

	switch {
	case err == nil:
		logger.Info("job finished")
		w.count(ctx, job, "finished")

	case ctx.Err() != nil:
		// Shutdown: leave the job claimed; the lease expires and another
		// worker resumes from the checkpoint.
		logger.Info("job released on shutdown")
		w.count(ctx, job, "released")

	default:
		state, ferr := w.db.FailJob(context.WithoutCancel(ctx), job.ID, err.Error(), w.cfg.MaxAttempts, w.cfg.RetryDelay)
		if ferr != nil {
			logger.Error("queue: fail job", "error", ferr)
			return
		}
		logger.Warn("job failed", "error", err, "state", state)
		w.count(ctx, job, string(state))
	}
}

func (w *Worker) count(ctx context.Context, job model.SyncJob, outcome string) {
	if w.outcomes == nil {
		return
	}
	w.outcomes.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("kind", string(job.Kind)),
		attribute.String("outcome", outcome),
	))
}

// invoke calls the handler, converting panics into errors.
func (w *Worker) invoke(ctx context.Context, job model.SyncJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("queue: handler panic",
				"job_id", job.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("queue: handler panic: %v", r)
		}
	}()
	return w.cfg.Handler(ctx, job)
}

func (w *Worker) heartbeat(ctx context.Context, job model.SyncJob, logger *slog.Logger) {
	interval := w.cfg.Lease / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			until := time.Now().UTC().Add(w.cfg.Lease)
			if err := w.db.ExtendLease(ctx, job.ID, w.cfg.WorkerID, until); err != nil {
				logger.Warn("queue: extend lease", "error", err)
			}
		}
	}
}
