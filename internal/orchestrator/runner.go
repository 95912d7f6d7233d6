package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/recoup-ai/recoup/internal/candidates"
	"github.com/recoup-ai/recoup/internal/fault"
	"github.com/recoup-ai/recoup/internal/model"
	"github.com/recoup-ai/recoup/internal/normalize"
	"github.com/recoup-ai/recoup/internal/parser"
	"github.com/recoup-ai/recoup/internal/progress"
	"github.com/recoup-ai/recoup/internal/provider"
	"github.com/recoup-ai/recoup/internal/secrets"
	"github.com/recoup-ai/recoup/internal/storage"
	"github.com/recoup-ai/recoup/internal/telemetry"
)

// Pipeline shape. The bounded result channel is the backpressure boundary
// between download workers and the single ledger writer; pacing keeps the
// provider's burst behavior predictable.
const (
	pipelineCapacity     = 4
	defaultTaskPacing    = time.Second
	defaultWindowPacing  = 5 * time.Second
	defaultReportWorkers = 2
)

// Config tunes one runner.
type Config struct {
	MonthsToSync  int
	WindowMonths  int
	BatchSize     int
	ReportWorkers int

	// Pacing between tasks and between windows. Zero means the defaults;
	// tests shrink them.
	TaskPacing   time.Duration
	WindowPacing time.Duration
}

func (c *Config) fill() {
	if c.MonthsToSync <= 0 {
		c.MonthsToSync = 18
	}
	if c.WindowMonths <= 0 {
		c.WindowMonths = 3
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1000
	}
	if c.ReportWorkers <= 0 {
		c.ReportWorkers = defaultReportWorkers
	}
	if c.TaskPacing <= 0 {
		c.TaskPacing = defaultTaskPacing
	}
	if c.WindowPacing <= 0 {
		c.WindowPacing = defaultWindowPacing
	}
}

// ParseService is the slice of the parser client document ingest needs.
type ParseService interface {
	Parse(ctx context.Context, sellerID, documentID uuid.UUID, filename, mimeType string, content []byte) (string, error)
	GetJob(ctx context.Context, sellerID uuid.UUID, jobID string) (parser.JobStatus, error)
	GetParsed(ctx context.Context, sellerID, documentID uuid.UUID) (parser.Parsed, error)
}

// Runner executes full_sync and document_ingest jobs.
type Runner struct {
	db       *storage.DB
	registry *provider.Registry
	box      *secrets.Box
	pub      *progress.Publisher
	gen      *candidates.Generator
	parse    ParseService
	cfg      Config
	logger   *slog.Logger
	upserted metric.Int64Counter
}

// NewRunner wires a runner. The parse service may be nil when document
// ingest is not served by this process.
func NewRunner(db *storage.DB, registry *provider.Registry, box *secrets.Box, pub *progress.Publisher, gen *candidates.Generator, parse ParseService, cfg Config, logger *slog.Logger) *Runner {
	cfg.fill()
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("recoup/orchestrator")
	upserted, _ := meter.Int64Counter("recoup.sync.records",
		metric.WithDescription("Ledger records inserted or updated by report type"),
	)
	return &Runner{
		db:       db,
		registry: registry,
		box:      box,
		pub:      pub,
		gen:      gen,
		parse:    parse,
		cfg:      cfg,
		logger:   logger,
		upserted: upserted,
	}
}

type taskResult struct {
	task      Task
	records   []model.LedgerRecord
	rowErrors int
	err       error
}

// progressCount holds the committed-task counter. Reads and increments are
// serialized together with their event publishes, so the stream order always
// matches the counter and current never goes backwards on the wire.
type progressCount struct {
	mu      sync.Mutex
	current int
}

// Run executes one full_sync job to its terminal state. A nil return means
// the job row was finalized (completed or cancelled); an error leaves
// finalization to the queue worker.
func (r *Runner) Run(ctx context.Context, job model.SyncJob) error {
	logger := r.logger.With("job_id", job.ID, "seller_id", job.SellerID)

	conn, adapter, creds, err := r.connection(ctx, job.SellerID)
	if err != nil {
		r.publish(ctx, failEvent(job, err))
		return err
	}

	plan, err := r.plan(ctx, job, adapter)
	if err != nil {
		r.publish(ctx, failEvent(job, err))
		return err
	}
	total := plan.Total()

	startIdx := plan.TaskAt(job.CheckpointWindow, job.CheckpointReport)
	if startIdx > total {
		return fault.Newf(fault.Fatal, "orchestrator: checkpoint (%d,%d) outside plan of %d tasks",
			job.CheckpointWindow, job.CheckpointReport, total)
	}
	if startIdx > 0 {
		logger.Info("resuming from checkpoint", "task", startIdx, "total", total)
	} else {
		for _, rt := range plan.Reports {
			if err := r.db.BeginSyncStatus(ctx, job.SellerID, rt); err != nil {
				return fmt.Errorf("orchestrator: begin sync status: %w", err)
			}
		}
	}

	var cancelled atomic.Bool
	count := &progressCount{current: startIdx}

	taskCh := make(chan Task)
	resultCh := make(chan taskResult, pipelineCapacity)

	g, gctx := errgroup.WithContext(ctx)

	// Producer: dispatch tasks in order, honoring pacing and checking for
	// cancellation at every task boundary.
	g.Go(func() error {
		defer close(taskCh)
		lastWindow := -1
		for _, task := range plan.Tasks[startIdx:] {
			if gctx.Err() != nil {
				return nil
			}
			stop, err := r.db.CancelRequested(gctx, job.ID)
			if err != nil {
				logger.Warn("cancel check failed", "error", err)
			} else if stop {
				cancelled.Store(true)
				return nil
			}

			if lastWindow >= 0 {
				pace := r.cfg.TaskPacing
				if task.WindowIdx != lastWindow {
					pace = r.cfg.WindowPacing
				}
				if !sleep(gctx, pace) {
					return nil
				}
			}
			lastWindow = task.WindowIdx

			select {
			case taskCh <- task:
			case <-gctx.Done():
				return nil
			}
		}
		return nil
	})

	// Download workers: fetch and normalize, never touch the ledger.
	var workers sync.WaitGroup
	for i := 0; i < r.cfg.ReportWorkers; i++ {
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			for task := range taskCh {
				res := r.download(gctx, job, conn, adapter, creds, task, count, total)
				select {
				case resultCh <- res:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(resultCh)
	}()

	// Single writer: commit in task order through a reorder buffer, then
	// checkpoint and report progress. Cancellation is re-checked before every
	// commit so the ledger stops at the last task committed before the cancel
	// landed; downloads already in flight finish but their results never land.
	g.Go(func() error {
		pending := make(map[int]taskResult)
		next := startIdx
		for res := range resultCh {
			if cancelled.Load() {
				continue
			}
			pending[res.task.Index] = res
			for {
				ready, ok := pending[next]
				if !ok {
					break
				}
				stop, err := r.db.CancelRequested(gctx, job.ID)
				if err != nil {
					logger.Warn("cancel check failed", "error", err)
				} else if stop {
					cancelled.Store(true)
					clear(pending)
					break
				}
				delete(pending, next)
				if err := r.commit(gctx, job, plan, ready, count, total); err != nil {
					return err
				}
				next++
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		r.publish(ctx, failEvent(job, err))
		return err
	}

	if cancelled.Load() {
		if err := r.db.MarkJobCancelled(context.WithoutCancel(ctx), job.ID); err != nil {
			return fmt.Errorf("orchestrator: mark cancelled: %w", err)
		}
		r.publish(ctx, model.Event{
			SellerID: job.SellerID, JobID: job.ID,
			Type: model.EventLog, Level: model.LevelWarn,
			Message: fmt.Sprintf("sync cancelled after %d of %d tasks", count.current, total),
			At:      time.Now().UTC(),
		})
		logger.Info("sync cancelled", "current", count.current, "total", total)
		return nil
	}

	return r.finish(ctx, job, conn, count.current, total)
}

// finish completes the job, derives claim candidates, and chains a matching
// job.
func (r *Runner) finish(ctx context.Context, job model.SyncJob, conn model.SourceConnection, current, total int) error {
	if err := r.db.CompleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("orchestrator: complete job: %w", err)
	}
	if err := r.db.TouchConnection(ctx, conn.ID); err != nil {
		r.logger.Warn("touch connection failed", "error", err, "connection_id", conn.ID)
	}

	stats, err := r.gen.Run(ctx, job.SellerID, nil)
	if err != nil {
		// The sync itself succeeded; candidate generation reruns on the
		// next pass.
		r.logger.Error("candidate generation failed", "error", err, "seller_id", job.SellerID)
	} else {
		r.publish(ctx, model.Event{
			SellerID: job.SellerID, JobID: job.ID,
			Type: model.EventLog, Level: model.LevelInfo,
			Message: fmt.Sprintf("derived %d new claim candidates (%d records scanned)", stats.Created, stats.Scanned),
			At:      time.Now().UTC(),
		})
	}

	if _, err := r.db.EnqueueJob(ctx, model.SyncJob{
		SellerID:    job.SellerID,
		Kind:        model.JobMatching,
		State:       model.JobQueued,
		ReportTypes: []model.ReportType{},
	}); err != nil && !errors.Is(err, storage.ErrConflict) {
		r.logger.Error("enqueue matching job failed", "error", err, "seller_id", job.SellerID)
	}

	r.publish(ctx, model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventCompleted, Current: current, Total: total,
		Message: fmt.Sprintf("sync completed: %d of %d tasks", current, total),
		At:      time.Now().UTC(),
	})
	r.logger.Info("sync completed", "job_id", job.ID, "tasks", total)
	return nil
}

// download runs one task's provider call and normalization. The processing
// event carries the committed-task count so the progress stream stays
// monotonic in current; the lock spans the publish to keep wire order aligned
// with the counter.
func (r *Runner) download(ctx context.Context, job model.SyncJob, conn model.SourceConnection, adapter provider.Adapter, creds model.CredentialBundle, task Task, count *progressCount, total int) taskResult {
	count.mu.Lock()
	r.publish(ctx, model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventProgress, Current: count.current, Total: total,
		ReportType: task.ReportType, Status: model.TaskProcessing,
		Message: fmt.Sprintf("downloading %s %s", task.ReportType, task.Window),
		At:      time.Now().UTC(),
	})
	count.mu.Unlock()

	rows, err := adapter.DownloadReport(ctx, job.SellerID, creds, task.ReportType, task.Window)
	if err != nil {
		return taskResult{task: task, err: err}
	}

	records, rowErrs := normalize.Normalize(job.SellerID, conn.Provider, task.ReportType, rows, task.Window, time.Now())
	for _, re := range rowErrs {
		r.logger.Warn("row rejected",
			"seller_id", job.SellerID,
			"report_type", task.ReportType,
			"row", re.Index,
			"reason", re.Reason,
			"error", re.Err,
		)
	}
	return taskResult{task: task, records: records, rowErrors: len(rowErrs)}
}

// commit persists one task's outcome in order. Task failures are absorbed
// unless they are fatal for the whole job.
func (r *Runner) commit(ctx context.Context, job model.SyncJob, plan Plan, res taskResult, count *progressCount, total int) error {
	task := res.task

	if res.err != nil {
		if kind := fault.KindOf(res.err); kind == fault.Auth || kind == fault.Fatal {
			return fmt.Errorf("orchestrator: task %s %s: %w", task.ReportType, task.Window, res.err)
		}
		if err := r.db.SetSyncFailed(ctx, job.SellerID, task.ReportType, res.err.Error()); err != nil {
			r.logger.Warn("set sync failed", "error", err)
		}
		r.advance(ctx, job, plan, task, count, total, model.TaskFailed,
			fmt.Sprintf("%s %s failed: %v", task.ReportType, task.Window, res.err))
		r.logger.Warn("task failed", "report_type", task.ReportType, "window", task.Window.String(), "error", res.err)
		return nil
	}

	result, err := r.db.StoreRecords(ctx, job.SellerID, task.ReportType, res.records, &task.Window, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("orchestrator: store %s %s: %w", task.ReportType, task.Window, err)
	}
	if r.upserted != nil && result.Inserted+result.Updated > 0 {
		r.upserted.Add(ctx, int64(result.Inserted+result.Updated), metric.WithAttributes(
			attribute.String("report_type", string(task.ReportType)),
		))
	}

	r.advance(ctx, job, plan, task, count, total, model.TaskCompleted,
		fmt.Sprintf("%s %s: %d inserted, %d updated, %d skipped",
			task.ReportType, task.Window, result.Inserted, result.Updated, result.Skipped))
	return nil
}

// advance bumps the committed-task counter, checkpoints, and publishes the
// progress event under the counter lock.
func (r *Runner) advance(ctx context.Context, job model.SyncJob, plan Plan, task Task, count *progressCount, total int, status model.TaskStatus, msg string) {
	count.mu.Lock()
	defer count.mu.Unlock()

	count.current++
	r.checkpoint(ctx, job, plan, task, count.current, total)
	r.publish(ctx, model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventProgress, Current: count.current, Total: total,
		ReportType: task.ReportType, Status: status,
		Message: msg,
		At:      time.Now().UTC(),
	})
}

// checkpoint records the next task to run so a retry resumes instead of
// restarting.
func (r *Runner) checkpoint(ctx context.Context, job model.SyncJob, plan Plan, done Task, current, total int) {
	nextIdx := done.Index + 1
	windowIdx := nextIdx / len(plan.Reports)
	reportIdx := nextIdx % len(plan.Reports)
	if err := r.db.CheckpointJob(ctx, job.ID, windowIdx, reportIdx, current, total); err != nil {
		r.logger.Warn("checkpoint failed", "error", err, "job_id", job.ID)
	}
}

// plan resolves the window grid: job-scoped range when set, otherwise the
// configured horizon; the adapter may dictate its own windows.
func (r *Runner) plan(ctx context.Context, job model.SyncJob, adapter provider.Adapter) (Plan, error) {
	now := time.Now().UTC()

	var windows []model.Window
	if job.WindowStart != nil && job.WindowEnd != nil {
		windows = TileRange(*job.WindowStart, *job.WindowEnd, r.cfg.WindowMonths)
	} else {
		windows = Tile(now, r.cfg.MonthsToSync, r.cfg.WindowMonths)
	}
	if len(windows) == 0 {
		return Plan{}, fault.New(fault.Fatal, "orchestrator: empty sync horizon")
	}

	horizon := model.Window{Start: windows[len(windows)-1].Start, End: windows[0].End}
	custom, err := adapter.ListReportWindows(ctx, job.SellerID, horizon)
	switch {
	case errors.Is(err, provider.ErrDefaultTiling):
		// keep the tiled windows
	case err != nil:
		return Plan{}, fmt.Errorf("orchestrator: list report windows: %w", err)
	case len(custom) > 0:
		windows = custom
	}

	return NewPlan(windows, job.ReportTypes), nil
}

// connection resolves the seller's active provider connection and opens its
// credentials.
func (r *Runner) connection(ctx context.Context, sellerID uuid.UUID) (model.SourceConnection, provider.Adapter, model.CredentialBundle, error) {
	conns, err := r.db.ListConnections(ctx, sellerID)
	if err != nil {
		return model.SourceConnection{}, nil, model.CredentialBundle{}, fmt.Errorf("orchestrator: list connections: %w", err)
	}
	for _, conn := range conns {
		if conn.Status != model.ConnectionActive {
			continue
		}
		adapter, err := r.registry.Get(conn.Provider)
		if err != nil {
			return model.SourceConnection{}, nil, model.CredentialBundle{}, err
		}
		creds, err := r.box.OpenCredentials(conn.Credentials)
		if err != nil {
			return model.SourceConnection{}, nil, model.CredentialBundle{}, fault.Wrap(fault.Fatal, "orchestrator: open credentials", err)
		}
		return conn, adapter, creds, nil
	}
	return model.SourceConnection{}, nil, model.CredentialBundle{}, fault.Newf(fault.Fatal, "orchestrator: seller %s has no active connection", sellerID)
}

func (r *Runner) publish(ctx context.Context, ev model.Event) {
	if r.pub == nil {
		return
	}
	if err := r.pub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Warn("publish event failed", "error", err, "job_id", ev.JobID)
	}
}

func failEvent(job model.SyncJob, err error) model.Event {
	return model.Event{
		SellerID: job.SellerID, JobID: job.ID,
		Type: model.EventFailed, Level: model.LevelError,
		Message: err.Error(),
		At:      time.Now().UTC(),
	}
}

// TileRange tiles an explicit [start, end) span into windows, newest first.
func TileRange(start, end time.Time, windowMonths int) []model.Window {
	if windowMonths <= 0 || !end.After(start) {
		return nil
	}
	var windows []model.Window
	cursor := end.UTC()
	start = start.UTC()
	for cursor.After(start) {
		ws := cursor.AddDate(0, -windowMonths, 0)
		if ws.Before(start) {
			ws = start
		}
		windows = append(windows, model.Window{Start: ws, End: cursor})
		cursor = ws
	}
	return windows
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
