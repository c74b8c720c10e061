package library

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-render/internal/export"
	"github.com/heimdex/heimdex-render/internal/logging"
	"github.com/heimdex/heimdex-render/internal/timeline"
)

var ErrNotCancelable = errors.New("export already finished")

// ProgressPublisher fans progress out to live subscribers.
type ProgressPublisher interface {
	Publish(p export.Progress)
}

type RunnerConfig struct {
	Repo      Repository
	Exporter  *export.Exporter
	Projects  timeline.Store
	Publisher ProgressPublisher
	// Fallback keeps the artifact of a partial export downloadable when
	// its destination rejected it.
	Fallback     export.Sink
	Logger       *slog.Logger
	Concurrency  int
	PollInterval time.Duration
}

type activeRun struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
}

// Runner drains the export queue with bounded concurrency.
type Runner struct {
	repo         Repository
	exporter     *export.Exporter
	projects     timeline.Store
	publisher    ProgressPublisher
	fallback     export.Sink
	logger       *slog.Logger
	pollInterval time.Duration

	slots chan struct{}
	wake  chan struct{}

	running atomic.Bool
	paused  atomic.Bool

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Runner{
		repo:         cfg.Repo,
		exporter:     cfg.Exporter,
		projects:     cfg.Projects,
		publisher:    cfg.Publisher,
		fallback:     cfg.Fallback,
		logger:       cfg.Logger,
		pollInterval: cfg.PollInterval,
		slots:        make(chan struct{}, cfg.Concurrency),
		wake:         make(chan struct{}, 1),
		active:       make(map[string]*activeRun),
	}
}

// Start polls for queued exports until ctx is done, then waits for
// in-flight runs to wind down.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("export runner started", "concurrency", cap(r.slots))

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("export runner stopping", "active", r.ActiveCount())
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
		case <-r.wake:
		}
		if !r.paused.Load() {
			r.dispatch(ctx)
		}
	}
}

// Enqueue records a new export of projectID and wakes the runner.
func (r *Runner) Enqueue(ctx context.Context, projectID string, cfg export.Config) (*Export, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := r.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	e := &Export{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		ProjectName: p.Name,
		Format:      cfg.Format,
		Destination: cfg.Destination,
		Resolution:  cfg.Resolution,
		Quality:     cfg.Quality,
		FPS:         cfg.FPS,
		Status:      StatusQueued,
		Message:     "Queued",
	}
	if err := r.repo.CreateExport(ctx, e); err != nil {
		return nil, fmt.Errorf("create export: %w", err)
	}
	r.logger.Info("export queued", "export_id", e.ID, "project_id", projectID, "format", string(cfg.Format))
	r.Kick()
	return e, nil
}

// Kick triggers a dispatch without waiting for the next poll.
func (r *Runner) Kick() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Cancel stops a running export or withdraws a queued one.
func (r *Runner) Cancel(ctx context.Context, id string) error {
	if r.cancelActive(id) {
		return nil
	}

	e, err := r.repo.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if e.Status == StatusQueued {
		withdrawn, err := r.repo.CancelQueuedExport(ctx, id, "canceled before start")
		if err != nil {
			return err
		}
		if withdrawn {
			r.publish(export.Progress{ExportID: id, Percentage: e.Progress, Message: "Export canceled", State: StatusCanceled, Done: true})
			return nil
		}
		// Claimed by a dispatch between the read and the update.
		if r.cancelActive(id) {
			return nil
		}
	}
	return ErrNotCancelable
}

func (r *Runner) cancelActive(id string) bool {
	r.mu.Lock()
	run, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.canceled.Store(true)
	run.cancel()
	r.logger.Info("export cancel requested", "export_id", id)
	return true
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("export runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("export runner resumed")
	r.Kick()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) dispatch(ctx context.Context) {
	queued, err := r.repo.ListQueuedExports(ctx)
	if err != nil {
		r.logger.Error("failed to list queued exports", "error", err)
		return
	}

	for _, e := range queued {
		select {
		case r.slots <- struct{}{}:
		default:
			return
		}

		claimed, err := r.repo.ClaimExport(ctx, e.ID)
		if err != nil || !claimed {
			<-r.slots
			if err != nil {
				r.logger.Error("failed to claim export", "export_id", e.ID, "error", err)
			}
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		run := &activeRun{cancel: cancel}
		r.mu.Lock()
		r.active[e.ID] = run
		r.mu.Unlock()

		r.wg.Add(1)
		go func(e *Export) {
			defer func() {
				if p := recover(); p != nil {
					r.recoverRun(runCtx, e.ID, p)
				}
				cancel()
				r.mu.Lock()
				delete(r.active, e.ID)
				r.mu.Unlock()
				<-r.slots
				r.wg.Done()
			}()
			r.execute(runCtx, e, run)
		}(e)
	}
}

func (r *Runner) execute(ctx context.Context, e *Export, run *activeRun) {
	logger := logging.WithExportID(r.logger, e.ID).With("project_id", e.ProjectID)
	logger.Info("processing export", "format", string(e.Format), "destination", string(e.Destination))

	// Row updates must land even after the run's context is canceled.
	store := context.WithoutCancel(ctx)

	p, err := r.projects.Get(ctx, e.ProjectID)
	if err != nil {
		r.publish(export.Progress{ExportID: e.ID, Message: "Project unavailable", State: StatusFailed, Done: true})
		r.complete(store, e.ID, Outcome{Status: StatusFailed, Error: err.Error(), Message: "Project unavailable"}, logger)
		return
	}

	session := r.exporter.NewSession(e.ID, r.progressNotifier(store, e.ID))
	res, err := session.Start(ctx, p, e.Config())

	o := Outcome{Message: session.Progress().Message}
	if res != nil {
		o.Warnings = res.WarningMessages()
		o.Elapsed = res.Elapsed
	}
	switch {
	case run.canceled.Load():
		o.Status = StatusCanceled
		o.Error = "canceled by user"
		o.Message = "Export canceled"
	case err != nil:
		o.Status = StatusFailed
		o.Error = err.Error()
	case res.Status == export.StatusPartial:
		o.Status = StatusPartial
		if n := len(res.Warnings); n > 0 {
			o.Error = res.Warnings[n-1].Error()
		}
		r.keepFallback(store, e.ID, res.Artifact, &o, logger)
	default:
		o.Status = StatusSucceeded
	}
	if res != nil && res.Artifact != nil {
		o.ArtifactSize = res.Artifact.Size()
		o.ContentType = res.Artifact.ContentType
	}
	if res != nil && res.Delivery != nil {
		o.Location = res.Delivery.Location
		o.ShareToken = res.Delivery.ShareToken
		o.ArtifactPath = res.Delivery.LocalPath
	}
	r.complete(store, e.ID, o, logger)
}

// recoverRun records a run that panicked outside the export pipeline's own
// recovery so the row does not stay running.
func (r *Runner) recoverRun(ctx context.Context, id string, p any) {
	logger := logging.WithExportID(r.logger, id)
	logger.Error("export run panicked", "panic", p, "stack", string(debug.Stack()))
	o := Outcome{Status: StatusFailed, Error: fmt.Sprintf("internal error: %v", p), Message: "Export failed"}
	r.complete(context.WithoutCancel(ctx), id, o, logger)
	r.publish(export.Progress{ExportID: id, Message: o.Message, State: StatusFailed, Done: true})
}

func (r *Runner) keepFallback(ctx context.Context, id string, art *export.Artifact, o *Outcome, logger *slog.Logger) {
	if r.fallback == nil || art == nil {
		return
	}
	d, err := r.fallback.Deliver(ctx, id, art)
	if err != nil {
		logger.Warn("failed to keep artifact of partial export", "error", err)
		return
	}
	o.ArtifactPath = d.LocalPath
}

func (r *Runner) complete(ctx context.Context, id string, o Outcome, logger *slog.Logger) {
	if err := r.repo.CompleteExport(ctx, id, o); err != nil {
		logger.Error("failed to record export outcome", "error", err)
	}
	logger.Info("export finished", "status", o.Status, "elapsed_ms", o.Elapsed.Milliseconds(), "warnings", len(o.Warnings))
	if o.Status == StatusCanceled {
		r.publish(export.Progress{ExportID: id, Message: o.Message, State: o.Status, Done: true})
	}
}

// progressNotifier forwards every update to subscribers and persists
// whole-percent steps.
func (r *Runner) progressNotifier(ctx context.Context, id string) export.Notifier {
	var mu sync.Mutex
	lastPct := -1.0
	lastState := ""
	return export.NotifierFunc(func(p export.Progress) {
		r.publish(p)

		mu.Lock()
		step := math.Floor(p.Percentage)
		changed := step != lastPct || p.State != lastState || p.Done
		lastPct, lastState = step, p.State
		mu.Unlock()
		if !changed {
			return
		}
		if err := r.repo.UpdateExportProgress(ctx, id, p.Percentage, p.Message); err != nil {
			r.logger.Warn("failed to persist progress", "export_id", id, "error", err)
		}
	})
}

func (r *Runner) publish(p export.Progress) {
	if r.publisher != nil {
		r.publisher.Publish(p)
	}
}
