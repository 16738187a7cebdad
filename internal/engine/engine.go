// Package engine runs the daily outreach batch and the dead-letter sweep.
//
// A run reserves today's batch window, collects the eligible leads of that
// window plus follow-ups that fell due elsewhere in the pool, derives each
// lead's next action and fans the dispatches out over a bounded worker pool.
// The window only advances once every lead in it was handled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/dispatch"
	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/events"
	"github.com/BTreeMap/OutreachPipe/internal/lifecycle"
	"github.com/BTreeMap/OutreachPipe/internal/lock"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/quota"
	"github.com/BTreeMap/OutreachPipe/internal/scheduler"
	"github.com/BTreeMap/OutreachPipe/internal/selector"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunInProgress is returned when another batch run or sweep holds the lock.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrOutsideBusinessHours is returned when a scheduled run fires outside
	// the business-hours window.
	ErrOutsideBusinessHours = errors.New("outside business hours")
)

const (
	batchLockKey = "daily-batch"
	sweepLockKey = "dlq-sweep"
)

// Config holds run parameters.
type Config struct {
	BatchSize      int
	Workers        int
	BusinessHours  scheduler.BusinessHours
	LeadLocalHours bool
	RunLockTTL     time.Duration
	SweepLimit     int
}

// DefaultConfig returns the default run parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:     400,
		Workers:       8,
		BusinessHours: scheduler.DefaultBusinessHours(time.UTC),
		RunLockTTL:    2 * time.Hour,
		SweepLimit:    100,
	}
}

// RunObserver is told about every finished batch run.
type RunObserver interface {
	RunFinished(run *models.BatchRun)
}

// SweepResult summarizes one DLQ sweep.
type SweepResult struct {
	Claimed   int       `json:"claimed"`
	Resolved  int       `json:"resolved"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Deferred  int       `json:"deferred"`
	StartedAt time.Time `json:"started_at"`
}

// Engine wires selection, quota and dispatch into runs.
type Engine struct {
	runs       store.BatchRunRepo
	quota      *quota.Tracker
	selector   *selector.Selector
	dispatcher *dispatch.Dispatcher
	queue      *dlq.Queue
	locker     lock.Locker
	events     *events.Recorder
	clock      util.Clock
	cfg        Config
	observers  []RunObserver
}

// New creates an Engine. rec may be nil.
func New(runs store.BatchRunRepo, q *quota.Tracker, sel *selector.Selector, d *dispatch.Dispatcher, queue *dlq.Queue, locker lock.Locker, rec *events.Recorder, clock util.Clock, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BusinessHours.Validate() != nil {
		cfg.BusinessHours = def.BusinessHours
	}
	if cfg.RunLockTTL <= 0 {
		cfg.RunLockTTL = def.RunLockTTL
	}
	if cfg.SweepLimit <= 0 {
		cfg.SweepLimit = def.SweepLimit
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	if locker == nil {
		locker = lock.NewLocalLocker(clock)
	}
	return &Engine{
		runs:       runs,
		quota:      q,
		selector:   sel,
		dispatcher: d,
		queue:      queue,
		locker:     locker,
		events:     rec,
		clock:      clock,
		cfg:        cfg,
	}
}

// Observe registers a run observer.
func (e *Engine) Observe(o RunObserver) {
	if o != nil {
		e.observers = append(e.observers, o)
	}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Today returns the current date in the business time zone.
func (e *Engine) Today() models.Date {
	return models.DateOf(e.now())
}

func (e *Engine) now() time.Time {
	loc := e.cfg.BusinessHours.Location
	if loc == nil {
		loc = time.UTC
	}
	return e.clock.Now().In(loc)
}

// SendNow runs the current batch immediately, outside the schedule and the
// business-hours gate. The quota and per-lead claims still apply.
func (e *Engine) SendNow(ctx context.Context) (*models.BatchRun, error) {
	return e.RunDaily(ctx, models.RunTriggerManual)
}

// runTally collects per-lead outcomes from the workers.
type runTally struct {
	mu           sync.Mutex
	processed    int
	sent         int
	failed       int
	skipped      int
	deferred     int
	unfinished   int
	quotaStopped bool
}

func (t *runTally) add(res dispatch.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch res.Outcome {
	case dispatch.OutcomeSent:
		t.processed++
		t.sent++
	case dispatch.OutcomeFailed:
		t.processed++
		t.failed++
	case dispatch.OutcomeSkipped:
		t.processed++
		t.skipped++
	case dispatch.OutcomeQuotaExhausted:
		t.unfinished++
		t.quotaStopped = true
	case dispatch.OutcomeCancelled:
		t.unfinished++
	}
}

func (t *runTally) deferLead() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped++
	t.deferred++
}

func (t *runTally) stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quotaStopped
}

func (t *runTally) notStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unfinished++
}

// RunDaily executes one batch run.
func (e *Engine) RunDaily(ctx context.Context, trigger models.RunTrigger) (*models.BatchRun, error) {
	now := e.now()
	if trigger == models.RunTriggerScheduled && !e.cfg.BusinessHours.Contains(now) {
		slog.Debug("Engine.RunDaily: outside business hours", "now", now)
		return nil, ErrOutsideBusinessHours
	}

	unlock, err := e.locker.Acquire(ctx, batchLockKey, e.cfg.RunLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Engine.RunDaily: failed to release run lock", "error", err)
		}
	}()

	today := models.DateOf(now)
	window, err := e.quota.ReserveNextBatch(ctx, today, e.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("reserve batch window: %w", err)
	}

	run := &models.BatchRun{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		Date:        today,
		BatchOffset: window.Offset,
		Status:      models.RunStatusRunning,
		StartedAt:   e.clock.Now().UTC(),
	}
	if err := e.runs.CreateBatchRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create batch run: %w", err)
	}
	slog.Info("Engine.RunDaily: run started", "runID", run.ID, "trigger", trigger, "date", today,
		"offset", window.Offset, "start", window.Start(), "end", window.End())

	runErr := e.execute(ctx, run, window, today, trigger)
	e.finish(ctx, run, runErr)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

func (e *Engine) execute(ctx context.Context, run *models.BatchRun, window models.BatchWindow, today models.Date, trigger models.RunTrigger) error {
	eligible, windowSize, err := e.selector.SelectWindow(ctx, window)
	if err != nil {
		return err
	}
	due, err := e.selector.SelectDueFollowUps(ctx, today, e.cfg.BatchSize, eligible)
	if err != nil {
		return err
	}
	candidates := append(append([]models.Lead(nil), eligible...), due...)
	run.Total = len(candidates)

	tally := &runTally{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range candidates {
		lead := candidates[i]
		if gctx.Err() != nil || tally.stopped() {
			tally.notStarted()
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil || tally.stopped() {
				tally.notStarted()
				return nil
			}
			action := lifecycle.NextAction(&lead, today)
			if action.IsSend() && trigger == models.RunTriggerScheduled && e.cfg.LeadLocalHours &&
				!e.cfg.BusinessHours.In(scheduler.LocationForCountry(lead.Country)).Contains(e.clock.Now()) {
				slog.Debug("Engine.RunDaily: outside lead business hours", "leadID", lead.ID, "country", lead.Country)
				tally.deferLead()
				return nil
			}
			res, err := e.dispatcher.Dispatch(gctx, &lead, action, today)
			if err != nil {
				tally.notStarted()
				return fmt.Errorf("dispatch lead %s: %w", lead.ID, err)
			}
			tally.add(res)
			return nil
		})
	}
	groupErr := g.Wait()

	run.Processed = tally.processed
	run.Sent = tally.sent
	run.Failed = tally.failed
	run.Skipped = tally.skipped

	if tally.processed > 0 {
		if err := e.quota.RecordProcessed(context.WithoutCancel(ctx), today, tally.processed); err != nil {
			slog.Error("Engine.RunDaily: failed to record processed count", "error", err)
		}
	}
	if groupErr != nil {
		return groupErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case windowSize == 0:
		slog.Info("Engine.RunDaily: window is past the end of the lead pool", "offset", window.Offset)
	case tally.quotaStopped:
		slog.Info("Engine.RunDaily: daily quota reached, window kept", "offset", window.Offset)
	case tally.deferred > 0 || tally.unfinished > 0:
		slog.Info("Engine.RunDaily: window incomplete, kept", "offset", window.Offset,
			"deferred", tally.deferred, "unfinished", tally.unfinished)
	default:
		if err := e.quota.Complete(ctx, window); err != nil {
			if errors.Is(err, quota.ErrWindowMoved) {
				slog.Warn("Engine.RunDaily: window already advanced", "offset", window.Offset)
				return nil
			}
			return err
		}
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, run *models.BatchRun, runErr error) {
	finished := e.clock.Now().UTC()
	run.FinishedAt = &finished
	switch {
	case runErr == nil:
		run.Status = models.RunStatusCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		run.Status = models.RunStatusCancelled
		run.Error = runErr.Error()
	default:
		run.Status = models.RunStatusFailed
		run.Error = runErr.Error()
	}

	book := context.WithoutCancel(ctx)
	if err := e.runs.FinishBatchRun(book, run); err != nil {
		slog.Error("Engine.RunDaily: failed to finish batch run", "runID", run.ID, "error", err)
	}
	e.events.BatchFinished(book, run)
	for _, o := range e.observers {
		o.RunFinished(run)
	}

	attrs := []any{"runID", run.ID, "status", run.Status, "total", run.Total, "processed", run.Processed,
		"sent", run.Sent, "failed", run.Failed, "skipped", run.Skipped}
	if runErr != nil && run.Status == models.RunStatusFailed {
		slog.Error("Engine.RunDaily: run failed", append(attrs, "error", runErr)...)
		return
	}
	slog.Info("Engine.RunDaily: run finished", attrs...)
}

// RetrySweep retries every dead-letter record whose backoff has elapsed.
// Scheduled sweeps respect business hours; manual sweeps do not.
func (e *Engine) RetrySweep(ctx context.Context, trigger models.RunTrigger) (*SweepResult, error) {
	now := e.now()
	if trigger == models.RunTriggerScheduled && !e.cfg.BusinessHours.Contains(now) {
		return nil, ErrOutsideBusinessHours
	}
	unlock, err := e.locker.Acquire(ctx, sweepLockKey, e.cfg.RunLockTTL)
	if errors.Is(err, lock.ErrLocked) {
		return nil, ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Engine.RetrySweep: failed to release sweep lock", "error", err)
		}
	}()

	result := &SweepResult{StartedAt: e.clock.Now().UTC()}
	recs, err := e.queue.RetryReady(ctx, e.clock.Now(), e.cfg.SweepLimit)
	if err != nil {
		return nil, err
	}
	result.Claimed = len(recs)
	if len(recs) == 0 {
		return result, nil
	}
	today := models.DateOf(now)

	var mu sync.Mutex
	quotaStopped := false
	started := make([]bool, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := range recs {
		g.Go(func() error {
			mu.Lock()
			if quotaStopped || gctx.Err() != nil {
				mu.Unlock()
				return nil
			}
			started[i] = true
			mu.Unlock()

			res, err := e.dispatcher.Redeliver(gctx, &recs[i], today)
			if err != nil {
				return fmt.Errorf("redeliver %s: %w", recs[i].ID, err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch res.Outcome {
			case dispatch.OutcomeSent:
				result.Resolved++
			case dispatch.OutcomeFailed:
				result.Failed++
			case dispatch.OutcomeSkipped:
				result.Skipped++
			case dispatch.OutcomeQuotaExhausted:
				result.Deferred++
				quotaStopped = true
			case dispatch.OutcomeCancelled:
				result.Deferred++
			}
			return nil
		})
	}
	groupErr := g.Wait()

	// Records claimed but never attempted go back to PENDING unchanged.
	book := context.WithoutCancel(ctx)
	for i := range recs {
		if started[i] {
			continue
		}
		result.Deferred++
		if err := e.queue.Release(book, &recs[i], e.clock.Now()); err != nil {
			slog.Error("Engine.RetrySweep: failed to release record", "failureID", recs[i].ID, "error", err)
		}
	}

	slog.Info("Engine.RetrySweep: sweep finished", "claimed", result.Claimed, "resolved", result.Resolved,
		"failed", result.Failed, "skipped", result.Skipped, "deferred", result.Deferred)
	if groupErr != nil {
		return result, groupErr
	}
	return result, nil
}
