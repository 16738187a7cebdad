// Package quota tracks per-day send progress: which slice of the lead pool
// is today's batch window and how many send slots remain.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

var (
	// ErrQuotaExhausted is returned when today's send limit has been reached.
	ErrQuotaExhausted = errors.New("daily quota exhausted")
	// ErrWindowMoved is returned by Complete when another run already
	// advanced the offset past the completed window.
	ErrWindowMoved = errors.New("batch window already advanced")
)

// Tracker wraps the quota repository with batch window and send slot semantics.
type Tracker struct {
	repo       store.QuotaRepo
	dailyLimit int
}

// NewTracker creates a Tracker. A non-positive dailyLimit uses models.DefaultDailyLimit.
func NewTracker(repo store.QuotaRepo, dailyLimit int) *Tracker {
	if dailyLimit <= 0 {
		dailyLimit = models.DefaultDailyLimit
	}
	return &Tracker{repo: repo, dailyLimit: dailyLimit}
}

// DailyLimit returns the limit new quota rows are created with.
func (t *Tracker) DailyLimit() int {
	return t.dailyLimit
}

// ReserveNextBatch returns today's batch window, creating today's quota row
// if needed. The offset is not advanced; call Complete once every lead in the
// window has been processed.
func (t *Tracker) ReserveNextBatch(ctx context.Context, today models.Date, batchSize int) (models.BatchWindow, error) {
	if batchSize <= 0 {
		return models.BatchWindow{}, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	q, err := t.repo.GetOrCreateDailyQuota(ctx, today, t.dailyLimit)
	if err != nil {
		return models.BatchWindow{}, fmt.Errorf("reserve batch for %s: %w", today, err)
	}
	w := models.BatchWindow{Date: today, Offset: q.BatchOffset, Size: batchSize}
	slog.Debug("Tracker.ReserveNextBatch", "date", today, "offset", w.Offset, "start", w.Start(), "end", w.End())
	return w, nil
}

// Complete advances the offset past window. It fails with ErrWindowMoved if
// the stored offset is no longer window.Offset.
func (t *Tracker) Complete(ctx context.Context, window models.BatchWindow) error {
	ok, err := t.repo.AdvanceBatchOffset(ctx, window.Date, window.Offset)
	if err != nil {
		return fmt.Errorf("complete batch window %d for %s: %w", window.Offset, window.Date, err)
	}
	if !ok {
		return fmt.Errorf("complete batch window %d for %s: %w", window.Offset, window.Date, ErrWindowMoved)
	}
	slog.Info("Tracker.Complete: batch window advanced", "date", window.Date, "from", window.Offset, "to", window.Offset+1)
	return nil
}

// TakeSlot reserves one send against today's limit, creating today's quota
// row if no run has created it yet.
func (t *Tracker) TakeSlot(ctx context.Context, today models.Date) error {
	if _, err := t.repo.GetOrCreateDailyQuota(ctx, today, t.dailyLimit); err != nil {
		return fmt.Errorf("take send slot for %s: %w", today, err)
	}
	ok, err := t.repo.ReserveSend(ctx, today)
	if err != nil {
		return fmt.Errorf("take send slot for %s: %w", today, err)
	}
	if !ok {
		return ErrQuotaExhausted
	}
	return nil
}

// ReleaseSlot returns a slot whose send did not succeed.
func (t *Tracker) ReleaseSlot(ctx context.Context, today models.Date) error {
	return t.repo.RefundSend(ctx, today)
}

// RecordProcessed adds n to today's leads_processed counter.
func (t *Tracker) RecordProcessed(ctx context.Context, today models.Date, n int) error {
	return t.repo.AddLeadsProcessed(ctx, today, n)
}

// Today returns today's quota row, creating it if needed.
func (t *Tracker) Today(ctx context.Context, today models.Date) (*models.DailyQuota, error) {
	return t.repo.GetOrCreateDailyQuota(ctx, today, t.dailyLimit)
}

// Remaining returns the number of sends still allowed today.
func (t *Tracker) Remaining(ctx context.Context, today models.Date) (int, error) {
	q, err := t.Today(ctx, today)
	if err != nil {
		return 0, err
	}
	return q.Remaining(), nil
}

// History returns the most recent quota rows, newest first.
func (t *Tracker) History(ctx context.Context, limit int) ([]models.DailyQuota, error) {
	return t.repo.ListDailyQuotas(ctx, limit)
}
