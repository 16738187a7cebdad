package recovery

import (
	"context"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/dlq"
	"github.com/BTreeMap/OutreachPipe/internal/store"
)

// Func adapts a function to Recoverable.
type Func struct {
	name string
	fn   func(ctx context.Context, now time.Time) (int, error)
}

// NewFunc creates a named Recoverable from fn.
func NewFunc(name string, fn func(ctx context.Context, now time.Time) (int, error)) Func {
	return Func{name: name, fn: fn}
}

func (f Func) Name() string { return f.name }

func (f Func) Recover(ctx context.Context, now time.Time) (int, error) {
	return f.fn(ctx, now)
}

// RetryingRecords returns DLQ records stuck in RETRYING for longer than
// staleAfter to PENDING.
func RetryingRecords(queue *dlq.Queue, staleAfter time.Duration) Recoverable {
	return NewFunc("dlq", func(ctx context.Context, now time.Time) (int, error) {
		return queue.RecoverStale(ctx, staleAfter)
	})
}

// LeadClaims releases lead claims older than ttl.
func LeadClaims(leads store.LeadRepo, ttl time.Duration) Recoverable {
	return NewFunc("lead_claims", func(ctx context.Context, now time.Time) (int, error) {
		return leads.ReleaseExpiredClaims(ctx, now.Add(-ttl))
	})
}

// OutboxMessages requeues outbox messages stuck in sending for longer than
// staleAfter.
func OutboxMessages(repo store.OutboxRepo, staleAfter time.Duration) Recoverable {
	return NewFunc("outbox", func(ctx context.Context, now time.Time) (int, error) {
		return repo.RequeueStaleSendingMessages(ctx, now.Add(-staleAfter))
	})
}

// InterruptedRuns marks batch runs still "running" as failed. Only safe at
// startup, before any run can begin.
func InterruptedRuns(runs store.BatchRunRepo) Recoverable {
	return NewFunc("batch_runs", func(ctx context.Context, now time.Time) (int, error) {
		return runs.FailInterruptedRuns(ctx, now)
	})
}
