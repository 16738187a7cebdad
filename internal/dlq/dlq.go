// Package dlq implements the bounded retry queue for failed sends.
//
// A failed send creates or refreshes one open record per lead action. The
// sweep claims records whose backoff has elapsed, retries them, and either
// resolves them or counts the attempt. Records end FAILED once their attempts
// are exhausted and are never deleted.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

const (
	// DefaultBackoffBase is the delay before the first retry.
	DefaultBackoffBase = time.Hour
	// DefaultBackoffCeiling caps the delay between retries.
	DefaultBackoffCeiling = 4 * time.Hour
	// MaxErrorMessageLength bounds stored error messages.
	MaxErrorMessageLength = 2000
)

// Policy controls retry budgets and delays.
type Policy struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCeiling time.Duration
}

// DefaultPolicy returns the default retry policy: three attempts, 1h doubling
// up to 4h.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    models.DefaultMaxAttempts,
		BackoffBase:    DefaultBackoffBase,
		BackoffCeiling: DefaultBackoffCeiling,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = d.BackoffBase
	}
	if p.BackoffCeiling < p.BackoffBase {
		p.BackoffCeiling = p.BackoffBase
	}
	return p
}

// MaxAttemptsFor returns the retry budget for an error type. VALIDATION
// errors are not retried.
func (p Policy) MaxAttemptsFor(t models.ErrorType) int {
	if !t.Retryable() {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the delay after the given attempt number (1-based):
// base * 2^(attempt-1), capped at the ceiling. It is non-decreasing in attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCeiling || d <= 0 {
			return p.BackoffCeiling
		}
	}
	if d > p.BackoffCeiling {
		return p.BackoffCeiling
	}
	return d
}

// Observer is notified about queue transitions. All methods must be cheap and
// must not block.
type Observer interface {
	FailureEnqueued(rec *models.FailedEmail)
	RecordQuarantined(rec *models.FailedEmail)
	RecordResolved(rec *models.FailedEmail)
}

// Queue is the dead-letter queue.
type Queue struct {
	repo      store.FailedEmailRepo
	leads     store.LeadRepo
	policy    Policy
	clock     util.Clock
	observers []Observer
}

// New creates a Queue. leads may be nil, in which case the retry mirror on the
// lead record is not maintained.
func New(repo store.FailedEmailRepo, leads store.LeadRepo, policy Policy, clock util.Clock) *Queue {
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Queue{repo: repo, leads: leads, policy: policy.normalized(), clock: clock}
}

// Observe registers an observer.
func (q *Queue) Observe(o Observer) {
	if o != nil {
		q.observers = append(q.observers, o)
	}
}

// Policy returns the effective policy.
func (q *Queue) Policy() Policy {
	return q.policy
}

// EnqueueFailure records a failed first-time send of action for lead. An
// existing open record for the same lead action is refreshed instead of
// duplicated. VALIDATION failures are stored directly as FAILED.
func (q *Queue) EnqueueFailure(ctx context.Context, lead *models.Lead, action models.Action, msg models.RenderedMessage, errType models.ErrorType, sendErr error) (*models.FailedEmail, error) {
	now := q.clock.Now()
	rec := &models.FailedEmail{
		LeadID:        lead.ID,
		Action:        action,
		EmailTo:       msg.To,
		Subject:       msg.Subject,
		Body:          msg.Body,
		ErrorMessage:  errorMessage(sendErr),
		ErrorType:     errType,
		AttemptCount:  1,
		MaxAttempts:   q.policy.MaxAttemptsFor(errType),
		LastAttemptAt: &now,
		Status:        models.DLQStatusPending,
	}
	if rec.AttemptCount >= rec.MaxAttempts {
		rec.Status = models.DLQStatusFailed
	} else {
		next := now.Add(q.policy.Backoff(1))
		rec.NextRetryAt = &next
	}

	saved, err := q.repo.UpsertFailedEmail(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("enqueue failure for lead %s %s: %w", lead.ID, action, err)
	}
	slog.Info("Queue.EnqueueFailure", "id", saved.ID, "leadID", lead.ID, "action", action,
		"errorType", errType, "status", saved.Status, "nextRetryAt", saved.NextRetryAt)

	q.mirror(ctx, saved)
	for _, o := range q.observers {
		o.FailureEnqueued(saved)
		if saved.Status == models.DLQStatusFailed {
			o.RecordQuarantined(saved)
		}
	}
	return saved, nil
}

// RetryReady claims up to limit records whose next retry time has passed.
// Claimed records are RETRYING until RecordAttempt or Release is called.
func (q *Queue) RetryReady(ctx context.Context, now time.Time, limit int) ([]models.FailedEmail, error) {
	if limit <= 0 {
		limit = 50
	}
	recs, err := q.repo.ClaimRetryReady(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim retry-ready records: %w", err)
	}
	if len(recs) > 0 {
		slog.Debug("Queue.RetryReady: claimed", "count", len(recs))
	}
	return recs, nil
}

// RecordAttempt records the outcome of a retry. A nil sendErr resolves the
// record. Otherwise the attempt is counted; the record becomes FAILED when its
// attempts are exhausted or the error is not retryable, else it is scheduled
// for the next backoff.
func (q *Queue) RecordAttempt(ctx context.Context, rec *models.FailedEmail, errType models.ErrorType, sendErr error, now time.Time) (*models.FailedEmail, error) {
	if sendErr == nil {
		saved, err := q.repo.RecordSuccessfulAttempt(ctx, rec.ID, now)
		if err != nil {
			return nil, fmt.Errorf("record successful attempt for %s: %w", rec.ID, err)
		}
		slog.Info("Queue.RecordAttempt: resolved", "id", saved.ID, "leadID", saved.LeadID, "attempts", saved.AttemptCount)
		q.mirror(ctx, saved)
		for _, o := range q.observers {
			o.RecordResolved(saved)
		}
		return saved, nil
	}

	// This retry is attempt AttemptCount+1; the delay after attempt n is Backoff(n).
	next := now.Add(q.policy.Backoff(rec.AttemptCount + 1))
	saved, err := q.repo.RecordFailedAttempt(ctx, rec.ID, errorMessage(sendErr), errType, now, next)
	if err != nil {
		return nil, fmt.Errorf("record failed attempt for %s: %w", rec.ID, err)
	}
	if !errType.Retryable() && !saved.Status.IsTerminal() {
		// Non-retryable errors use up the remaining attempts.
		saved, err = q.exhaust(ctx, saved, sendErr, errType, now)
		if err != nil {
			return nil, err
		}
	}
	slog.Warn("Queue.RecordAttempt: retry failed", "id", saved.ID, "leadID", saved.LeadID,
		"attempts", saved.AttemptCount, "maxAttempts", saved.MaxAttempts, "status", saved.Status, "errorType", errType)

	q.mirror(ctx, saved)
	if saved.Status == models.DLQStatusFailed {
		for _, o := range q.observers {
			o.RecordQuarantined(saved)
		}
	}
	return saved, nil
}

func (q *Queue) exhaust(ctx context.Context, rec *models.FailedEmail, sendErr error, errType models.ErrorType, now time.Time) (*models.FailedEmail, error) {
	cur := rec
	for !cur.Status.IsTerminal() {
		next, err := q.repo.RecordFailedAttempt(ctx, cur.ID, errorMessage(sendErr), errType, now, now)
		if err != nil {
			return nil, fmt.Errorf("quarantine %s: %w", cur.ID, err)
		}
		if next.AttemptCount == cur.AttemptCount && next.Status == cur.Status {
			break
		}
		cur = next
	}
	return cur, nil
}

// Release returns a claimed record to PENDING without counting an attempt.
func (q *Queue) Release(ctx context.Context, rec *models.FailedEmail, retryAt time.Time) error {
	return q.repo.ReleaseRetry(ctx, rec.ID, retryAt)
}

// ResolveForReply closes every open record of a lead that replied.
func (q *Queue) ResolveForReply(ctx context.Context, leadID string) (int, error) {
	n, err := q.repo.ResolveOpenForLead(ctx, leadID, "lead replied", q.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Queue.ResolveForReply: cancelled open retries", "leadID", leadID, "count", n)
	}
	return n, nil
}

// HasOpen reports whether lead has an open record for action.
func (q *Queue) HasOpen(ctx context.Context, leadID string, action models.Action) (bool, error) {
	_, err := q.repo.OpenFailedEmail(ctx, leadID, action)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns one record.
func (q *Queue) Get(ctx context.Context, id string) (*models.FailedEmail, error) {
	return q.repo.GetFailedEmail(ctx, id)
}

// List returns records matching f, newest first.
func (q *Queue) List(ctx context.Context, f store.DLQFilter) ([]models.FailedEmail, error) {
	return q.repo.ListFailedEmails(ctx, f)
}

// Stats counts records by status and error type.
func (q *Queue) Stats(ctx context.Context) (models.DLQStats, error) {
	return q.repo.DLQStats(ctx)
}

// RecoverStale requeues records left RETRYING by a crashed process.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.repo.RequeueStaleRetrying(ctx, q.clock.Now().Add(-olderThan))
}

// mirror copies the retry position of an open record onto the lead for
// dashboards. Terminal records clear it.
func (q *Queue) mirror(ctx context.Context, rec *models.FailedEmail) {
	if q.leads == nil {
		return
	}
	count := rec.AttemptCount
	next := rec.NextRetryAt
	if rec.Status.IsTerminal() {
		next = nil
	}
	if rec.Status == models.DLQStatusResolved {
		count = 0
	}
	if err := q.leads.NoteDeliveryRetry(ctx, rec.LeadID, count, next); err != nil {
		slog.Warn("Queue.mirror: failed to update lead retry fields", "leadID", rec.LeadID, "error", err)
	}
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > MaxErrorMessageLength {
		msg = strings.ToValidUTF8(msg[:MaxErrorMessageLength], "")
	}
	return msg
}
