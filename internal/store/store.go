// Package store provides storage backends for OutreachPipe.
//
// Leads, daily quota rows, dead-letter records, batch runs, the event outbox
// and inbound reply de-duplication all live in one relational database, with
// SQLite and PostgreSQL implementations of the same repositories.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrClaimLost is returned when a conditional update finds the row no
	// longer in the expected state (another actor claimed or changed it).
	ErrClaimLost = errors.New("claim lost")
	// ErrDuplicateLead is returned when a lead with the same email exists.
	ErrDuplicateLead = errors.New("lead with this email already exists")
)

// LeadFilter narrows ListLeads results.
type LeadFilter struct {
	Status   models.MailStatus
	Priority models.Priority
	Limit    int
	Offset   int
}

// LeadRepo persists leads. Lifecycle transitions are only written under a
// claim token obtained from ClaimLead.
type LeadRepo interface {
	// InsertLead stores a new lead and fills in its ID, Seq and timestamps.
	InsertLead(ctx context.Context, lead *models.Lead) error

	// GetLead returns the lead with the given ID or ErrNotFound.
	GetLead(ctx context.Context, id string) (*models.Lead, error)

	// FindLeadByEmail returns the lead with the given address (case-insensitive).
	FindLeadByEmail(ctx context.Context, email string) (*models.Lead, error)

	// ListLeads returns leads in creation order.
	ListLeads(ctx context.Context, f LeadFilter) ([]models.Lead, error)

	// LeadWindow returns up to limit leads starting at the given position of
	// the creation-ordered pool.
	LeadWindow(ctx context.Context, start, limit int) ([]models.Lead, error)

	// DueFollowUps returns up to limit contacted, unreplied leads with a
	// follow-up whose date is on or before today and not yet sent.
	DueFollowUps(ctx context.Context, today models.Date, limit int) ([]models.Lead, error)

	// ClaimLead takes the single-writer claim on a lead, provided its
	// lifecycle fields still match lead and no live claim exists. Claims
	// older than staleBefore are considered abandoned. Returns false when
	// the claim was not obtained.
	ClaimLead(ctx context.Context, lead *models.Lead, token string, now, staleBefore time.Time) (bool, error)

	// CommitTransition writes the lifecycle fields of next and releases the
	// claim. It returns ErrClaimLost if the claim is no longer held or the
	// lead replied in the meantime.
	CommitTransition(ctx context.Context, next *models.Lead, token string) error

	// ReleaseClaim drops a claim without changing lifecycle fields.
	ReleaseClaim(ctx context.Context, id, token string) error

	// ReleaseExpiredClaims clears claims taken before staleBefore.
	ReleaseExpiredClaims(ctx context.Context, staleBefore time.Time) (int, error)

	// RecordReply writes reply text, summary, priority, REPLIED status and
	// replied_at. It does not require a claim.
	RecordReply(ctx context.Context, lead *models.Lead) error

	// NoteDeliveryRetry mirrors the open dead-letter record on the lead for
	// dashboards. Lifecycle fields are not touched.
	NoteDeliveryRetry(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error

	// LeadStats aggregates lifecycle fields across all leads.
	LeadStats(ctx context.Context) (models.LeadStats, error)
}

// QuotaRepo persists one DailyQuota row per date.
type QuotaRepo interface {
	// GetOrCreateDailyQuota returns the row for date, creating it with the
	// highest batch offset of any earlier date and the given limit.
	GetOrCreateDailyQuota(ctx context.Context, date models.Date, limit int) (*models.DailyQuota, error)

	// GetDailyQuota returns the row for date or ErrNotFound.
	GetDailyQuota(ctx context.Context, date models.Date) (*models.DailyQuota, error)

	// AdvanceBatchOffset moves batch_offset from `from` to from+1. It returns
	// false if the row's offset is no longer `from`.
	AdvanceBatchOffset(ctx context.Context, date models.Date, from int) (bool, error)

	// ReserveSend atomically takes one send slot, returning false when
	// emails_sent has reached quota_limit.
	ReserveSend(ctx context.Context, date models.Date) (bool, error)

	// RefundSend returns a slot taken by ReserveSend for a send that failed.
	RefundSend(ctx context.Context, date models.Date) error

	// AddLeadsProcessed atomically increments leads_processed.
	AddLeadsProcessed(ctx context.Context, date models.Date, n int) error

	// ListDailyQuotas returns the most recent rows, newest first.
	ListDailyQuotas(ctx context.Context, limit int) ([]models.DailyQuota, error)
}

// DLQFilter narrows ListFailedEmails results.
type DLQFilter struct {
	Status models.DLQStatus
	LeadID string
	Limit  int
	Offset int
}

// FailedEmailRepo persists dead-letter records. Records are never deleted and
// FAILED/RESOLVED records are never modified.
type FailedEmailRepo interface {
	// UpsertFailedEmail creates a PENDING record, or refreshes the error and
	// next retry time of the open record for the same lead and action.
	UpsertFailedEmail(ctx context.Context, rec *models.FailedEmail) (*models.FailedEmail, error)

	// ClaimRetryReady moves up to limit retry-ready PENDING records to
	// RETRYING and returns them.
	ClaimRetryReady(ctx context.Context, now time.Time, limit int) ([]models.FailedEmail, error)

	// RecordFailedAttempt increments attempt_count; the record becomes FAILED
	// when attempts are exhausted, else PENDING with nextRetryAt. Terminal
	// records are returned unchanged.
	RecordFailedAttempt(ctx context.Context, id, errMsg string, errType models.ErrorType, now, nextRetryAt time.Time) (*models.FailedEmail, error)

	// RecordSuccessfulAttempt increments attempt_count and resolves the record.
	RecordSuccessfulAttempt(ctx context.Context, id string, now time.Time) (*models.FailedEmail, error)

	// ReleaseRetry returns a RETRYING record to PENDING without counting an
	// attempt, for retries that could not be started.
	ReleaseRetry(ctx context.Context, id string, nextRetryAt time.Time) error

	// ResolveOpenForLead resolves every open record of a lead.
	ResolveOpenForLead(ctx context.Context, leadID, note string, now time.Time) (int, error)

	// OpenFailedEmail returns the PENDING or RETRYING record for a lead
	// action, or ErrNotFound.
	OpenFailedEmail(ctx context.Context, leadID string, action models.Action) (*models.FailedEmail, error)

	// GetFailedEmail returns one record or ErrNotFound.
	GetFailedEmail(ctx context.Context, id string) (*models.FailedEmail, error)

	// ListFailedEmails returns records newest first.
	ListFailedEmails(ctx context.Context, f DLQFilter) ([]models.FailedEmail, error)

	// DLQStats counts records by status and error type.
	DLQStats(ctx context.Context) (models.DLQStats, error)

	// RequeueStaleRetrying returns RETRYING records locked before staleBefore
	// to PENDING (crash recovery).
	RequeueStaleRetrying(ctx context.Context, staleBefore time.Time) (int, error)
}

// BatchRunRepo persists batch run records.
type BatchRunRepo interface {
	CreateBatchRun(ctx context.Context, run *models.BatchRun) error
	FinishBatchRun(ctx context.Context, run *models.BatchRun) error
	GetBatchRun(ctx context.Context, id string) (*models.BatchRun, error)
	ListBatchRuns(ctx context.Context, limit int) ([]models.BatchRun, error)
	// FailInterruptedRuns marks runs still "running" at startup as failed.
	FailInterruptedRuns(ctx context.Context, now time.Time) (int, error)
}

// Store is the full set of repositories backed by one database.
type Store interface {
	LeadRepo
	QuotaRepo
	FailedEmailRepo
	BatchRunRepo
	OutboxRepo
	DedupRepo
	Close() error
}
