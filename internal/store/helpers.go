package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for a nil pointer, otherwise the time in UTC.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const leadColumns = `seq, id, email, name, company, country, payload_json, mail_status,
	followup_5_sent, followup_10_sent, initial_sent_date, followup_5_date, followup_10_date,
	reply_text, reply_summary, replied_at, priority, email_processed, retry_count, next_retry_at,
	correlation_id, provider_message_id, claim_token, claimed_at, created_at, updated_at`

// scanLead scans a Lead and normalizes its status and priority.
func scanLead(row rowScanner) (models.Lead, error) {
	var l models.Lead
	var name, company, country, payload, status, initial, f5, f10 sql.NullString
	var replyText, replySummary, priority, correlationID, providerID, claimToken sql.NullString
	var repliedAt, nextRetryAt, claimedAt sql.NullTime
	err := row.Scan(
		&l.Seq, &l.ID, &l.Email, &name, &company, &country, &payload, &status,
		&l.FollowUp5Sent, &l.FollowUp10Sent, &initial, &f5, &f10,
		&replyText, &replySummary, &repliedAt, &priority, &l.EmailProcessed, &l.RetryCount, &nextRetryAt,
		&correlationID, &providerID, &claimToken, &claimedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return l, err
	}
	l.Name = name.String
	l.Company = company.String
	l.Country = country.String
	l.Payload = payload.String
	if l.MailStatus, err = models.ParseMailStatus(status.String); err != nil {
		return l, fmt.Errorf("lead %s: %w: %q", l.ID, err, status.String)
	}
	if l.Priority, err = models.ParsePriority(priority.String); err != nil {
		return l, fmt.Errorf("lead %s: %w: %q", l.ID, err, priority.String)
	}
	l.InitialSentDate = models.Date(initial.String)
	l.FollowUp5Date = models.Date(f5.String)
	l.FollowUp10Date = models.Date(f10.String)
	l.ReplyText = replyText.String
	l.ReplySummary = replySummary.String
	l.RepliedAt = timePtr(repliedAt)
	l.NextRetryAt = timePtr(nextRetryAt)
	l.CorrelationID = correlationID.String
	l.ProviderMessageID = providerID.String
	l.ClaimToken = claimToken.String
	l.ClaimedAt = timePtr(claimedAt)
	l.CreatedAt = l.CreatedAt.UTC()
	l.UpdatedAt = l.UpdatedAt.UTC()
	return l, nil
}

func scanLeads(rows *sql.Rows) ([]models.Lead, error) {
	defer rows.Close()
	var leads []models.Lead
	for rows.Next() {
		l, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead failed: %w", err)
		}
		leads = append(leads, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("lead rows iteration failed: %w", err)
	}
	return leads, nil
}

const failedEmailColumns = `id, lead_id, action, email_to, subject, body, error_message, error_type,
	attempt_count, max_attempts, status, created_at, last_attempt_at, next_retry_at, resolved_at,
	locked_at, updated_at`

// scanFailedEmail scans a dead-letter record.
func scanFailedEmail(row rowScanner) (models.FailedEmail, error) {
	var f models.FailedEmail
	var errMsg sql.NullString
	var lastAttempt, nextRetry, resolved, locked sql.NullTime
	err := row.Scan(
		&f.ID, &f.LeadID, &f.Action, &f.EmailTo, &f.Subject, &f.Body, &errMsg, &f.ErrorType,
		&f.AttemptCount, &f.MaxAttempts, &f.Status, &f.CreatedAt, &lastAttempt, &nextRetry, &resolved,
		&locked, &f.UpdatedAt,
	)
	if err != nil {
		return f, err
	}
	f.ErrorMessage = errMsg.String
	f.LastAttemptAt = timePtr(lastAttempt)
	f.NextRetryAt = timePtr(nextRetry)
	f.ResolvedAt = timePtr(resolved)
	f.LockedAt = timePtr(locked)
	f.CreatedAt = f.CreatedAt.UTC()
	f.UpdatedAt = f.UpdatedAt.UTC()
	return f, nil
}

func scanFailedEmails(rows *sql.Rows) ([]models.FailedEmail, error) {
	defer rows.Close()
	var recs []models.FailedEmail
	for rows.Next() {
		f, err := scanFailedEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan failed email failed: %w", err)
		}
		recs = append(recs, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed email rows iteration failed: %w", err)
	}
	return recs, nil
}

const quotaColumns = `date, batch_offset, leads_processed, emails_sent, quota_limit, created_at, updated_at`

func scanQuota(row rowScanner) (models.DailyQuota, error) {
	var q models.DailyQuota
	var date string
	err := row.Scan(&date, &q.BatchOffset, &q.LeadsProcessed, &q.EmailsSent, &q.QuotaLimit, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return q, err
	}
	q.Date = models.Date(date)
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	return q, nil
}

const batchRunColumns = `id, trigger_kind, date, batch_offset, total, processed, sent, failed, skipped,
	status, error, started_at, finished_at`

func scanBatchRun(row rowScanner) (models.BatchRun, error) {
	var r models.BatchRun
	var date string
	var errText sql.NullString
	var finished sql.NullTime
	err := row.Scan(
		&r.ID, &r.Trigger, &date, &r.BatchOffset, &r.Total, &r.Processed, &r.Sent, &r.Failed, &r.Skipped,
		&r.Status, &errText, &r.StartedAt, &finished,
	)
	if err != nil {
		return r, err
	}
	r.Date = models.Date(date)
	r.Error = errText.String
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = timePtr(finished)
	return r, nil
}

const outboxColumns = `id, aggregate_id, kind, payload_json, status, attempts, next_attempt_at,
	dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans an OutboxMessage.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.AggregateID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	m.NextAttemptAt = timePtr(nextAttemptAt)
	m.LockedAt = timePtr(lockedAt)
	return m, nil
}

// emptyLeadStats returns LeadStats with every known bucket present.
func emptyLeadStats() models.LeadStats {
	st := models.LeadStats{
		ByStatus:   make(map[models.MailStatus]int),
		ByPriority: make(map[models.Priority]int),
	}
	for _, s := range []models.MailStatus{
		models.MailStatusNew, models.MailStatusSent, models.MailStatusFollowUp5Sent,
		models.MailStatusFollowUp10Sent, models.MailStatusReplied,
	} {
		st.ByStatus[s] = 0
	}
	for _, p := range []models.Priority{models.PriorityHigh, models.PriorityMedium, models.PriorityLow, models.PriorityNone} {
		st.ByPriority[p] = 0
	}
	return st
}

// emptyDLQStats returns DLQStats with every known bucket present.
func emptyDLQStats() models.DLQStats {
	st := models.DLQStats{
		ByStatus:    make(map[models.DLQStatus]int),
		ByErrorType: make(map[models.ErrorType]int),
	}
	for _, s := range models.AllDLQStatuses {
		st.ByStatus[s] = 0
	}
	for _, e := range models.AllErrorTypes {
		st.ByErrorType[e] = 0
	}
	return st
}

func utcNow() time.Time {
	return time.Now().UTC()
}
