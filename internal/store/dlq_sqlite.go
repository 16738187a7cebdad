package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Compile-time check that SQLiteStore implements FailedEmailRepo.
var _ FailedEmailRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) UpsertFailedEmail(ctx context.Context, rec *models.FailedEmail) (*models.FailedEmail, error) {
	now := utcNow()

	open, err := s.OpenFailedEmail(ctx, rec.LeadID, rec.Action)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if open != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE failed_emails SET email_to = ?, subject = ?, body = ?, error_message = ?, error_type = ?,
				last_attempt_at = ?, next_retry_at = ?, updated_at = ?
			 WHERE id = ? AND status IN ('PENDING', 'RETRYING')`,
			rec.EmailTo, rec.Subject, rec.Body, nilIfEmpty(rec.ErrorMessage), rec.ErrorType,
			nilIfZeroTime(rec.LastAttemptAt), nilIfZeroTime(rec.NextRetryAt), now, open.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("refresh failed email %s failed: %w", open.ID, err)
		}
		slog.Debug("SQLiteStore.UpsertFailedEmail: refreshed open record", "id", open.ID, "leadID", rec.LeadID)
		return s.GetFailedEmail(ctx, open.ID)
	}

	if rec.ID == "" {
		rec.ID = util.GenerateFailureID()
	}
	if rec.Status == "" {
		rec.Status = models.DLQStatusPending
	}
	rec.CreatedAt, rec.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO failed_emails (id, lead_id, action, email_to, subject, body, error_message, error_type,
			attempt_count, max_attempts, status, created_at, last_attempt_at, next_retry_at, resolved_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.LeadID, rec.Action, rec.EmailTo, rec.Subject, rec.Body, nilIfEmpty(rec.ErrorMessage), rec.ErrorType,
		rec.AttemptCount, rec.MaxAttempts, rec.Status, now, nilIfZeroTime(rec.LastAttemptAt),
		nilIfZeroTime(rec.NextRetryAt), nilIfZeroTime(rec.ResolvedAt), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert failed email for lead %s failed: %w", rec.LeadID, err)
	}
	slog.Debug("SQLiteStore.UpsertFailedEmail: inserted", "id", rec.ID, "leadID", rec.LeadID, "status", rec.Status)
	return s.GetFailedEmail(ctx, rec.ID)
}

func (s *SQLiteStore) ClaimRetryReady(ctx context.Context, now time.Time, limit int) ([]models.FailedEmail, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+failedEmailColumns+` FROM failed_emails
		 WHERE status = 'PENDING' AND attempt_count < max_attempts AND (next_retry_at IS NULL OR next_retry_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim retry-ready query failed: %w", err)
	}
	recs, err := scanFailedEmails(rows)
	if err != nil {
		return nil, err
	}

	claimed := recs[:0]
	for i := range recs {
		res, err := s.db.ExecContext(ctx,
			`UPDATE failed_emails SET status = 'RETRYING', locked_at = ?, updated_at = ? WHERE id = ? AND status = 'PENDING'`,
			now, now, recs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark failed email retrying failed: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		recs[i].Status = models.DLQStatusRetrying
		recs[i].LockedAt = &now
		claimed = append(claimed, recs[i])
	}
	return claimed, nil
}

func (s *SQLiteStore) RecordFailedAttempt(ctx context.Context, id, errMsg string, errType models.ErrorType, now, nextRetryAt time.Time) (*models.FailedEmail, error) {
	cur, err := s.GetFailedEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		slog.Debug("SQLiteStore.RecordFailedAttempt: terminal record unchanged", "id", id, "status", cur.Status)
		return cur, nil
	}

	attempt := cur.AttemptCount
	if attempt < cur.MaxAttempts {
		attempt++
	}
	now = now.UTC()
	if attempt >= cur.MaxAttempts {
		_, err = s.db.ExecContext(ctx,
			`UPDATE failed_emails SET status = 'FAILED', attempt_count = ?, error_message = ?, error_type = ?,
				last_attempt_at = ?, next_retry_at = NULL, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status IN ('PENDING', 'RETRYING')`,
			attempt, errMsg, errType, now, now, id,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE failed_emails SET status = 'PENDING', attempt_count = ?, error_message = ?, error_type = ?,
				last_attempt_at = ?, next_retry_at = ?, locked_at = NULL, updated_at = ?
			 WHERE id = ? AND status IN ('PENDING', 'RETRYING')`,
			attempt, errMsg, errType, now, nextRetryAt.UTC(), now, id,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("record failed attempt for %s failed: %w", id, err)
	}
	return s.GetFailedEmail(ctx, id)
}

func (s *SQLiteStore) RecordSuccessfulAttempt(ctx context.Context, id string, now time.Time) (*models.FailedEmail, error) {
	cur, err := s.GetFailedEmail(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status.IsTerminal() {
		return cur, nil
	}
	attempt := cur.AttemptCount
	if attempt < cur.MaxAttempts {
		attempt++
	}
	now = now.UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'RESOLVED', attempt_count = ?, last_attempt_at = ?, resolved_at = ?,
			next_retry_at = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('PENDING', 'RETRYING')`,
		attempt, now, now, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("record successful attempt for %s failed: %w", id, err)
	}
	return s.GetFailedEmail(ctx, id)
}

func (s *SQLiteStore) ReleaseRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'PENDING', locked_at = NULL, next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'RETRYING'`,
		nextRetryAt.UTC(), utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("release retry %s failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ResolveOpenForLead(ctx context.Context, leadID, note string, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'RESOLVED', resolved_at = ?, next_retry_at = NULL, locked_at = NULL,
			error_message = COALESCE(error_message, '') || ?, updated_at = ?
		 WHERE lead_id = ? AND status IN ('PENDING', 'RETRYING')`,
		now, " | "+note, now, leadID,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve open failed emails for lead %s failed: %w", leadID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) OpenFailedEmail(ctx context.Context, leadID string, action models.Action) (*models.FailedEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+failedEmailColumns+` FROM failed_emails
		 WHERE lead_id = ? AND action = ? AND status IN ('PENDING', 'RETRYING')`,
		leadID, action,
	)
	f, err := scanFailedEmail(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open failed email lookup failed: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) GetFailedEmail(ctx context.Context, id string) (*models.FailedEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+failedEmailColumns+` FROM failed_emails WHERE id = ?`, id)
	f, err := scanFailedEmail(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed email failed: %w", err)
	}
	return &f, nil
}

func (s *SQLiteStore) ListFailedEmails(ctx context.Context, f DLQFilter) ([]models.FailedEmail, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.LeadID != "" {
		where = append(where, "lead_id = ?")
		args = append(args, f.LeadID)
	}
	query := `SELECT ` + failedEmailColumns + ` FROM failed_emails`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed emails failed: %w", err)
	}
	return scanFailedEmails(rows)
}

func (s *SQLiteStore) DLQStats(ctx context.Context) (models.DLQStats, error) {
	st := emptyDLQStats()
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, error_type, COUNT(*) FROM failed_emails GROUP BY status, error_type`)
	if err != nil {
		return st, fmt.Errorf("dlq stats query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, errType string
		var count int
		if err := rows.Scan(&status, &errType, &count); err != nil {
			return st, fmt.Errorf("scan dlq stats failed: %w", err)
		}
		st.Total += count
		st.ByStatus[models.DLQStatus(status)] += count
		st.ByErrorType[models.ErrorType(errType)] += count
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("dlq stats iteration failed: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) RequeueStaleRetrying(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'PENDING', locked_at = NULL, updated_at = ? WHERE status = 'RETRYING' AND locked_at < ?`,
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale retrying failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleRetrying", "requeued", n)
	}
	return int(n), nil
}
