package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
)

// Compile-time check that PostgresStore implements FailedEmailRepo.
var _ FailedEmailRepo = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertFailedEmail(ctx context.Context, rec *models.FailedEmail) (*models.FailedEmail, error) {
	now := utcNow()

	row := s.db.QueryRowContext(ctx,
		`UPDATE failed_emails SET email_to = $1, subject = $2, body = $3, error_message = $4, error_type = $5,
			last_attempt_at = $6, next_retry_at = $7, updated_at = $8
		 WHERE lead_id = $9 AND action = $10 AND status IN ('PENDING', 'RETRYING')
		 RETURNING `+failedEmailColumns,
		rec.EmailTo, rec.Subject, rec.Body, nilIfEmpty(rec.ErrorMessage), rec.ErrorType,
		nilIfZeroTime(rec.LastAttemptAt), nilIfZeroTime(rec.NextRetryAt), now, rec.LeadID, rec.Action,
	)
	f, err := scanFailedEmail(row)
	if err == nil {
		slog.Debug("PostgresStore.UpsertFailedEmail: refreshed open record", "id", f.ID, "leadID", rec.LeadID)
		return &f, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("refresh failed email for lead %s failed: %w", rec.LeadID, err)
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		rec.ID, rec.LeadID, rec.Action, rec.EmailTo, rec.Subject, rec.Body, nilIfEmpty(rec.ErrorMessage), rec.ErrorType,
		rec.AttemptCount, rec.MaxAttempts, rec.Status, now, nilIfZeroTime(rec.LastAttemptAt),
		nilIfZeroTime(rec.NextRetryAt), nilIfZeroTime(rec.ResolvedAt), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert failed email for lead %s failed: %w", rec.LeadID, err)
	}
	slog.Debug("PostgresStore.UpsertFailedEmail: inserted", "id", rec.ID, "leadID", rec.LeadID, "status", rec.Status)
	return s.GetFailedEmail(ctx, rec.ID)
}

func (s *PostgresStore) ClaimRetryReady(ctx context.Context, now time.Time, limit int) ([]models.FailedEmail, error) {
	now = now.UTC()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE failed_emails SET status = 'RETRYING', locked_at = $1, updated_at = $1
		 WHERE id IN (
			SELECT id FROM failed_emails
			WHERE status = 'PENDING' AND attempt_count < max_attempts AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+failedEmailColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim retry-ready failed: %w", err)
	}
	return scanFailedEmails(rows)
}

func (s *PostgresStore) RecordFailedAttempt(ctx context.Context, id, errMsg string, errType models.ErrorType, now, nextRetryAt time.Time) (*models.FailedEmail, error) {
	now = now.UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE failed_emails SET
			attempt_count = LEAST(attempt_count + 1, max_attempts),
			status = CASE WHEN LEAST(attempt_count + 1, max_attempts) >= max_attempts THEN 'FAILED' ELSE 'PENDING' END,
			next_retry_at = CASE WHEN LEAST(attempt_count + 1, max_attempts) >= max_attempts THEN NULL ELSE $1::timestamptz END,
			error_message = $2, error_type = $3, last_attempt_at = $4, locked_at = NULL, updated_at = $4
		 WHERE id = $5 AND status IN ('PENDING', 'RETRYING')
		 RETURNING `+failedEmailColumns,
		nextRetryAt.UTC(), errMsg, errType, now, id,
	)
	f, err := scanFailedEmail(row)
	if err == sql.ErrNoRows {
		// Terminal or missing; GetFailedEmail tells which.
		return s.GetFailedEmail(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("record failed attempt for %s failed: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) RecordSuccessfulAttempt(ctx context.Context, id string, now time.Time) (*models.FailedEmail, error) {
	now = now.UTC()
	row := s.db.QueryRowContext(ctx,
		`UPDATE failed_emails SET status = 'RESOLVED', attempt_count = LEAST(attempt_count + 1, max_attempts),
			last_attempt_at = $1, resolved_at = $1, next_retry_at = NULL, locked_at = NULL, updated_at = $1
		 WHERE id = $2 AND status IN ('PENDING', 'RETRYING')
		 RETURNING `+failedEmailColumns,
		now, id,
	)
	f, err := scanFailedEmail(row)
	if err == sql.ErrNoRows {
		return s.GetFailedEmail(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("record successful attempt for %s failed: %w", id, err)
	}
	return &f, nil
}

func (s *PostgresStore) ReleaseRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'PENDING', locked_at = NULL, next_retry_at = $1, updated_at = $2
		 WHERE id = $3 AND status = 'RETRYING'`,
		nextRetryAt.UTC(), utcNow(), id,
	)
	if err != nil {
		return fmt.Errorf("release retry %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ResolveOpenForLead(ctx context.Context, leadID, note string, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'RESOLVED', resolved_at = $1, next_retry_at = NULL, locked_at = NULL,
			error_message = COALESCE(error_message, '') || $2, updated_at = $1
		 WHERE lead_id = $3 AND status IN ('PENDING', 'RETRYING')`,
		now, " | "+note, leadID,
	)
	if err != nil {
		return 0, fmt.Errorf("resolve open failed emails for lead %s failed: %w", leadID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) OpenFailedEmail(ctx context.Context, leadID string, action models.Action) (*models.FailedEmail, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+failedEmailColumns+` FROM failed_emails
		 WHERE lead_id = $1 AND action = $2 AND status IN ('PENDING', 'RETRYING')`,
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

func (s *PostgresStore) GetFailedEmail(ctx context.Context, id string) (*models.FailedEmail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+failedEmailColumns+` FROM failed_emails WHERE id = $1`, id)
	f, err := scanFailedEmail(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get failed email failed: %w", err)
	}
	return &f, nil
}

func (s *PostgresStore) ListFailedEmails(ctx context.Context, f DLQFilter) ([]models.FailedEmail, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if f.LeadID != "" {
		args = append(args, f.LeadID)
		where = append(where, "lead_id = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + failedEmailColumns + ` FROM failed_emails`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list failed emails failed: %w", err)
	}
	return scanFailedEmails(rows)
}

func (s *PostgresStore) DLQStats(ctx context.Context) (models.DLQStats, error) {
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

func (s *PostgresStore) RequeueStaleRetrying(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE failed_emails SET status = 'PENDING', locked_at = NULL, updated_at = $1 WHERE status = 'RETRYING' AND locked_at < $2`,
		utcNow(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale retrying failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleRetrying", "requeued", n)
	}
	return int(n), nil
}
