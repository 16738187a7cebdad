// Package store provides storage backends for OutreachPipe.
//
// This file implements the PostgreSQL-backed store and its lead repository.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	"github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	slog.Debug("Opening Postgres database connection")
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	slog.Debug("Postgres database opened")

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	} else {
		slog.Debug("Postgres database connection closed successfully")
	}
	return err
}

func isPostgresUniqueViolation(err error) bool {
	var pe *pq.Error
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	return false
}

func (s *PostgresStore) InsertLead(ctx context.Context, lead *models.Lead) error {
	status, err := models.ParseMailStatus(string(lead.MailStatus))
	if err != nil {
		return err
	}
	lead.MailStatus = status
	if lead.Priority == "" {
		lead.Priority = models.PriorityNone
	}
	if lead.ID == "" {
		lead.ID = util.GenerateLeadID()
	}
	now := utcNow()
	lead.CreatedAt, lead.UpdatedAt = now, now

	err = s.db.QueryRowContext(ctx,
		`INSERT INTO leads (id, email, name, company, country, payload_json, mail_status,
			followup_5_sent, followup_10_sent, initial_sent_date, followup_5_date, followup_10_date,
			reply_text, priority, email_processed, correlation_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING seq`,
		lead.ID, strings.TrimSpace(lead.Email), nilIfEmpty(lead.Name), nilIfEmpty(lead.Company), nilIfEmpty(lead.Country),
		nilIfEmpty(lead.Payload), lead.MailStatus, lead.FollowUp5Sent, lead.FollowUp10Sent,
		nilIfEmpty(string(lead.InitialSentDate)), nilIfEmpty(string(lead.FollowUp5Date)), nilIfEmpty(string(lead.FollowUp10Date)),
		nilIfEmpty(lead.ReplyText), lead.Priority, lead.EmailProcessed, nilIfEmpty(lead.CorrelationID), now, now,
	).Scan(&lead.Seq)
	if err != nil {
		if isPostgresUniqueViolation(err) {
			return fmt.Errorf("insert lead %s: %w", lead.Email, ErrDuplicateLead)
		}
		slog.Error("PostgresStore InsertLead failed", "error", err, "email", lead.Email)
		return fmt.Errorf("failed to insert lead %s: %w", lead.Email, err)
	}
	slog.Debug("PostgresStore InsertLead succeeded", "id", lead.ID, "seq", lead.Seq)
	return nil
}

func (s *PostgresStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead failed: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) FindLeadByEmail(ctx context.Context, email string) (*models.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lead by email failed: %w", err)
	}
	return &l, nil
}

func (s *PostgresStore) ListLeads(ctx context.Context, f LeadFilter) ([]models.Lead, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, "mail_status = $"+strconv.Itoa(len(args)))
	}
	if f.Priority != "" {
		args = append(args, f.Priority)
		where = append(where, "priority = $"+strconv.Itoa(len(args)))
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY seq ASC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *PostgresStore) LeadWindow(ctx context.Context, start, limit int) ([]models.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads ORDER BY seq ASC LIMIT $1 OFFSET $2`, limit, start)
	if err != nil {
		return nil, fmt.Errorf("lead window query failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *PostgresStore) DueFollowUps(ctx context.Context, today models.Date, limit int) ([]models.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE email <> ''
		   AND ((mail_status = 'SENT' AND NOT followup_5_sent AND followup_5_date IS NOT NULL AND followup_5_date <= $1)
		     OR (mail_status IN ('SENT', 'FOLLOWUP_5_SENT') AND NOT followup_10_sent AND followup_10_date IS NOT NULL AND followup_10_date <= $1))
		 ORDER BY seq ASC LIMIT $2`,
		string(today), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due follow-ups query failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *PostgresStore) ClaimLead(ctx context.Context, lead *models.Lead, token string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = $1, claimed_at = $2
		 WHERE id = $3 AND mail_status = $4 AND followup_5_sent = $5 AND followup_10_sent = $6
		   AND (claim_token IS NULL OR claimed_at < $7)`,
		token, now.UTC(), lead.ID, lead.MailStatus, lead.FollowUp5Sent, lead.FollowUp10Sent, staleBefore.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim lead %s failed: %w", lead.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim lead rows affected failed: %w", err)
	}
	if n == 0 {
		slog.Debug("PostgresStore.ClaimLead: not claimed", "id", lead.ID, "status", lead.MailStatus)
		return false, nil
	}
	return true, nil
}

func (s *PostgresStore) CommitTransition(ctx context.Context, next *models.Lead, token string) error {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET mail_status = $1, followup_5_sent = $2, followup_10_sent = $3,
			initial_sent_date = $4, followup_5_date = $5, followup_10_date = $6, email_processed = $7,
			retry_count = $8, next_retry_at = $9, correlation_id = $10, provider_message_id = $11,
			claim_token = NULL, claimed_at = NULL, updated_at = $12
		 WHERE id = $13 AND claim_token = $14 AND mail_status <> 'REPLIED'`,
		next.MailStatus, next.FollowUp5Sent, next.FollowUp10Sent,
		nilIfEmpty(string(next.InitialSentDate)), nilIfEmpty(string(next.FollowUp5Date)), nilIfEmpty(string(next.FollowUp10Date)),
		next.EmailProcessed, next.RetryCount, nilIfZeroTime(next.NextRetryAt), nilIfEmpty(next.CorrelationID),
		nilIfEmpty(next.ProviderMessageID), now, next.ID, token,
	)
	if err != nil {
		return fmt.Errorf("commit transition for lead %s failed: %w", next.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit transition rows affected failed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("commit transition for lead %s: %w", next.ID, ErrClaimLost)
	}
	next.UpdatedAt = now
	next.ClaimToken, next.ClaimedAt = "", nil
	slog.Debug("PostgresStore.CommitTransition", "id", next.ID, "status", next.MailStatus)
	return nil
}

func (s *PostgresStore) ReleaseClaim(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = NULL, claimed_at = NULL WHERE id = $1 AND claim_token = $2`, id, token)
	if err != nil {
		return fmt.Errorf("release claim for lead %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ReleaseExpiredClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = NULL, claimed_at = NULL WHERE claim_token IS NOT NULL AND claimed_at < $1`,
		staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.ReleaseExpiredClaims", "released", n)
	}
	return int(n), nil
}

func (s *PostgresStore) RecordReply(ctx context.Context, lead *models.Lead) error {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET reply_text = $1, reply_summary = $2, priority = $3, mail_status = $4, replied_at = $5,
			next_retry_at = NULL, updated_at = $6
		 WHERE id = $7`,
		nilIfEmpty(lead.ReplyText), nilIfEmpty(lead.ReplySummary), lead.Priority, lead.MailStatus,
		nilIfZeroTime(lead.RepliedAt), now, lead.ID,
	)
	if err != nil {
		return fmt.Errorf("record reply for lead %s failed: %w", lead.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	lead.UpdatedAt = now
	slog.Debug("PostgresStore.RecordReply", "id", lead.ID, "priority", lead.Priority)
	return nil
}

func (s *PostgresStore) NoteDeliveryRetry(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET retry_count = $1, next_retry_at = $2, updated_at = $3 WHERE id = $4`,
		retryCount, nilIfZeroTime(nextRetryAt), utcNow(), id)
	if err != nil {
		return fmt.Errorf("note delivery retry for lead %s failed: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) LeadStats(ctx context.Context) (models.LeadStats, error) {
	st := emptyLeadStats()
	rows, err := s.db.QueryContext(ctx,
		`SELECT mail_status, priority, COUNT(*),
			COUNT(*) FILTER (WHERE followup_5_sent),
			COUNT(*) FILTER (WHERE followup_10_sent),
			COUNT(*) FILTER (WHERE reply_text IS NOT NULL AND reply_text <> '')
		 FROM leads GROUP BY mail_status, priority`)
	if err != nil {
		return st, fmt.Errorf("lead stats query failed: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status, priority string
		var count, f5, f10, replies int
		if err := rows.Scan(&status, &priority, &count, &f5, &f10, &replies); err != nil {
			return st, fmt.Errorf("scan lead stats failed: %w", err)
		}
		st.Total += count
		st.ByStatus[models.MailStatus(status)] += count
		st.ByPriority[models.Priority(priority)] += count
		st.FollowUp5Sent += f5
		st.FollowUp10Sent += f10
		st.WithReply += replies
	}
	if err := rows.Err(); err != nil {
		return st, fmt.Errorf("lead stats iteration failed: %w", err)
	}
	return st, nil
}
