// Package store provides storage backends for OutreachPipe.
//
// This file implements the SQLite-backed store and its lead repository.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/util"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
	// sqliteDSNParams enables WAL, a busy timeout and foreign keys on every pooled connection
	sqliteDSNParams = "_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}

	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	if !strings.Contains(dsn, "?") {
		dsn += "?" + sqliteDSNParams
	}

	slog.Debug("Opening SQLite database connection")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection serializes access instead
	// of surfacing SQLITE_BUSY to concurrent workers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("SQLite ping successful")

	// Run migrations to ensure tables exist
	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}

func isSQLiteUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLiteStore) InsertLead(ctx context.Context, lead *models.Lead) error {
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

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leads (id, email, name, company, country, payload_json, mail_status,
			followup_5_sent, followup_10_sent, initial_sent_date, followup_5_date, followup_10_date,
			reply_text, priority, email_processed, correlation_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lead.ID, strings.TrimSpace(lead.Email), nilIfEmpty(lead.Name), nilIfEmpty(lead.Company), nilIfEmpty(lead.Country),
		nilIfEmpty(lead.Payload), lead.MailStatus, lead.FollowUp5Sent, lead.FollowUp10Sent,
		nilIfEmpty(string(lead.InitialSentDate)), nilIfEmpty(string(lead.FollowUp5Date)), nilIfEmpty(string(lead.FollowUp10Date)),
		nilIfEmpty(lead.ReplyText), lead.Priority, lead.EmailProcessed, nilIfEmpty(lead.CorrelationID), now, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return fmt.Errorf("insert lead %s: %w", lead.Email, ErrDuplicateLead)
		}
		slog.Error("SQLiteStore InsertLead failed", "error", err, "email", lead.Email)
		return fmt.Errorf("failed to insert lead %s: %w", lead.Email, err)
	}
	if lead.Seq, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read lead seq: %w", err)
	}
	slog.Debug("SQLiteStore InsertLead succeeded", "id", lead.ID, "seq", lead.Seq)
	return nil
}

func (s *SQLiteStore) GetLead(ctx context.Context, id string) (*models.Lead, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = ?`, id)
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get lead failed: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) FindLeadByEmail(ctx context.Context, email string) (*models.Lead, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE email = ? COLLATE NOCASE`, strings.TrimSpace(email))
	l, err := scanLead(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find lead by email failed: %w", err)
	}
	return &l, nil
}

func (s *SQLiteStore) ListLeads(ctx context.Context, f LeadFilter) ([]models.Lead, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "mail_status = ?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, f.Priority)
	}
	query := `SELECT ` + leadColumns + ` FROM leads`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY seq ASC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list leads failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *SQLiteStore) LeadWindow(ctx context.Context, start, limit int) ([]models.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads ORDER BY seq ASC LIMIT ? OFFSET ?`, limit, start)
	if err != nil {
		return nil, fmt.Errorf("lead window query failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *SQLiteStore) DueFollowUps(ctx context.Context, today models.Date, limit int) ([]models.Lead, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+leadColumns+` FROM leads
		 WHERE email <> ''
		   AND ((mail_status = 'SENT' AND followup_5_sent = ? AND followup_5_date IS NOT NULL AND followup_5_date <= ?)
		     OR (mail_status IN ('SENT', 'FOLLOWUP_5_SENT') AND followup_10_sent = ? AND followup_10_date IS NOT NULL AND followup_10_date <= ?))
		 ORDER BY seq ASC LIMIT ?`,
		false, string(today), false, string(today), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due follow-ups query failed: %w", err)
	}
	return scanLeads(rows)
}

func (s *SQLiteStore) ClaimLead(ctx context.Context, lead *models.Lead, token string, now, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = ?, claimed_at = ?
		 WHERE id = ? AND mail_status = ? AND followup_5_sent = ? AND followup_10_sent = ?
		   AND (claim_token IS NULL OR claimed_at < ?)`,
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
		slog.Debug("SQLiteStore.ClaimLead: not claimed", "id", lead.ID, "status", lead.MailStatus)
		return false, nil
	}
	return true, nil
}

func (s *SQLiteStore) CommitTransition(ctx context.Context, next *models.Lead, token string) error {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET mail_status = ?, followup_5_sent = ?, followup_10_sent = ?,
			initial_sent_date = ?, followup_5_date = ?, followup_10_date = ?, email_processed = ?,
			retry_count = ?, next_retry_at = ?, correlation_id = ?, provider_message_id = ?,
			claim_token = NULL, claimed_at = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ? AND mail_status <> 'REPLIED'`,
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
	slog.Debug("SQLiteStore.CommitTransition", "id", next.ID, "status", next.MailStatus)
	return nil
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = NULL, claimed_at = NULL WHERE id = ? AND claim_token = ?`, id, token)
	if err != nil {
		return fmt.Errorf("release claim for lead %s failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseExpiredClaims(ctx context.Context, staleBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET claim_token = NULL, claimed_at = NULL WHERE claim_token IS NOT NULL AND claimed_at < ?`,
		staleBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired claims failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.ReleaseExpiredClaims", "released", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) RecordReply(ctx context.Context, lead *models.Lead) error {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`UPDATE leads SET reply_text = ?, reply_summary = ?, priority = ?, mail_status = ?, replied_at = ?,
			next_retry_at = NULL, updated_at = ?
		 WHERE id = ?`,
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
	slog.Debug("SQLiteStore.RecordReply", "id", lead.ID, "priority", lead.Priority)
	return nil
}

func (s *SQLiteStore) NoteDeliveryRetry(ctx context.Context, id string, retryCount int, nextRetryAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE leads SET retry_count = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		retryCount, nilIfZeroTime(nextRetryAt), utcNow(), id)
	if err != nil {
		return fmt.Errorf("note delivery retry for lead %s failed: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) LeadStats(ctx context.Context) (models.LeadStats, error) {
	st := emptyLeadStats()
	rows, err := s.db.QueryContext(ctx,
		`SELECT mail_status, priority, COUNT(*),
			SUM(CASE WHEN followup_5_sent THEN 1 ELSE 0 END),
			SUM(CASE WHEN followup_10_sent THEN 1 ELSE 0 END),
			SUM(CASE WHEN reply_text IS NOT NULL AND reply_text <> '' THEN 1 ELSE 0 END)
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
