package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Compile-time check that SQLiteStore implements QuotaRepo.
var _ QuotaRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) GetOrCreateDailyQuota(ctx context.Context, date models.Date, limit int) (*models.DailyQuota, error) {
	now := utcNow()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO daily_quota (date, batch_offset, leads_processed, emails_sent, quota_limit, created_at, updated_at)
		 SELECT ?, COALESCE(MAX(batch_offset), 0), 0, 0, ?, ?, ? FROM daily_quota WHERE date < ?`,
		string(date), limit, now, now, string(date),
	)
	if err != nil {
		return nil, fmt.Errorf("create daily quota for %s failed: %w", date, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("SQLiteStore.GetOrCreateDailyQuota: created row", "date", date, "limit", limit)
	}
	return s.GetDailyQuota(ctx, date)
}

func (s *SQLiteStore) GetDailyQuota(ctx context.Context, date models.Date) (*models.DailyQuota, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+quotaColumns+` FROM daily_quota WHERE date = ?`, string(date))
	q, err := scanQuota(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily quota for %s failed: %w", date, err)
	}
	return &q, nil
}

func (s *SQLiteStore) AdvanceBatchOffset(ctx context.Context, date models.Date, from int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_quota SET batch_offset = batch_offset + 1, updated_at = ? WHERE date = ? AND batch_offset = ?`,
		utcNow(), string(date), from,
	)
	if err != nil {
		return false, fmt.Errorf("advance batch offset for %s failed: %w", date, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ReserveSend(ctx context.Context, date models.Date) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE daily_quota SET emails_sent = emails_sent + 1, updated_at = ? WHERE date = ? AND emails_sent < quota_limit`,
		utcNow(), string(date),
	)
	if err != nil {
		return false, fmt.Errorf("reserve send for %s failed: %w", date, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) RefundSend(ctx context.Context, date models.Date) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE daily_quota SET emails_sent = emails_sent - 1, updated_at = ? WHERE date = ? AND emails_sent > 0`,
		utcNow(), string(date),
	)
	if err != nil {
		return fmt.Errorf("refund send for %s failed: %w", date, err)
	}
	return nil
}

func (s *SQLiteStore) AddLeadsProcessed(ctx context.Context, date models.Date, n int) error {
	if n == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE daily_quota SET leads_processed = leads_processed + ?, updated_at = ? WHERE date = ?`,
		n, utcNow(), string(date),
	)
	if err != nil {
		return fmt.Errorf("add leads processed for %s failed: %w", date, err)
	}
	return nil
}

func (s *SQLiteStore) ListDailyQuotas(ctx context.Context, limit int) ([]models.DailyQuota, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+quotaColumns+` FROM daily_quota ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list daily quotas failed: %w", err)
	}
	defer rows.Close()
	var out []models.DailyQuota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily quota failed: %w", err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("daily quota iteration failed: %w", err)
	}
	return out, nil
}
