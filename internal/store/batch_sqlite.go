package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Compile-time check that SQLiteStore implements BatchRunRepo.
var _ BatchRunRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) CreateBatchRun(ctx context.Context, run *models.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, trigger_kind, date, batch_offset, total, processed, sent, failed, skipped, status, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Trigger, string(run.Date), run.BatchOffset, run.Total, run.Processed, run.Sent, run.Failed,
		run.Skipped, run.Status, nilIfEmpty(run.Error), run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create batch run %s failed: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishBatchRun(ctx context.Context, run *models.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET total = ?, processed = ?, sent = ?, failed = ?, skipped = ?, status = ?, error = ?, finished_at = ?
		 WHERE id = ?`,
		run.Total, run.Processed, run.Sent, run.Failed, run.Skipped, run.Status, nilIfEmpty(run.Error),
		nilIfZeroTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish batch run %s failed: %w", run.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetBatchRun(ctx context.Context, id string) (*models.BatchRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchRunColumns+` FROM batch_runs WHERE id = ?`, id)
	r, err := scanBatchRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch run failed: %w", err)
	}
	return &r, nil
}

func (s *SQLiteStore) ListBatchRuns(ctx context.Context, limit int) ([]models.BatchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchRunColumns+` FROM batch_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batch runs failed: %w", err)
	}
	defer rows.Close()
	var runs []models.BatchRun
	for rows.Next() {
		r, err := scanBatchRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch run failed: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch run iteration failed: %w", err)
	}
	return runs, nil
}

func (s *SQLiteStore) FailInterruptedRuns(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = 'failed', error = 'interrupted by restart', finished_at = ? WHERE status = 'running'`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.FailInterruptedRuns", "count", n)
	}
	return int(n), nil
}
