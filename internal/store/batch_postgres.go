package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

// Compile-time check that PostgresStore implements BatchRunRepo.
var _ BatchRunRepo = (*PostgresStore)(nil)

func (s *PostgresStore) CreateBatchRun(ctx context.Context, run *models.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_runs (id, trigger_kind, date, batch_offset, total, processed, sent, failed, skipped, status, error, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.Trigger, string(run.Date), run.BatchOffset, run.Total, run.Processed, run.Sent, run.Failed,
		run.Skipped, run.Status, nilIfEmpty(run.Error), run.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create batch run %s failed: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) FinishBatchRun(ctx context.Context, run *models.BatchRun) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET total = $1, processed = $2, sent = $3, failed = $4, skipped = $5, status = $6, error = $7, finished_at = $8
		 WHERE id = $9`,
		run.Total, run.Processed, run.Sent, run.Failed, run.Skipped, run.Status, nilIfEmpty(run.Error),
		nilIfZeroTime(run.FinishedAt), run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish batch run %s failed: %w", run.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetBatchRun(ctx context.Context, id string) (*models.BatchRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchRunColumns+` FROM batch_runs WHERE id = $1`, id)
	r, err := scanBatchRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch run failed: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListBatchRuns(ctx context.Context, limit int) ([]models.BatchRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchRunColumns+` FROM batch_runs ORDER BY started_at DESC LIMIT $1`, limit)
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

func (s *PostgresStore) FailInterruptedRuns(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_runs SET status = 'failed', error = 'interrupted by restart', finished_at = $1 WHERE status = 'running'`,
		now.UTC())
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.FailInterruptedRuns", "count", n)
	}
	return int(n), nil
}
