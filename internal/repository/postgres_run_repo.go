package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/talkgate/internal/model"
)

// PostgresAutothreadRunRepo はPostgreSQLを使用したジョブ実行履歴リポジトリ。
type PostgresAutothreadRunRepo struct {
	db *sql.DB
}

// NewPostgresAutothreadRunRepo はPostgresAutothreadRunRepoを生成する。
func NewPostgresAutothreadRunRepo(db *sql.DB) *PostgresAutothreadRunRepo {
	return &PostgresAutothreadRunRepo{db: db}
}

// Create は実行履歴を記録する。
func (r *PostgresAutothreadRunRepo) Create(ctx context.Context, run *model.AutothreadRun) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO autothread_runs
		 (id, mode, channels_scanned, processed, created, skipped, errors, last_error, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.Mode, run.ChannelsScanned, run.Processed, run.Created,
		run.Skipped, run.Errors, run.LastError, run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("実行履歴の記録に失敗しました: %w", err)
	}
	return nil
}

// ListRecent は開始日時の降順で実行履歴を返す。
func (r *PostgresAutothreadRunRepo) ListRecent(ctx context.Context, limit int) ([]*model.AutothreadRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, mode, channels_scanned, processed, created, skipped, errors, last_error, started_at, finished_at
		 FROM autothread_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("実行履歴の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var runs []*model.AutothreadRun
	for rows.Next() {
		run := &model.AutothreadRun{}
		if err := rows.Scan(
			&run.ID, &run.Mode, &run.ChannelsScanned, &run.Processed, &run.Created,
			&run.Skipped, &run.Errors, &run.LastError, &run.StartedAt, &run.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("実行履歴のスキャンに失敗しました: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("実行履歴の読み取りに失敗しました: %w", err)
	}
	return runs, nil
}

// DeleteOlderThan はstarted_atがcutoffより古い行を削除する。
func (r *PostgresAutothreadRunRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM autothread_runs WHERE started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い実行履歴の削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
