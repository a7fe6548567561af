package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresThreadStatsRepo はPostgreSQLを使用したスレッド作成数集計リポジトリ。
type PostgresThreadStatsRepo struct {
	db *sql.DB
}

// NewPostgresThreadStatsRepo はPostgresThreadStatsRepoを生成する。
func NewPostgresThreadStatsRepo(db *sql.DB) *PostgresThreadStatsRepo {
	return &PostgresThreadStatsRepo{db: db}
}

// IncrementCreated は指定チャンネルの当日作成数を1加算する。
func (r *PostgresThreadStatsRepo) IncrementCreated(ctx context.Context, channelID string, day time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO thread_stats (channel_id, day, created_count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (channel_id, day) DO UPDATE SET
		   created_count = thread_stats.created_count + 1`,
		channelID, day.Format("2006-01-02"),
	)
	if err != nil {
		return fmt.Errorf("スレッド作成数集計の更新に失敗しました: %w", err)
	}
	return nil
}
