// Package cleanup は運用データの自動削除ジョブを提供する。
// 保持期間を超過したレート制限ウィンドウ・処理済みメッセージレコード・
// ジョブ実行履歴を日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/talkgate/internal/repository"
)

// CleanupJob は保持期間を超過した運用データの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	rateLimitRepo repository.RateLimitRepository
	processedRepo repository.ProcessedMessageRepository
	runRepo       repository.AutothreadRunRepository
	logger        *slog.Logger

	// RateLimitRetention はレート制限行の保持期間（デフォルト: 24時間）。
	RateLimitRetention time.Duration
	// ProcessedRetention は処理済みレコードの保持期間（デフォルト: 90日）。
	ProcessedRetention time.Duration
	// RunRetention は実行履歴の保持期間（デフォルト: 30日）。
	RunRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(
	rateLimitRepo repository.RateLimitRepository,
	processedRepo repository.ProcessedMessageRepository,
	runRepo repository.AutothreadRunRepository,
	logger *slog.Logger,
) *CleanupJob {
	return &CleanupJob{
		rateLimitRepo:      rateLimitRepo,
		processedRepo:      processedRepo,
		runRepo:            runRepo,
		logger:             logger,
		RateLimitRetention: 24 * time.Hour,
		ProcessedRetention: 90 * 24 * time.Hour,
		RunRetention:       30 * 24 * time.Hour,
	}
}

// Run は保持期間を超過したデータを削除する。
// いずれかの対象で失敗しても残りの対象は処理し、最後のエラーを返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	now := time.Now()

	var lastErr error
	var rateLimitDeleted, processedDeleted, runsDeleted int64

	if deleted, err := j.rateLimitRepo.DeleteStale(ctx, now.Add(-j.RateLimitRetention)); err != nil {
		j.logger.Error("レート制限行のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		lastErr = fmt.Errorf("レート制限行のクリーンアップに失敗: %w", err)
	} else {
		rateLimitDeleted = deleted
	}

	if deleted, err := j.processedRepo.DeleteOlderThan(ctx, now.Add(-j.ProcessedRetention)); err != nil {
		j.logger.Error("処理済みレコードのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		lastErr = fmt.Errorf("処理済みレコードのクリーンアップに失敗: %w", err)
	} else {
		processedDeleted = deleted
	}

	if deleted, err := j.runRepo.DeleteOlderThan(ctx, now.Add(-j.RunRetention)); err != nil {
		j.logger.Error("実行履歴のクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		lastErr = fmt.Errorf("実行履歴のクリーンアップに失敗: %w", err)
	} else {
		runsDeleted = deleted
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("rate_limit_deleted", rateLimitDeleted),
		slog.Int64("processed_deleted", processedDeleted),
		slog.Int64("runs_deleted", runsDeleted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return lastErr
}

// Start は24時間間隔でRunを定期実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (j *CleanupJob) Start(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブのスケジューラを開始しました")

	if err := j.Run(ctx); err != nil {
		j.logger.Error("クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブのスケジューラを停止しました")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("クリーンアップジョブの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
