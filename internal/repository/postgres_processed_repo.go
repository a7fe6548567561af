package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/talkgate/internal/model"
)

// PostgresProcessedMessageRepo はPostgreSQLを使用した処理済みメッセージリポジトリ。
// (channel_id, message_id)の複合主キーが冪等性バリアとして機能する。
type PostgresProcessedMessageRepo struct {
	db *sql.DB
}

// NewPostgresProcessedMessageRepo はPostgresProcessedMessageRepoを生成する。
func NewPostgresProcessedMessageRepo(db *sql.DB) *PostgresProcessedMessageRepo {
	return &PostgresProcessedMessageRepo{db: db}
}

// Claim は(channelID, messageID)のレコードを楽観的に挿入する。
// ON CONFLICT DO NOTHINGにより、既存レコードとの衝突は「処理済み」の
// シグナルとしてfalseで返る。SELECTしてからINSERTする方式は競合を
// 再導入するため使用しない。
func (r *PostgresProcessedMessageRepo) Claim(ctx context.Context, channelID, messageID string, status model.ProcessedStatus) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_messages (channel_id, message_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (channel_id, message_id) DO NOTHING`,
		channelID, messageID, string(status),
	)
	if err != nil {
		// ドライバによってはON CONFLICTを通らず一意制約違反が返ることがある
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("処理済みレコードのクレームに失敗しました: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("クレーム結果の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

// MarkCreated はレコードをcreated終端状態に更新する。
func (r *PostgresProcessedMessageRepo) MarkCreated(ctx context.Context, channelID, messageID, threadID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_messages
		 SET status = $3, thread_id = $4, updated_at = now()
		 WHERE channel_id = $1 AND message_id = $2`,
		channelID, messageID, string(model.StatusCreated), threadID,
	)
	if err != nil {
		return fmt.Errorf("createdへの状態更新に失敗しました: %w", err)
	}
	return nil
}

// MarkSkipped はレコードをskipped終端状態に更新する。
func (r *PostgresProcessedMessageRepo) MarkSkipped(ctx context.Context, channelID, messageID, reason string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_messages
		 SET status = $3, skip_reason = $4, updated_at = now()
		 WHERE channel_id = $1 AND message_id = $2`,
		channelID, messageID, string(model.StatusSkipped), reason,
	)
	if err != nil {
		return fmt.Errorf("skippedへの状態更新に失敗しました: %w", err)
	}
	return nil
}

// MarkError はレコードをerror終端状態に更新する。
func (r *PostgresProcessedMessageRepo) MarkError(ctx context.Context, channelID, messageID, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_messages
		 SET status = $3, error_detail = $4, updated_at = now()
		 WHERE channel_id = $1 AND message_id = $2`,
		channelID, messageID, string(model.StatusError), detail,
	)
	if err != nil {
		return fmt.Errorf("errorへの状態更新に失敗しました: %w", err)
	}
	return nil
}

// CountCreatedSince はsince以降にcreatedとなったレコード数を返す。
func (r *PostgresProcessedMessageRepo) CountCreatedSince(ctx context.Context, channelID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processed_messages
		 WHERE channel_id = $1 AND status = $2 AND updated_at >= $3`,
		channelID, string(model.StatusCreated), since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("作成数のカウントに失敗しました: %w", err)
	}
	return count, nil
}

// DeleteOlderThan はcreated_atがcutoffより古い行を削除する。
func (r *PostgresProcessedMessageRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_messages WHERE created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い処理済みレコードの削除に失敗しました: %w", err)
	}
	return result.RowsAffected()
}
