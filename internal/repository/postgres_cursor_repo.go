package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/talkgate/internal/model"
)

// PostgresChannelCursorRepo はPostgreSQLを使用したチャンネルカーソルリポジトリ。
type PostgresChannelCursorRepo struct {
	db *sql.DB
}

// NewPostgresChannelCursorRepo はPostgresChannelCursorRepoを生成する。
func NewPostgresChannelCursorRepo(db *sql.DB) *PostgresChannelCursorRepo {
	return &PostgresChannelCursorRepo{db: db}
}

// Find は指定チャンネルのカーソルを取得する。見つからない場合はnilを返す。
func (r *PostgresChannelCursorRepo) Find(ctx context.Context, channelID string) (*model.ChannelCursor, error) {
	cursor := &model.ChannelCursor{}
	err := r.db.QueryRowContext(ctx,
		`SELECT channel_id, display_name, topic, last_seen_message_id, updated_at
		 FROM channel_cursors WHERE channel_id = $1`,
		channelID,
	).Scan(
		&cursor.ChannelID, &cursor.DisplayName, &cursor.Topic,
		&cursor.LastSeenMessageID, &cursor.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("カーソルの取得に失敗しました: %w", err)
	}
	return cursor, nil
}

// Upsert はカーソルとメタデータを冪等にUPSERTする。
// メッセージIDはsnowflake形式（10進数文字列、大きいほど新しい）のため、
// 0埋めで桁を揃えた文字列比較が数値比較と一致することを利用し、
// last_seen_message_idが前進する場合のみ更新する。
// 重複起動したジョブが古いカーソルを書き戻してもここで後退が防がれる。
func (r *PostgresChannelCursorRepo) Upsert(ctx context.Context, cursor *model.ChannelCursor) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_cursors (channel_id, display_name, topic, last_seen_message_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (channel_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   topic = EXCLUDED.topic,
		   last_seen_message_id = CASE
		     WHEN lpad(EXCLUDED.last_seen_message_id, 20, '0') > lpad(channel_cursors.last_seen_message_id, 20, '0')
		       THEN EXCLUDED.last_seen_message_id
		     ELSE channel_cursors.last_seen_message_id
		   END,
		   updated_at = now()`,
		cursor.ChannelID, cursor.DisplayName, cursor.Topic, cursor.LastSeenMessageID,
	)
	if err != nil {
		return fmt.Errorf("カーソルのUPSERTに失敗しました: %w", err)
	}
	return nil
}
