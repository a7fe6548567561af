// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/talkgate/internal/model"
)

// SubmissionRepository は登壇応募データの永続化インターフェース。
type SubmissionRepository interface {
	// Create は応募を作成する。
	Create(ctx context.Context, sub *model.Submission) error

	// FindByID は指定IDの応募を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Submission, error)

	// UpdateChannelInfo は応募に紐づくチャンネルIDと招待URLを更新する。
	UpdateChannelInfo(ctx context.Context, id, channelID, inviteURL string) error

	// ListRecent は作成日時の降順で応募一覧を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.Submission, error)
}

// RateLimitRepository はレート制限ウィンドウの永続化インターフェース。
// Mutateはキー単位の行ロックを取得した上でfnを呼び出し、
// fnが返した新しいウィンドウ文字列とlast_updatedを同一トランザクションで書き込む。
type RateLimitRepository interface {
	// Mutate はキーのウィンドウ文字列を排他的に読み書きする。
	// 行が存在しない場合は空ウィンドウ（"[]"）で作成してからfnを呼ぶ。
	// ロック競合時はErrLockContentionを返す（リトライ判断は呼び出し元）。
	Mutate(ctx context.Context, key string, fn func(rawWindow string) (string, error)) error

	// DeleteStale はlast_updatedがcutoffより古い行を削除し、削除件数を返す。
	DeleteStale(ctx context.Context, cutoff time.Time) (int64, error)
}

// ChannelCursorRepository はチャンネルカーソルの永続化インターフェース。
type ChannelCursorRepository interface {
	// Find は指定チャンネルのカーソルを取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, channelID string) (*model.ChannelCursor, error)

	// Upsert はカーソルとメタデータを冪等にUPSERTする。
	// last_seen_message_idは数値比較で前進する場合のみ更新される（後退しない）。
	Upsert(ctx context.Context, cursor *model.ChannelCursor) error
}

// ProcessedMessageRepository は処理済みメッセージレコードの永続化インターフェース。
type ProcessedMessageRepository interface {
	// Claim は(channelID, messageID)のレコードを楽観的に挿入する。
	// 既存レコードと衝突した場合はfalseを返す（エラーではない）。
	Claim(ctx context.Context, channelID, messageID string, status model.ProcessedStatus) (bool, error)

	// MarkCreated はレコードをcreated終端状態に更新する。
	// threadIDは「既存スレッドあり」として成功扱いした場合は空文字でよい。
	MarkCreated(ctx context.Context, channelID, messageID, threadID string) error

	// MarkSkipped はレコードをskipped終端状態に更新する。
	MarkSkipped(ctx context.Context, channelID, messageID, reason string) error

	// MarkError はレコードをerror終端状態に更新する。
	MarkError(ctx context.Context, channelID, messageID, detail string) error

	// CountCreatedSince はsince以降にcreatedとなったレコード数を返す。
	// クールダウン判定に使用する。
	CountCreatedSince(ctx context.Context, channelID string, since time.Time) (int, error)

	// DeleteOlderThan はcreated_atがcutoffより古い行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AutothreadRunRepository はジョブ実行履歴の永続化インターフェース。
type AutothreadRunRepository interface {
	// Create は実行履歴を記録する。
	Create(ctx context.Context, run *model.AutothreadRun) error

	// ListRecent は開始日時の降順で実行履歴を返す。
	ListRecent(ctx context.Context, limit int) ([]*model.AutothreadRun, error)

	// DeleteOlderThan はstarted_atがcutoffより古い行を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ThreadStatsRepository はチャンネル×日単位のスレッド作成数集計のインターフェース。
// 可観測性のためだけに存在し、クールダウン判定には使用しない。
type ThreadStatsRepository interface {
	// IncrementCreated は指定チャンネルの当日作成数を1加算する。
	IncrementCreated(ctx context.Context, channelID string, day time.Time) error
}
